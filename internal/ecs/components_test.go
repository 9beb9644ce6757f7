package ecs

import (
	"testing"

	"github.com/civitasdev/civitas/internal/protocol"
)

func TestComponentRoundTrip(t *testing.T) {
	samples := []Component{
		&Transform{Pos: protocol.GridPosition{X: -17, Y: 400}, Rotation: 3},
		&Building{Kind: 12, Level: 3, Owner: 5, Progress: 80},
		&Road{Kind: RoadAvenue, Connections: 0b1010},
		&Zone{Kind: ZoneIndustrial, Density: 2, Owner: 1},
		&Utility{Kind: UtilityWaterPipe, Capacity: 500, Load: 120},
		&Population{Count: 1200, Employed: 800, Happiness: 64},
		&CityEconomy{Owner: 3, Treasury: -2500, TaxRate: 12, Income: 900, Expenses: 1100},
	}

	for _, src := range samples {
		t.Run(src.ComponentID().String(), func(t *testing.T) {
			buf := protocol.NewBuffer(64)
			if err := src.Serialize(buf); err != nil {
				t.Fatalf("Serialize: %v", err)
			}

			dst, ok := New(src.ComponentID())
			if !ok {
				t.Fatalf("New(%v) unknown", src.ComponentID())
			}
			if err := dst.Deserialize(protocol.NewBufferFrom(buf.Bytes())); err != nil {
				t.Fatalf("Deserialize: %v", err)
			}

			// Clone-and-compare covers every field without reflection.
			want := src.Clone()
			switch w := want.(type) {
			case *Transform:
				if *dst.(*Transform) != *w {
					t.Errorf("round trip = %+v, want %+v", dst, w)
				}
			case *Building:
				if *dst.(*Building) != *w {
					t.Errorf("round trip = %+v, want %+v", dst, w)
				}
			case *Road:
				if *dst.(*Road) != *w {
					t.Errorf("round trip = %+v, want %+v", dst, w)
				}
			case *Zone:
				if *dst.(*Zone) != *w {
					t.Errorf("round trip = %+v, want %+v", dst, w)
				}
			case *Utility:
				if *dst.(*Utility) != *w {
					t.Errorf("round trip = %+v, want %+v", dst, w)
				}
			case *Population:
				if *dst.(*Population) != *w {
					t.Errorf("round trip = %+v, want %+v", dst, w)
				}
			case *CityEconomy:
				if *dst.(*CityEconomy) != *w {
					t.Errorf("round trip = %+v, want %+v", dst, w)
				}
			}
		})
	}
}

func TestComponentCloneIsIndependent(t *testing.T) {
	orig := &Population{Count: 100, Employed: 50, Happiness: 70}
	cp := orig.Clone().(*Population)
	cp.Count = 999

	if orig.Count != 100 {
		t.Errorf("mutating clone changed original: Count = %d", orig.Count)
	}
}

func TestComponentDeserializeShortBuffer(t *testing.T) {
	for id := range ComponentID(ComponentCount) {
		c, ok := New(id)
		if !ok {
			t.Fatalf("New(%v) unknown", id)
		}
		err := c.Deserialize(protocol.NewBufferFrom([]byte{0x01}))
		if err == nil {
			t.Errorf("%v accepted a truncated buffer", id)
		}
	}
}

func TestNewRejectsUnknownID(t *testing.T) {
	if _, ok := New(ComponentID(ComponentCount)); ok {
		t.Error("New accepted an unregistered id")
	}
	if _, ok := New(31); ok {
		t.Error("New accepted id 31")
	}
}
