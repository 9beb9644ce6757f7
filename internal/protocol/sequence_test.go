package protocol

import (
	"math"
	"testing"
)

func TestIsNewer(t *testing.T) {
	tests := []struct {
		name string
		a, b SequenceNumber
		want bool
	}{
		{"simple increment", 2, 1, true},
		{"equal", 5, 5, false},
		{"older", 1, 2, false},
		{"wraparound forward", 2, math.MaxUint32 - 1, true},
		{"wraparound backward", math.MaxUint32 - 1, 2, false},
		{"half range ahead", 1 << 30, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNewer(tt.a, tt.b); got != tt.want {
				t.Errorf("IsNewer(%d, %d) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestSequenceTracker_Next(t *testing.T) {
	var tr SequenceTracker
	if got := tr.Next(); got != 1 {
		t.Errorf("first Next = %d, want 1", got)
	}
	if got := tr.Next(); got != 2 {
		t.Errorf("second Next = %d, want 2", got)
	}
}

func TestSequenceTracker_NextSkipsZero(t *testing.T) {
	tr := SequenceTracker{next: math.MaxUint32}
	if got := tr.Next(); got != 1 {
		t.Errorf("Next after wraparound = %d, want 1", got)
	}
}

func TestSequenceTracker_Observe(t *testing.T) {
	var tr SequenceTracker

	if !tr.Observe(10) {
		t.Error("first observation should be newest")
	}
	if tr.Observe(9) {
		t.Error("straggler should not be newest")
	}
	if tr.Observe(10) {
		t.Error("duplicate should not be newest")
	}
	if !tr.Observe(11) {
		t.Error("next sequence should be newest")
	}

	last, ok := tr.LastSeen()
	if !ok || last != 11 {
		t.Errorf("LastSeen = %d, %v; want 11, true", last, ok)
	}
}

func TestSequenceTracker_ObserveAcrossWraparound(t *testing.T) {
	var tr SequenceTracker
	tr.Observe(math.MaxUint32 - 1)

	if !tr.Observe(3) {
		t.Error("post-wraparound sequence should be newest")
	}
	if tr.Observe(math.MaxUint32) {
		t.Error("pre-wraparound straggler should not be newest")
	}
}
