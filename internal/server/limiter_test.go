package server

import (
	"testing"
	"time"

	"github.com/civitasdev/civitas/internal/config"
	"github.com/civitasdev/civitas/internal/messages"
)

func TestCategoryOf(t *testing.T) {
	tests := []struct {
		kind messages.InputKind
		want InputCategory
	}{
		{messages.InputPlaceBuilding, CategoryBuilding},
		{messages.InputDemolishBuilding, CategoryBuilding},
		{messages.InputZoneResidential, CategoryZoning},
		{messages.InputDezone, CategoryZoning},
		{messages.InputBuildRoad, CategoryInfrastructure},
		{messages.InputTerraform, CategoryInfrastructure},
		{messages.InputAdjustTaxRate, CategoryEconomy},
		{messages.InputSetSimSpeed, CategoryGameControl},
		{messages.InputKind(250), CategoryGameControl},
	}
	for _, tt := range tests {
		if got := CategoryOf(tt.kind); got != tt.want {
			t.Errorf("CategoryOf(%s) = %s, want %s", tt.kind, got, tt.want)
		}
	}
}

func TestTokenBucketBurstAndRefill(t *testing.T) {
	now := time.Unix(1000, 0)
	b := NewTokenBucket(10, 3, now)

	for i := 0; i < 3; i++ {
		if !b.Take(now) {
			t.Fatalf("take %d should succeed from a full bucket", i)
		}
	}
	if b.Take(now) {
		t.Fatal("empty bucket granted a token")
	}

	// 10/s refill: 100ms buys exactly one token.
	now = now.Add(100 * time.Millisecond)
	if !b.Take(now) {
		t.Fatal("refilled token not granted")
	}
	if b.Take(now) {
		t.Fatal("second token granted after a single refill interval")
	}

	// Refill never exceeds burst.
	now = now.Add(time.Hour)
	if got := func() int {
		n := 0
		for b.Take(now) {
			n++
		}
		return n
	}(); got != 3 {
		t.Fatalf("bucket refilled to %d tokens, want burst cap 3", got)
	}
}

func TestAllowInputDropsSilently(t *testing.T) {
	now := time.Unix(2000, 0)
	r := NewRateLimiter(config.DefaultRateLimits(), nil, nil)
	r.RegisterPlayer(1, now)

	// Economy burst is 10.
	for i := 0; i < 10; i++ {
		if !r.AllowInput(1, messages.InputAdjustTaxRate, now) {
			t.Fatalf("input %d should pass within burst", i)
		}
	}
	if r.AllowInput(1, messages.InputAdjustTaxRate, now) {
		t.Fatal("input beyond burst should drop")
	}
	if r.PlayerDropped(1) != 1 || r.DroppedTotal() != 1 {
		t.Errorf("dropped counters = %d/%d, want 1/1", r.PlayerDropped(1), r.DroppedTotal())
	}

	// Another category is unaffected.
	if !r.AllowInput(1, messages.InputPlaceBuilding, now) {
		t.Error("building bucket should be untouched by economy drops")
	}
}

func TestAllowInputUnknownPlayer(t *testing.T) {
	r := NewRateLimiter(config.DefaultRateLimits(), nil, nil)
	if r.AllowInput(9, messages.InputPlaceBuilding, time.Now()) {
		t.Fatal("unregistered player should be dropped")
	}
}

func TestReleasedPlayerLosesState(t *testing.T) {
	now := time.Unix(3000, 0)
	r := NewRateLimiter(config.DefaultRateLimits(), nil, nil)
	r.RegisterPlayer(1, now)
	for r.AllowInput(1, messages.InputAdjustTaxRate, now) {
	}

	r.ReleasePlayer(1)
	r.RegisterPlayer(1, now)
	if !r.AllowInput(1, messages.InputAdjustTaxRate, now) {
		t.Fatal("re-registered player should start with a full bucket")
	}
}

func TestAbuseWindow(t *testing.T) {
	now := time.Unix(4000, 0)
	cfg := config.DefaultRateLimits()
	cfg.AbuseThreshold = 5
	r := NewRateLimiter(cfg, nil, nil)
	r.RegisterPlayer(1, now)

	// Chat counts toward the window but is never dropped.
	for i := 0; i < 6; i++ {
		r.CountChat(1, now)
	}
	if r.AbuseEvents() != 1 {
		t.Fatalf("abuse events = %d, want 1", r.AbuseEvents())
	}

	// Only one event per window, however many more actions arrive.
	r.CountChat(1, now)
	r.CountChat(1, now)
	if r.AbuseEvents() != 1 {
		t.Fatalf("abuse events = %d after repeats, want 1", r.AbuseEvents())
	}

	// A new window arms the detector again.
	now = now.Add(1100 * time.Millisecond)
	for i := 0; i < 7; i++ {
		r.CountChat(1, now)
	}
	if r.AbuseEvents() != 2 {
		t.Fatalf("abuse events = %d, want 2", r.AbuseEvents())
	}
}

func TestInputsCountTowardAbuse(t *testing.T) {
	now := time.Unix(5000, 0)
	cfg := config.DefaultRateLimits()
	cfg.AbuseThreshold = 3
	r := NewRateLimiter(cfg, nil, nil)
	r.RegisterPlayer(1, now)

	for i := 0; i < 4; i++ {
		r.AllowInput(1, messages.InputZoneResidential, now)
	}
	if r.AbuseEvents() != 1 {
		t.Fatalf("abuse events = %d, want 1", r.AbuseEvents())
	}
}
