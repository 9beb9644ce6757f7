// Package server implements the authoritative game server: session
// management, inbound validation, rate limiting, input application, and
// state broadcast. Everything here is owned by the simulation goroutine;
// the only concurrent collaborators are the netio worker (via its
// queues) and the snapshot engine (via the registry's own lock).
package server

import (
	"log/slog"
	"time"

	"github.com/civitasdev/civitas/internal/config"
	"github.com/civitasdev/civitas/internal/messages"
	"github.com/civitasdev/civitas/internal/metrics"
	"github.com/civitasdev/civitas/internal/protocol"
)

// InputCategory groups input kinds for rate limiting.
type InputCategory uint8

const (
	CategoryBuilding InputCategory = iota + 1
	CategoryZoning
	CategoryInfrastructure
	CategoryEconomy
	CategoryGameControl
)

const categoryCount = 5

// String returns a stable name for logs and metric labels.
func (c InputCategory) String() string {
	switch c {
	case CategoryBuilding:
		return "building"
	case CategoryZoning:
		return "zoning"
	case CategoryInfrastructure:
		return "infrastructure"
	case CategoryEconomy:
		return "economy"
	case CategoryGameControl:
		return "game_control"
	default:
		return "unknown"
	}
}

// CategoryOf maps every input kind to its rate-limit category. Unknown
// kinds land in GameControl, the strictest default bucket; the input
// validator rejects them afterwards anyway.
func CategoryOf(kind messages.InputKind) InputCategory {
	switch kind {
	case messages.InputPlaceBuilding, messages.InputDemolishBuilding:
		return CategoryBuilding
	case messages.InputZoneResidential, messages.InputZoneCommercial,
		messages.InputZoneIndustrial, messages.InputDezone:
		return CategoryZoning
	case messages.InputBuildRoad, messages.InputRemoveRoad,
		messages.InputBuildPowerLine, messages.InputBuildWaterPipe,
		messages.InputTerraform:
		return CategoryInfrastructure
	case messages.InputAdjustTaxRate, messages.InputAllocateBudget:
		return CategoryEconomy
	case messages.InputSetSimSpeed, messages.InputPauseResume:
		return CategoryGameControl
	default:
		return CategoryGameControl
	}
}

// TokenBucket is a continuously refilling rate limiter.
type TokenBucket struct {
	tokens          float64
	max             float64
	refillPerSecond float64
	lastRefill      time.Time
}

// NewTokenBucket returns a full bucket.
func NewTokenBucket(rate, burst float64, now time.Time) *TokenBucket {
	return &TokenBucket{
		tokens:          burst,
		max:             burst,
		refillPerSecond: rate,
		lastRefill:      now,
	}
}

// Take refills for the elapsed time and consumes one token, reporting
// whether one was available.
func (b *TokenBucket) Take(now time.Time) bool {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.refillPerSecond
		if b.tokens > b.max {
			b.tokens = b.max
		}
		b.lastRefill = now
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Tokens returns the current fill, for tests and introspection.
func (b *TokenBucket) Tokens() float64 { return b.tokens }

// playerLimits is one player's buckets plus the rolling abuse window.
type playerLimits struct {
	buckets [categoryCount]*TokenBucket

	windowStart time.Time
	windowCount int
	abuseLogged bool

	dropped uint64
}

// RateLimiter enforces per-player, per-category input budgets. Empty
// buckets drop silently; the abuse window only logs. Owned by the
// simulation goroutine.
type RateLimiter struct {
	cfg     config.RateLimits
	players map[protocol.PlayerID]*playerLimits

	droppedTotal uint64
	abuseEvents  uint64

	log *slog.Logger
	m   *metrics.Metrics
}

// NewRateLimiter builds a limiter from config. A nil logger defaults to
// slog.Default.
func NewRateLimiter(cfg config.RateLimits, log *slog.Logger, m *metrics.Metrics) *RateLimiter {
	if log == nil {
		log = slog.Default()
	}
	return &RateLimiter{
		cfg:     cfg,
		players: make(map[protocol.PlayerID]*playerLimits),
		log:     log,
		m:       m,
	}
}

// RegisterPlayer installs fresh buckets for a newly joined player.
// Reconnects within the session grace keep their existing state.
func (r *RateLimiter) RegisterPlayer(id protocol.PlayerID, now time.Time) {
	if _, ok := r.players[id]; ok {
		return
	}
	pl := &playerLimits{windowStart: now}
	pl.buckets[CategoryBuilding-1] = NewTokenBucket(r.cfg.Building.Rate, r.cfg.Building.Burst, now)
	pl.buckets[CategoryZoning-1] = NewTokenBucket(r.cfg.Zoning.Rate, r.cfg.Zoning.Burst, now)
	pl.buckets[CategoryInfrastructure-1] = NewTokenBucket(r.cfg.Infrastructure.Rate, r.cfg.Infrastructure.Burst, now)
	pl.buckets[CategoryEconomy-1] = NewTokenBucket(r.cfg.Economy.Rate, r.cfg.Economy.Burst, now)
	pl.buckets[CategoryGameControl-1] = NewTokenBucket(r.cfg.GameControl.Rate, r.cfg.GameControl.Burst, now)
	r.players[id] = pl
}

// ReleasePlayer discards a player's limiter state once the session is
// gone for good.
func (r *RateLimiter) ReleasePlayer(id protocol.PlayerID) {
	delete(r.players, id)
}

// AllowInput consumes one token from the category bucket for the input
// kind. False means the input must be dropped silently.
func (r *RateLimiter) AllowInput(id protocol.PlayerID, kind messages.InputKind, now time.Time) bool {
	pl, ok := r.players[id]
	if !ok {
		// Unregistered player: nothing to budget against, drop.
		return false
	}
	r.countAction(id, pl, now)

	cat := CategoryOf(kind)
	if pl.buckets[cat-1].Take(now) {
		return true
	}
	pl.dropped++
	r.droppedTotal++
	r.m.RateLimitDrop(cat.String())
	return false
}

// CountChat records a chat line in the abuse window. Chat bypasses the
// category buckets and is never dropped here.
func (r *RateLimiter) CountChat(id protocol.PlayerID, now time.Time) {
	if pl, ok := r.players[id]; ok {
		r.countAction(id, pl, now)
	}
}

// countAction maintains the rolling one-second abuse window.
func (r *RateLimiter) countAction(id protocol.PlayerID, pl *playerLimits, now time.Time) {
	if now.Sub(pl.windowStart) >= time.Second {
		pl.windowStart = now
		pl.windowCount = 0
		pl.abuseLogged = false
	}
	pl.windowCount++
	if pl.windowCount > r.cfg.AbuseThreshold && !pl.abuseLogged {
		pl.abuseLogged = true
		r.abuseEvents++
		r.m.AbuseEvent()
		r.log.Warn("abuse threshold crossed",
			"player", id,
			"actions", pl.windowCount,
			"threshold", r.cfg.AbuseThreshold)
	}
}

// DroppedTotal returns the count of inputs dropped across all players.
func (r *RateLimiter) DroppedTotal() uint64 { return r.droppedTotal }

// PlayerDropped returns one player's dropped-input count.
func (r *RateLimiter) PlayerDropped(id protocol.PlayerID) uint64 {
	if pl, ok := r.players[id]; ok {
		return pl.dropped
	}
	return 0
}

// AbuseEvents returns the number of abuse-window crossings.
func (r *RateLimiter) AbuseEvents() uint64 { return r.abuseEvents }
