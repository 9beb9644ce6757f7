package server

import (
	"fmt"
	"log/slog"

	"github.com/civitasdev/civitas/internal/ecs"
	"github.com/civitasdev/civitas/internal/messages"
	"github.com/civitasdev/civitas/internal/metrics"
	"github.com/civitasdev/civitas/internal/protocol"
	"github.com/civitasdev/civitas/internal/terrain"
)

// PendingAction is one applied input awaiting the broadcast horizon.
// Created is zero when the action created no entity.
type PendingAction struct {
	Sequence protocol.SequenceNumber
	Kind     messages.InputKind
	Target   protocol.GridPosition
	Param1   uint32
	Value    int32
	Created  protocol.EntityID
	Tick     protocol.Tick
}

// InputValidator checks one input kind beyond the shared bounds and
// affordability gates. A zero reason passes.
type InputValidator func(srv *Server, in *messages.Input) (messages.InputRejectReason, string)

// InputApplicator performs an accepted action against the registry or
// terrain. The returned entity, if nonzero, is destroyed on rollback.
type InputApplicator func(srv *Server, in *messages.Input) (protocol.EntityID, error)

// AffordabilityFunc answers whether the player can pay for the action.
type AffordabilityFunc func(player protocol.PlayerID, in *messages.Input) bool

// OwnershipFunc answers whether the player may modify the entity.
type OwnershipFunc func(player protocol.PlayerID, e protocol.EntityID) bool

// InputHandler routes Input payloads: per-kind validation, application,
// pending-action tracking, and ack/reject responses. Registered with the
// server as its gameplay handler; runs on the simulation goroutine.
type InputHandler struct {
	log *slog.Logger
	m   *metrics.Metrics

	validators  map[messages.InputKind]InputValidator
	applicators map[messages.InputKind]InputApplicator

	affordable AffordabilityFunc
	owns       OwnershipFunc

	pending map[protocol.PlayerID][]PendingAction

	received uint64
	accepted uint64
	rejected uint64
}

// NewInputHandler builds the handler with the standard city action set
// installed. The callbacks are optional: nil affordability admits every
// action, nil ownership skips the owner gate on demolition.
func NewInputHandler(affordable AffordabilityFunc, owns OwnershipFunc, log *slog.Logger, m *metrics.Metrics) *InputHandler {
	if log == nil {
		log = slog.Default()
	}
	h := &InputHandler{
		log:         log,
		m:           m,
		validators:  make(map[messages.InputKind]InputValidator),
		applicators: make(map[messages.InputKind]InputApplicator),
		affordable:  affordable,
		owns:        owns,
		pending:     make(map[protocol.PlayerID][]PendingAction),
	}
	h.installDefaults()
	return h
}

// Attach registers the handler with the server and hooks session-end
// rollback.
func (h *InputHandler) Attach(srv *Server) {
	srv.RegisterHandler(h)
	srv.OnSessionEnd(func(sess *Session) {
		h.RollbackPlayer(srv, sess.PlayerID)
	})
}

// SetValidator overrides or adds the validator for one kind.
func (h *InputHandler) SetValidator(kind messages.InputKind, v InputValidator) {
	h.validators[kind] = v
}

// SetApplicator overrides or adds the applicator for one kind.
func (h *InputHandler) SetApplicator(kind messages.InputKind, a InputApplicator) {
	h.applicators[kind] = a
}

// HandledTypes implements NetworkHandler.
func (h *InputHandler) HandledTypes() []protocol.MessageType {
	return []protocol.MessageType{protocol.MsgInput}
}

// Handle implements NetworkHandler for Input payloads. The message has
// already passed envelope validation, identity binding, and the rate
// limiter.
func (h *InputHandler) Handle(srv *Server, peer protocol.PeerID, env protocol.Envelope, msg protocol.Message) error {
	in, ok := msg.(*messages.Input)
	if !ok {
		return fmt.Errorf("input handler: unexpected type %d", env.Type)
	}
	h.received++
	h.m.InputReceived()

	if reason, text := h.validate(srv, in); reason != 0 {
		h.reject(srv, peer, in, reason, text)
		return nil
	}

	applicator, ok := h.applicators[in.Kind]
	if !ok {
		h.reject(srv, peer, in, messages.InputRejectUnknownKind, fmt.Sprintf("no handler for %s", in.Kind))
		return nil
	}
	created, err := applicator(srv, in)
	if err != nil {
		h.reject(srv, peer, in, messages.InputRejectInvalidTarget, err.Error())
		return nil
	}

	h.pending[in.PlayerID] = append(h.pending[in.PlayerID], PendingAction{
		Sequence: in.Sequence,
		Kind:     in.Kind,
		Target:   in.Target,
		Param1:   in.Param1,
		Value:    in.Value,
		Created:  created,
		Tick:     srv.Tick(),
	})
	h.accepted++
	h.m.InputAccepted()
	srv.SendTo(peer, &messages.InputAck{ServerTick: srv.Tick(), Sequence: in.Sequence})
	return nil
}

// validate runs the shared gates, then the per-kind validator.
func (h *InputHandler) validate(srv *Server, in *messages.Input) (messages.InputRejectReason, string) {
	if positionalKind(in.Kind) && !srv.terrain.Grid().InBounds(in.Target.X, in.Target.Y) {
		return messages.InputRejectOutOfBounds, fmt.Sprintf("(%d,%d) outside map", in.Target.X, in.Target.Y)
	}
	if h.affordable != nil && !h.affordable(in.PlayerID, in) {
		return messages.InputRejectInsufficientFunds, "not enough funds"
	}
	if v, ok := h.validators[in.Kind]; ok {
		return v(srv, in)
	}
	return 0, ""
}

func (h *InputHandler) reject(srv *Server, peer protocol.PeerID, in *messages.Input, reason messages.InputRejectReason, text string) {
	h.rejected++
	h.m.InputRejected()
	h.log.Debug("input rejected",
		"player", in.PlayerID,
		"kind", in.Kind,
		"seq", in.Sequence,
		"reason", reason,
	)
	srv.SendTo(peer, &messages.InputRejected{
		ServerTick: srv.Tick(),
		Sequence:   in.Sequence,
		Reason:     reason,
		Message:    text,
	})
}

// RollbackPlayer undoes the player's uncommitted actions in reverse
// application order and clears the list. Committed actions (already past
// the broadcast horizon) are untouched.
func (h *InputHandler) RollbackPlayer(srv *Server, id protocol.PlayerID) {
	acts := h.pending[id]
	if len(acts) == 0 {
		return
	}
	for i := len(acts) - 1; i >= 0; i-- {
		if acts[i].Created != 0 {
			srv.registry.Destroy(acts[i].Created)
		}
	}
	h.log.Info("rolled back pending actions", "player", id, "count", len(acts))
	delete(h.pending, id)
}

// CommitThrough drops pending actions at or before the broadcast horizon
// tick; they are part of shared state now and survive a disconnect.
// Called after the tick's delta broadcast.
func (h *InputHandler) CommitThrough(tick protocol.Tick) {
	for id, acts := range h.pending {
		kept := acts[:0]
		for _, a := range acts {
			if a.Tick > tick {
				kept = append(kept, a)
			}
		}
		if len(kept) == 0 {
			delete(h.pending, id)
			continue
		}
		h.pending[id] = kept
	}
}

// PendingCount reports the uncommitted actions for one player.
func (h *InputHandler) PendingCount(id protocol.PlayerID) int {
	return len(h.pending[id])
}

// Stats returns received, accepted, rejected counts.
func (h *InputHandler) Stats() (received, accepted, rejected uint64) {
	return h.received, h.accepted, h.rejected
}

// positionalKind reports whether the kind targets a grid tile.
func positionalKind(k messages.InputKind) bool {
	switch k {
	case messages.InputAdjustTaxRate, messages.InputAllocateBudget,
		messages.InputSetSimSpeed, messages.InputPauseResume:
		return false
	default:
		return true
	}
}

// installDefaults wires the standard city action set.
func (h *InputHandler) installDefaults() {
	h.validators[messages.InputPlaceBuilding] = validatePlace
	h.validators[messages.InputDemolishBuilding] = h.validateDemolish
	h.validators[messages.InputZoneResidential] = validateZone
	h.validators[messages.InputZoneCommercial] = validateZone
	h.validators[messages.InputZoneIndustrial] = validateZone
	h.validators[messages.InputDezone] = validateDezone
	h.validators[messages.InputBuildRoad] = validateBuildRoad
	h.validators[messages.InputRemoveRoad] = validateRemoveRoad
	h.validators[messages.InputBuildPowerLine] = validateUtility
	h.validators[messages.InputBuildWaterPipe] = validateUtility
	h.validators[messages.InputTerraform] = validateTerraform
	h.validators[messages.InputAdjustTaxRate] = validateTaxRate
	h.validators[messages.InputSetSimSpeed] = validateSimSpeed
	h.validators[messages.InputPauseResume] = validatePauseResume

	h.applicators[messages.InputPlaceBuilding] = applyPlaceBuilding
	h.applicators[messages.InputDemolishBuilding] = applyDemolish
	h.applicators[messages.InputZoneResidential] = applyZone
	h.applicators[messages.InputZoneCommercial] = applyZone
	h.applicators[messages.InputZoneIndustrial] = applyZone
	h.applicators[messages.InputDezone] = applyDezone
	h.applicators[messages.InputBuildRoad] = applyBuildRoad
	h.applicators[messages.InputRemoveRoad] = applyRemoveRoad
	h.applicators[messages.InputBuildPowerLine] = applyUtility
	h.applicators[messages.InputBuildWaterPipe] = applyUtility
	h.applicators[messages.InputTerraform] = applyTerraform
	h.applicators[messages.InputAdjustTaxRate] = applyTaxRate
	h.applicators[messages.InputAllocateBudget] = applyAllocateBudget
	h.applicators[messages.InputSetSimSpeed] = applySimSpeed
	h.applicators[messages.InputPauseResume] = applyPauseResume
}

// entityAt finds the first entity whose Transform sits on pos.
func entityAt(reg *ecs.Registry, pos protocol.GridPosition) (protocol.EntityID, bool) {
	var found protocol.EntityID
	ok := false
	reg.Each(ecs.ComponentTransform, func(e protocol.EntityID, c ecs.Component) {
		if ok {
			return
		}
		if t := c.(*ecs.Transform); t.Pos == pos {
			found, ok = e, true
		}
	})
	return found, ok
}

// entityWithAt finds an entity at pos that carries the component.
func entityWithAt(reg *ecs.Registry, pos protocol.GridPosition, id ecs.ComponentID) (protocol.EntityID, bool) {
	var found protocol.EntityID
	ok := false
	reg.Each(ecs.ComponentTransform, func(e protocol.EntityID, c ecs.Component) {
		if ok {
			return
		}
		if t := c.(*ecs.Transform); t.Pos == pos {
			if _, has := reg.Get(e, id); has {
				found, ok = e, true
			}
		}
	})
	return found, ok
}

func validatePlace(srv *Server, in *messages.Input) (messages.InputRejectReason, string) {
	if _, taken := entityAt(srv.registry, in.Target); taken {
		return messages.InputRejectOccupied, "tile is occupied"
	}
	return 0, ""
}

func (h *InputHandler) validateDemolish(srv *Server, in *messages.Input) (messages.InputRejectReason, string) {
	e, ok := entityWithAt(srv.registry, in.Target, ecs.ComponentBuilding)
	if !ok {
		return messages.InputRejectInvalidTarget, "no building there"
	}
	if h.owns != nil && !h.owns(in.PlayerID, e) {
		return messages.InputRejectNotOwner, "not your building"
	}
	return 0, ""
}

func validateZone(srv *Server, in *messages.Input) (messages.InputRejectReason, string) {
	if _, taken := entityAt(srv.registry, in.Target); taken {
		return messages.InputRejectOccupied, "tile is occupied"
	}
	return 0, ""
}

func validateDezone(srv *Server, in *messages.Input) (messages.InputRejectReason, string) {
	if _, ok := entityWithAt(srv.registry, in.Target, ecs.ComponentZone); !ok {
		return messages.InputRejectInvalidTarget, "no zone there"
	}
	return 0, ""
}

func validateBuildRoad(srv *Server, in *messages.Input) (messages.InputRejectReason, string) {
	kind := ecs.RoadKind(in.Param1)
	if kind < ecs.RoadStreet || kind > ecs.RoadHighway {
		return messages.InputRejectBadParameters, fmt.Sprintf("road kind %d", in.Param1)
	}
	if _, taken := entityAt(srv.registry, in.Target); taken {
		return messages.InputRejectOccupied, "tile is occupied"
	}
	return 0, ""
}

func validateRemoveRoad(srv *Server, in *messages.Input) (messages.InputRejectReason, string) {
	if _, ok := entityWithAt(srv.registry, in.Target, ecs.ComponentRoad); !ok {
		return messages.InputRejectInvalidTarget, "no road there"
	}
	return 0, ""
}

func validateUtility(srv *Server, in *messages.Input) (messages.InputRejectReason, string) {
	if _, taken := entityAt(srv.registry, in.Target); taken {
		return messages.InputRejectOccupied, "tile is occupied"
	}
	return 0, ""
}

// terraformMod decodes the terrain modification carried by an Input:
// Param1 is the op, Param2 packs width<<16 | height, Value is the target
// elevation.
func terraformMod(in *messages.Input) messages.TerrainMod {
	return messages.TerrainMod{
		Player:       in.PlayerID,
		Op:           messages.TerrainOp(in.Param1),
		X:            in.Target.X,
		Y:            in.Target.Y,
		W:            int16(in.Param2 >> 16),
		H:            int16(in.Param2 & 0xFFFF),
		NewElevation: int16(in.Value),
	}
}

func validateTerraform(srv *Server, in *messages.Input) (messages.InputRejectReason, string) {
	mod := terraformMod(in)
	if err := terrain.ValidateMod(srv.terrain.Grid(), mod); err != nil {
		if mod.W < 1 || mod.H < 1 || !srv.terrain.Grid().InBounds(mod.X+mod.W-1, mod.Y+mod.H-1) {
			return messages.InputRejectOutOfBounds, err.Error()
		}
		return messages.InputRejectBadParameters, err.Error()
	}
	return 0, ""
}

func validateTaxRate(srv *Server, in *messages.Input) (messages.InputRejectReason, string) {
	if in.Value < 0 || in.Value > 100 {
		return messages.InputRejectBadParameters, fmt.Sprintf("tax rate %d%%", in.Value)
	}
	return 0, ""
}

func validateSimSpeed(srv *Server, in *messages.Input) (messages.InputRejectReason, string) {
	switch in.Param1 {
	case 1, 2, 4:
		return 0, ""
	default:
		return messages.InputRejectBadParameters, fmt.Sprintf("sim speed %d", in.Param1)
	}
}

func validatePauseResume(srv *Server, in *messages.Input) (messages.InputRejectReason, string) {
	if in.Param1 > 1 {
		return messages.InputRejectBadParameters, "pause flag must be 0 or 1"
	}
	return 0, ""
}

func applyPlaceBuilding(srv *Server, in *messages.Input) (protocol.EntityID, error) {
	reg := srv.registry
	e := reg.Create()
	if err := reg.Add(e, &ecs.Transform{Pos: in.Target, Rotation: uint8(in.Param2 & 3)}); err != nil {
		reg.Destroy(e)
		return 0, err
	}
	if err := reg.Add(e, &ecs.Building{Kind: uint16(in.Param1), Level: 1, Owner: in.PlayerID}); err != nil {
		reg.Destroy(e)
		return 0, err
	}
	return e, nil
}

func applyDemolish(srv *Server, in *messages.Input) (protocol.EntityID, error) {
	e, ok := entityWithAt(srv.registry, in.Target, ecs.ComponentBuilding)
	if !ok {
		return 0, fmt.Errorf("no building at (%d,%d)", in.Target.X, in.Target.Y)
	}
	srv.registry.Destroy(e)
	return 0, nil
}

func applyZone(srv *Server, in *messages.Input) (protocol.EntityID, error) {
	var kind ecs.ZoneKind
	switch in.Kind {
	case messages.InputZoneResidential:
		kind = ecs.ZoneResidential
	case messages.InputZoneCommercial:
		kind = ecs.ZoneCommercial
	case messages.InputZoneIndustrial:
		kind = ecs.ZoneIndustrial
	}
	density := uint8(in.Param1)
	if density == 0 {
		density = 1
	}
	reg := srv.registry
	e := reg.Create()
	if err := reg.Add(e, &ecs.Transform{Pos: in.Target}); err != nil {
		reg.Destroy(e)
		return 0, err
	}
	if err := reg.Add(e, &ecs.Zone{Kind: kind, Density: density, Owner: in.PlayerID}); err != nil {
		reg.Destroy(e)
		return 0, err
	}
	return e, nil
}

func applyDezone(srv *Server, in *messages.Input) (protocol.EntityID, error) {
	e, ok := entityWithAt(srv.registry, in.Target, ecs.ComponentZone)
	if !ok {
		return 0, fmt.Errorf("no zone at (%d,%d)", in.Target.X, in.Target.Y)
	}
	srv.registry.Destroy(e)
	return 0, nil
}

func applyBuildRoad(srv *Server, in *messages.Input) (protocol.EntityID, error) {
	reg := srv.registry
	e := reg.Create()
	if err := reg.Add(e, &ecs.Transform{Pos: in.Target}); err != nil {
		reg.Destroy(e)
		return 0, err
	}
	if err := reg.Add(e, &ecs.Road{Kind: ecs.RoadKind(in.Param1)}); err != nil {
		reg.Destroy(e)
		return 0, err
	}
	return e, nil
}

func applyRemoveRoad(srv *Server, in *messages.Input) (protocol.EntityID, error) {
	e, ok := entityWithAt(srv.registry, in.Target, ecs.ComponentRoad)
	if !ok {
		return 0, fmt.Errorf("no road at (%d,%d)", in.Target.X, in.Target.Y)
	}
	srv.registry.Destroy(e)
	return 0, nil
}

func applyUtility(srv *Server, in *messages.Input) (protocol.EntityID, error) {
	kind := ecs.UtilityPowerLine
	if in.Kind == messages.InputBuildWaterPipe {
		kind = ecs.UtilityWaterPipe
	}
	capacity := uint16(in.Param1)
	if capacity == 0 {
		capacity = 100
	}
	reg := srv.registry
	e := reg.Create()
	if err := reg.Add(e, &ecs.Transform{Pos: in.Target}); err != nil {
		reg.Destroy(e)
		return 0, err
	}
	if err := reg.Add(e, &ecs.Utility{Kind: kind, Capacity: capacity}); err != nil {
		reg.Destroy(e)
		return 0, err
	}
	return e, nil
}

// applyTerraform journals the modification and broadcasts it. Terrain
// changes are durable once journaled: a broadcast journal entry cannot
// be coherently reverted, so no rollback entity is recorded.
func applyTerraform(srv *Server, in *messages.Input) (protocol.EntityID, error) {
	m := terraformMod(in)
	mod, err := srv.terrain.Modify(in.PlayerID, m.Op, m.X, m.Y, m.W, m.H, m.NewElevation, srv.Tick())
	if err != nil {
		return 0, err
	}
	srv.Broadcast(&messages.TerrainModified{Mod: mod})
	return 0, nil
}

func applyTaxRate(srv *Server, in *messages.Input) (protocol.EntityID, error) {
	reg := srv.registry
	var owned protocol.EntityID
	reg.Each(ecs.ComponentCityEconomy, func(e protocol.EntityID, c ecs.Component) {
		if c.(*ecs.CityEconomy).Owner == in.PlayerID {
			owned = e
		}
	})
	if owned == 0 {
		return 0, fmt.Errorf("player %d has no economy record", in.PlayerID)
	}
	econ, _ := reg.Get(owned, ecs.ComponentCityEconomy)
	next := econ.(*ecs.CityEconomy).Clone().(*ecs.CityEconomy)
	next.TaxRate = uint8(in.Value)
	return 0, reg.Replace(owned, next)
}

// applyAllocateBudget moves treasury into a budget line. The simulation
// interprets the allocation; the handler only validates and journals the
// treasury delta.
func applyAllocateBudget(srv *Server, in *messages.Input) (protocol.EntityID, error) {
	reg := srv.registry
	var owned protocol.EntityID
	reg.Each(ecs.ComponentCityEconomy, func(e protocol.EntityID, c ecs.Component) {
		if c.(*ecs.CityEconomy).Owner == in.PlayerID {
			owned = e
		}
	})
	if owned == 0 {
		return 0, fmt.Errorf("player %d has no economy record", in.PlayerID)
	}
	econ, _ := reg.Get(owned, ecs.ComponentCityEconomy)
	cur := econ.(*ecs.CityEconomy)
	if int64(in.Value) > cur.Treasury {
		return 0, fmt.Errorf("allocation %d exceeds treasury %d", in.Value, cur.Treasury)
	}
	next := cur.Clone().(*ecs.CityEconomy)
	next.Treasury -= int64(in.Value)
	next.Expenses += uint32(in.Value)
	return 0, reg.Replace(owned, next)
}

func applySimSpeed(srv *Server, in *messages.Input) (protocol.EntityID, error) {
	srv.SetSimSpeed(in.Param1)
	srv.log.Info("sim speed changed", "player", in.PlayerID, "speed", in.Param1)
	return 0, nil
}

func applyPauseResume(srv *Server, in *messages.Input) (protocol.EntityID, error) {
	paused := in.Param1 == 1
	srv.SetPaused(paused)
	srv.log.Info("pause toggled", "player", in.PlayerID, "paused", paused)
	return 0, nil
}
