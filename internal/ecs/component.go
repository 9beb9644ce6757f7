// Package ecs is the minimal entity-component registry the replication
// layer observes. It is not a general ECS: there are no systems and no
// archetypes, just entity ids, per-component storages, and mutation hooks
// on the write path.
//
// Component values are immutable once installed. All mutation goes through
// Registry.Replace with a freshly built value; nothing may write through a
// pointer returned by Get. That discipline is what lets a snapshot capture
// pre-images on the write path instead of stopping the world.
package ecs

import (
	"github.com/civitasdev/civitas/internal/protocol"
)

// ComponentID identifies a component kind. Ids are part of the wire
// format: each id is one bit of a uint32 mask, so the space is capped at
// protocol.MaxSyncedComponents and ids are fixed at build time.
type ComponentID uint8

const (
	ComponentTransform   ComponentID = 0
	ComponentBuilding    ComponentID = 1
	ComponentRoad        ComponentID = 2
	ComponentZone        ComponentID = 3
	ComponentUtility     ComponentID = 4
	ComponentPopulation  ComponentID = 5
	ComponentCityEconomy ComponentID = 6

	// ComponentCount is the number of registered component kinds.
	ComponentCount = 7
)

// Bit returns the mask bit for this id.
func (id ComponentID) Bit() uint32 { return 1 << id }

// Valid reports whether id names a registered component kind.
func (id ComponentID) Valid() bool { return id < ComponentCount }

// String returns a stable name for logs.
func (id ComponentID) String() string {
	switch id {
	case ComponentTransform:
		return "Transform"
	case ComponentBuilding:
		return "Building"
	case ComponentRoad:
		return "Road"
	case ComponentZone:
		return "Zone"
	case ComponentUtility:
		return "Utility"
	case ComponentPopulation:
		return "Population"
	case ComponentCityEconomy:
		return "CityEconomy"
	default:
		return "Unknown"
	}
}

// Component is one piece of entity state. Serialize/Deserialize define the
// component's wire form inside deltas and snapshots; Clone returns a
// mutable copy for building a replacement value.
type Component interface {
	ComponentID() ComponentID
	Serialize(b *protocol.Buffer) error
	Deserialize(b *protocol.Buffer) error
	Clone() Component
}

// Observer receives registry mutations. Hooks fire on the write path while
// the registry lock is held: implementations must be fast and must not
// call back into the registry.
type Observer interface {
	OnCreate(e protocol.EntityID)
	OnAdd(e protocol.EntityID, c Component)
	OnReplace(e protocol.EntityID, old, new Component)
	OnDestroy(e protocol.EntityID, mask uint32)
}

// syncPolicy marks which component kinds replicate to clients. CityEconomy
// is server-local bookkeeping and never reaches deltas or snapshots.
var syncPolicy = [ComponentCount]bool{
	ComponentTransform:   true,
	ComponentBuilding:    true,
	ComponentRoad:        true,
	ComponentZone:        true,
	ComponentUtility:     true,
	ComponentPopulation:  true,
	ComponentCityEconomy: false,
}

// Syncable reports whether components of this kind replicate to clients.
func Syncable(id ComponentID) bool {
	return id.Valid() && syncPolicy[id]
}

// SyncableMask is the mask of all syncable component bits.
func SyncableMask() uint32 {
	var mask uint32
	for id := range ComponentID(ComponentCount) {
		if syncPolicy[id] {
			mask |= id.Bit()
		}
	}
	return mask
}

// New returns a zero value of the component kind, for deserializing wire
// data. Returns false for ids outside the registered set.
func New(id ComponentID) (Component, bool) {
	switch id {
	case ComponentTransform:
		return &Transform{}, true
	case ComponentBuilding:
		return &Building{}, true
	case ComponentRoad:
		return &Road{}, true
	case ComponentZone:
		return &Zone{}, true
	case ComponentUtility:
		return &Utility{}, true
	case ComponentPopulation:
		return &Population{}, true
	case ComponentCityEconomy:
		return &CityEconomy{}, true
	default:
		return nil, false
	}
}
