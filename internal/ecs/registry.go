package ecs

import (
	"fmt"
	"sync"

	"github.com/civitasdev/civitas/internal/protocol"
)

// Registry holds all live entities and their components. It is safe for
// concurrent use; reads take the shared lock, writes the exclusive one.
// Observer hooks run under the exclusive lock so a hook sees the registry
// exactly at its mutation, with no later writes interleaved.
type Registry struct {
	mu sync.RWMutex

	nextID protocol.EntityID
	freed  []protocol.EntityID

	// entities maps each live entity to its component presence mask.
	entities map[protocol.EntityID]uint32
	storages [ComponentCount]map[protocol.EntityID]Component

	observers []Observer
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	r := &Registry{
		entities: make(map[protocol.EntityID]uint32),
	}
	for i := range r.storages {
		r.storages[i] = make(map[protocol.EntityID]Component)
	}
	return r
}

// AddObserver registers an observer for all subsequent mutations.
func (r *Registry) AddObserver(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// RemoveObserver detaches a previously added observer.
func (r *Registry) RemoveObserver(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, cur := range r.observers {
		if cur == o {
			r.observers = append(r.observers[:i], r.observers[i+1:]...)
			return
		}
	}
}

// Create allocates an entity id. Ids come from the free list first, so an
// id is reused only after its previous holder was destroyed.
func (r *Registry) Create() protocol.EntityID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var e protocol.EntityID
	if n := len(r.freed); n > 0 {
		e = r.freed[n-1]
		r.freed = r.freed[:n-1]
	} else {
		r.nextID++
		e = r.nextID
	}
	r.entities[e] = 0
	for _, o := range r.observers {
		o.OnCreate(e)
	}
	return e
}

// CreateWithID installs an entity under a caller-chosen id, for applying
// server-authored creations on the client. The allocator is advanced past
// the id so later Create calls cannot collide with it.
func (r *Registry) CreateWithID(e protocol.EntityID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entities[e]; ok {
		return fmt.Errorf("ecs: entity %d already exists", e)
	}
	if e > r.nextID {
		r.nextID = e
	}
	for i, freed := range r.freed {
		if freed == e {
			r.freed = append(r.freed[:i], r.freed[i+1:]...)
			break
		}
	}
	r.entities[e] = 0
	for _, o := range r.observers {
		o.OnCreate(e)
	}
	return nil
}

// Destroy removes an entity and all its components. Unknown ids no-op.
func (r *Registry) Destroy(e protocol.EntityID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	mask, ok := r.entities[e]
	if !ok {
		return
	}
	for id := range ComponentID(ComponentCount) {
		if mask&id.Bit() != 0 {
			delete(r.storages[id], e)
		}
	}
	delete(r.entities, e)
	r.freed = append(r.freed, e)
	for _, o := range r.observers {
		o.OnDestroy(e, mask)
	}
}

// Add installs a component the entity does not have yet.
func (r *Registry) Add(e protocol.EntityID, c Component) error {
	id := c.ComponentID()
	if !id.Valid() {
		return fmt.Errorf("ecs: component id %d out of range", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	mask, ok := r.entities[e]
	if !ok {
		return fmt.Errorf("ecs: add %v: entity %d does not exist", id, e)
	}
	if mask&id.Bit() != 0 {
		return fmt.Errorf("ecs: entity %d already has %v", e, id)
	}
	r.storages[id][e] = c
	r.entities[e] = mask | id.Bit()
	for _, o := range r.observers {
		o.OnAdd(e, c)
	}
	return nil
}

// Replace swaps in a new component value. This is the observed write path
// for live entities: the old value is untouched and handed to observers,
// so in-flight snapshot capture keeps a consistent pre-image. Replacing a
// component the entity does not have behaves as Add.
func (r *Registry) Replace(e protocol.EntityID, c Component) error {
	id := c.ComponentID()
	if !id.Valid() {
		return fmt.Errorf("ecs: component id %d out of range", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	mask, ok := r.entities[e]
	if !ok {
		return fmt.Errorf("ecs: replace %v: entity %d does not exist", id, e)
	}
	old, present := r.storages[id][e]
	r.storages[id][e] = c
	if !present {
		r.entities[e] = mask | id.Bit()
		for _, o := range r.observers {
			o.OnAdd(e, c)
		}
		return nil
	}
	for _, o := range r.observers {
		o.OnReplace(e, old, c)
	}
	return nil
}

// Get returns the entity's component of the given kind. The returned value
// must be treated as read-only; use Clone before modifying.
func (r *Registry) Get(e protocol.EntityID, id ComponentID) (Component, bool) {
	if !id.Valid() {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.storages[id][e]
	return c, ok
}

// Remove detaches a component from an entity. Removals do not replicate:
// the wire format encodes presence only through creates and destroys.
func (r *Registry) Remove(e protocol.EntityID, id ComponentID) {
	if !id.Valid() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	mask, ok := r.entities[e]
	if !ok || mask&id.Bit() == 0 {
		return
	}
	delete(r.storages[id], e)
	r.entities[e] = mask &^ id.Bit()
}

// Mask returns the entity's component presence mask.
func (r *Registry) Mask(e protocol.EntityID) (uint32, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mask, ok := r.entities[e]
	return mask, ok
}

// Alive reports whether the entity exists.
func (r *Registry) Alive(e protocol.EntityID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entities[e]
	return ok
}

// Each calls fn for every entity holding a component of the given kind.
// The pairs are collected first, so fn may call back into the registry.
func (r *Registry) Each(id ComponentID, fn func(e protocol.EntityID, c Component)) {
	if !id.Valid() {
		return
	}
	r.mu.RLock()
	type pair struct {
		e protocol.EntityID
		c Component
	}
	pairs := make([]pair, 0, len(r.storages[id]))
	for e, c := range r.storages[id] {
		pairs = append(pairs, pair{e, c})
	}
	r.mu.RUnlock()

	for _, p := range pairs {
		fn(p.e, p.c)
	}
}

// EachEntity calls fn for every live entity with its presence mask. Like
// Each, iteration works over a collected view.
func (r *Registry) EachEntity(fn func(e protocol.EntityID, mask uint32)) {
	r.mu.RLock()
	type pair struct {
		e    protocol.EntityID
		mask uint32
	}
	pairs := make([]pair, 0, len(r.entities))
	for e, mask := range r.entities {
		pairs = append(pairs, pair{e, mask})
	}
	r.mu.RUnlock()

	for _, p := range pairs {
		fn(p.e, p.mask)
	}
}

// Clear wipes every entity and resets the allocator. Observers are not
// notified: Clear precedes a wholesale rebuild (snapshot apply), not an
// incremental change.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entities = make(map[protocol.EntityID]uint32)
	for i := range r.storages {
		r.storages[i] = make(map[protocol.EntityID]Component)
	}
	r.nextID = 0
	r.freed = nil
}

// Len returns the number of live entities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entities)
}
