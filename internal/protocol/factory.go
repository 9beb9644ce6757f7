package protocol

import (
	"errors"
	"fmt"
	"sort"
)

// ErrDuplicateType is returned when a message type is registered twice.
var ErrDuplicateType = errors.New("message type already registered")

// Message is a typed payload that knows how to move itself through a Buffer.
// Serialize appends the payload body (no envelope); Deserialize consumes it.
type Message interface {
	Type() MessageType
	Serialize(*Buffer) error
	Deserialize(*Buffer) error
}

// Factory creates empty payload instances by message type.
//
// Register all types during startup; after that Create and Registered are
// safe for concurrent use without locking.
type Factory struct {
	creators map[MessageType]func() Message
}

// NewFactory returns an empty Factory.
func NewFactory() *Factory {
	return &Factory{creators: make(map[MessageType]func() Message)}
}

// Register binds a constructor to a message type.
func (f *Factory) Register(t MessageType, fn func() Message) error {
	if _, ok := f.creators[t]; ok {
		return fmt.Errorf("Register: %w (type=%s)", ErrDuplicateType, t)
	}
	f.creators[t] = fn
	return nil
}

// Create returns a fresh instance for the type, or nil when unregistered.
func (f *Factory) Create(t MessageType) Message {
	fn, ok := f.creators[t]
	if !ok {
		return nil
	}
	return fn()
}

// Registered reports whether the type has a constructor.
func (f *Factory) Registered(t MessageType) bool {
	_, ok := f.creators[t]
	return ok
}

// Types returns all registered types in ascending order.
func (f *Factory) Types() []MessageType {
	out := make([]MessageType, 0, len(f.creators))
	for t := range f.creators {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
