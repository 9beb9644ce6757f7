// Package transport moves framed messages between peers over two lanes: a
// reliable ordered channel and an unreliable one for superseding payloads
// like cursor presence.
//
// Implementations share a single-threaded caller contract: one goroutine
// owns the Transport and calls Send, Poll and the connection methods; see
// netio.Worker. Internal goroutines only feed the event queue.
package transport

import (
	"errors"
	"time"

	"github.com/civitasdev/civitas/internal/protocol"
)

// Channel selects the delivery lane for a message.
type Channel uint8

const (
	// Reliable delivers in order without loss. All state-bearing traffic
	// uses it.
	Reliable Channel = 0
	// Unreliable delivers best-effort datagrams. Only payloads that are
	// superseded by their successors belong here.
	Unreliable Channel = 1
)

// EventKind tags what Poll returned.
type EventKind uint8

const (
	// EventNone means the poll timed out with nothing pending.
	EventNone EventKind = iota
	// EventConnect reports a new peer.
	EventConnect
	// EventDisconnect reports a peer going away, locally or remotely.
	EventDisconnect
	// EventReceive carries an inbound message.
	EventReceive
	// EventTimeout reports a peer dropped for transport-level inactivity.
	EventTimeout
)

// String returns a stable name for logs.
func (k EventKind) String() string {
	switch k {
	case EventNone:
		return "None"
	case EventConnect:
		return "Connect"
	case EventDisconnect:
		return "Disconnect"
	case EventReceive:
		return "Receive"
	case EventTimeout:
		return "Timeout"
	default:
		return "Unknown"
	}
}

// Event is one occurrence pulled out of a Transport.
type Event struct {
	Kind    EventKind
	Peer    protocol.PeerID
	Data    []byte
	Channel Channel
}

// PeerStats is a point-in-time view of one peer's link quality.
type PeerStats struct {
	RTTMillis uint32
}

// Transport errors.
var (
	ErrClosed          = errors.New("transport closed")
	ErrUnknownPeer     = errors.New("unknown peer")
	ErrMessageTooLarge = errors.New("message exceeds transport limit")
	ErrNotStarted      = errors.New("transport not started")
	ErrAlreadyStarted  = errors.New("transport already started")
)

// Transport is the wire abstraction the rest of the stack builds on.
// Exactly one of StartServer or Connect is called per instance.
type Transport interface {
	// StartServer begins listening and accepting up to maxClients peers.
	StartServer(port, maxClients int) error

	// Connect dials a remote server and returns its peer id.
	Connect(address string, port int) (protocol.PeerID, error)

	// Disconnect drops one peer. A Disconnect event follows.
	Disconnect(peer protocol.PeerID)

	// DisconnectAll drops every peer.
	DisconnectAll()

	// Send queues data to one peer on the given channel. Data is copied
	// before Send returns; the caller may reuse the slice.
	Send(peer protocol.PeerID, data []byte, ch Channel) error

	// Broadcast sends data to every connected peer.
	Broadcast(data []byte, ch Channel) error

	// Poll returns the next pending event, or an EventNone after timeout.
	Poll(timeout time.Duration) Event

	// Flush pushes any buffered outbound data towards the wire.
	Flush()

	// PeerCount returns the number of connected peers.
	PeerCount() int

	// Stats returns link stats for a peer.
	Stats(peer protocol.PeerID) (PeerStats, bool)

	// IsConnected reports whether the peer is still attached.
	IsConnected(peer protocol.PeerID) bool

	// Close tears the transport down. Idempotent.
	Close() error
}
