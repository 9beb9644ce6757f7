package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/civitasdev/civitas/internal/protocol"
)

// memoryQueueSize bounds pending events per instance.
const memoryQueueSize = 4096

// outboundMsg is one queued message awaiting Flush.
type outboundMsg struct {
	peer    protocol.PeerID
	data    []byte
	channel Channel
}

// MemoryTransport is the in-process Transport used by tests and local
// single-player sessions. Client instances are joined to a server
// instance with Link; Send buffers messages locally and Flush moves them
// into the other side's inbound event queue, so a test controls exactly
// when traffic becomes visible.
//
// The Inject methods feed raw events directly, for scenarios a linked
// pair cannot produce on its own (garbage data, phantom peers).
type MemoryTransport struct {
	mu sync.Mutex

	started  bool
	isServer bool
	closed   bool

	maxClients int
	nextPeer   protocol.PeerID

	// peers holds the ids attached on this side: every client id for a
	// server, the single server id for a client.
	peers map[protocol.PeerID]struct{}

	// Server side: which linked client instance sits behind each peer id.
	clients map[protocol.PeerID]*MemoryTransport

	// Client side: the linked server, this side's handle for it, and
	// this side's id in the server's peer table.
	server       *MemoryTransport
	serverHandle protocol.PeerID
	selfOnServer protocol.PeerID

	outbound []outboundMsg
	events   chan Event
}

// NewMemoryTransport returns an unlinked, unstarted instance.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		peers:   make(map[protocol.PeerID]struct{}),
		clients: make(map[protocol.PeerID]*MemoryTransport),
		events:  make(chan Event, memoryQueueSize),
	}
}

// Link attaches a client instance to a server instance. Call once per
// client, before Connect. A server accepts any number of linked clients
// up to its maxClients.
func Link(server, client *MemoryTransport) {
	client.mu.Lock()
	client.server = server
	client.mu.Unlock()
}

// StartServer marks this side as the listening end.
func (t *MemoryTransport) StartServer(port, maxClients int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.started {
		return ErrAlreadyStarted
	}
	t.started = true
	t.isServer = true
	t.maxClients = maxClients
	return nil
}

// Connect attaches this client to its linked server. Both sides observe a
// Connect event; the returned id names the server from the client's view.
func (t *MemoryTransport) Connect(address string, port int) (protocol.PeerID, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return protocol.InvalidPeer, ErrClosed
	}
	server := t.server
	if server == nil {
		t.mu.Unlock()
		return protocol.InvalidPeer, fmt.Errorf("memory transport: connect %s:%d: not linked", address, port)
	}
	t.started = true
	t.mu.Unlock()

	selfID, err := server.acceptPeer(t)
	if err != nil {
		return protocol.InvalidPeer, err
	}

	t.mu.Lock()
	t.nextPeer++
	handle := t.nextPeer
	t.peers[handle] = struct{}{}
	t.serverHandle = handle
	t.selfOnServer = selfID
	t.mu.Unlock()

	t.pushEvent(Event{Kind: EventConnect, Peer: handle})
	return handle, nil
}

// acceptPeer registers a connecting client and returns its id on this side.
func (t *MemoryTransport) acceptPeer(client *MemoryTransport) (protocol.PeerID, error) {
	t.mu.Lock()
	if t.closed || !t.started || !t.isServer {
		t.mu.Unlock()
		return protocol.InvalidPeer, ErrNotStarted
	}
	if t.maxClients > 0 && len(t.peers) >= t.maxClients {
		t.mu.Unlock()
		return protocol.InvalidPeer, fmt.Errorf("memory transport: server full (%d peers)", t.maxClients)
	}
	t.nextPeer++
	peer := t.nextPeer
	t.peers[peer] = struct{}{}
	t.clients[peer] = client
	t.mu.Unlock()

	t.pushEvent(Event{Kind: EventConnect, Peer: peer})
	return peer, nil
}

// Disconnect drops a peer on both sides of the link.
func (t *MemoryTransport) Disconnect(peer protocol.PeerID) {
	t.mu.Lock()
	if _, ok := t.peers[peer]; !ok {
		t.mu.Unlock()
		return
	}
	delete(t.peers, peer)
	var other *MemoryTransport
	if t.isServer {
		other = t.clients[peer]
		delete(t.clients, peer)
	} else {
		other = t.server
	}
	selfOnServer := t.selfOnServer
	t.mu.Unlock()

	t.pushEvent(Event{Kind: EventDisconnect, Peer: peer})

	if other == nil {
		return
	}
	if t.isServer {
		other.serverDropped()
	} else {
		other.clientDropped(selfOnServer)
	}
}

// serverDropped mirrors a server-initiated disconnect onto the client.
func (t *MemoryTransport) serverDropped() {
	t.mu.Lock()
	handle := t.serverHandle
	if _, ok := t.peers[handle]; !ok {
		t.mu.Unlock()
		return
	}
	delete(t.peers, handle)
	t.mu.Unlock()
	t.pushEvent(Event{Kind: EventDisconnect, Peer: handle})
}

// clientDropped mirrors a client-initiated disconnect onto the server.
func (t *MemoryTransport) clientDropped(peer protocol.PeerID) {
	t.mu.Lock()
	if _, ok := t.peers[peer]; !ok {
		t.mu.Unlock()
		return
	}
	delete(t.peers, peer)
	delete(t.clients, peer)
	t.mu.Unlock()
	t.pushEvent(Event{Kind: EventDisconnect, Peer: peer})
}

// DisconnectAll drops every peer.
func (t *MemoryTransport) DisconnectAll() {
	t.mu.Lock()
	peers := make([]protocol.PeerID, 0, len(t.peers))
	for p := range t.peers {
		peers = append(peers, p)
	}
	t.mu.Unlock()
	for _, p := range peers {
		t.Disconnect(p)
	}
}

// Send queues data for peer; nothing is delivered until Flush.
func (t *MemoryTransport) Send(peer protocol.PeerID, data []byte, ch Channel) error {
	if len(data) > protocol.MaxMessageSize {
		return fmt.Errorf("memory transport: %w (%d bytes)", ErrMessageTooLarge, len(data))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if _, ok := t.peers[peer]; !ok {
		return fmt.Errorf("memory transport: send to %d: %w", peer, ErrUnknownPeer)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	t.outbound = append(t.outbound, outboundMsg{peer: peer, data: cp, channel: ch})
	return nil
}

// Broadcast queues data for every connected peer.
func (t *MemoryTransport) Broadcast(data []byte, ch Channel) error {
	t.mu.Lock()
	peers := make([]protocol.PeerID, 0, len(t.peers))
	for p := range t.peers {
		peers = append(peers, p)
	}
	t.mu.Unlock()
	for _, p := range peers {
		if err := t.Send(p, data, ch); err != nil {
			return err
		}
	}
	return nil
}

// Flush moves queued outbound messages into the destination's inbound
// event queue, in send order.
func (t *MemoryTransport) Flush() {
	t.mu.Lock()
	pending := t.outbound
	t.outbound = nil
	isServer := t.isServer
	server := t.server
	selfOnServer := t.selfOnServer
	clients := make(map[protocol.PeerID]*MemoryTransport, len(t.clients))
	for id, c := range t.clients {
		clients[id] = c
	}
	t.mu.Unlock()

	for _, msg := range pending {
		if isServer {
			client := clients[msg.peer]
			if client == nil {
				continue
			}
			client.mu.Lock()
			from := client.serverHandle
			client.mu.Unlock()
			client.pushEvent(Event{Kind: EventReceive, Peer: from, Data: msg.data, Channel: msg.channel})
		} else if server != nil {
			server.pushEvent(Event{Kind: EventReceive, Peer: selfOnServer, Data: msg.data, Channel: msg.channel})
		}
	}
}

// Poll returns the next queued event, waiting up to timeout.
func (t *MemoryTransport) Poll(timeout time.Duration) Event {
	if timeout <= 0 {
		select {
		case ev := <-t.events:
			return ev
		default:
			return Event{Kind: EventNone}
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ev := <-t.events:
		return ev
	case <-timer.C:
		return Event{Kind: EventNone}
	}
}

// PeerCount returns the number of attached peers.
func (t *MemoryTransport) PeerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}

// Stats reports a zero RTT for in-memory links.
func (t *MemoryTransport) Stats(peer protocol.PeerID) (PeerStats, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[peer]; !ok {
		return PeerStats{}, false
	}
	return PeerStats{RTTMillis: 0}, true
}

// IsConnected reports whether peer is attached.
func (t *MemoryTransport) IsConnected(peer protocol.PeerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.peers[peer]
	return ok
}

// Close tears everything down and drops queued messages.
func (t *MemoryTransport) Close() error {
	t.DisconnectAll()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.outbound = nil
	return nil
}

// InjectConnect delivers a synthetic Connect event and registers the peer,
// bypassing the link. Returns the new peer id.
func (t *MemoryTransport) InjectConnect() protocol.PeerID {
	t.mu.Lock()
	t.nextPeer++
	peer := t.nextPeer
	t.peers[peer] = struct{}{}
	t.started = true
	t.mu.Unlock()
	t.pushEvent(Event{Kind: EventConnect, Peer: peer})
	return peer
}

// InjectDisconnect delivers a synthetic Disconnect for a registered peer.
func (t *MemoryTransport) InjectDisconnect(peer protocol.PeerID) {
	t.mu.Lock()
	delete(t.peers, peer)
	delete(t.clients, peer)
	t.mu.Unlock()
	t.pushEvent(Event{Kind: EventDisconnect, Peer: peer})
}

// InjectReceive delivers arbitrary bytes as if peer had sent them.
func (t *MemoryTransport) InjectReceive(peer protocol.PeerID, data []byte, ch Channel) {
	cp := make([]byte, len(data))
	copy(cp, data)
	t.pushEvent(Event{Kind: EventReceive, Peer: peer, Data: cp, Channel: ch})
}

// Drain pops queued outbound messages without delivering them, for tests
// that assert on what would have been sent.
func (t *MemoryTransport) Drain() []Event {
	t.mu.Lock()
	pending := t.outbound
	t.outbound = nil
	t.mu.Unlock()
	out := make([]Event, 0, len(pending))
	for _, m := range pending {
		out = append(out, Event{Kind: EventReceive, Peer: m.peer, Data: m.data, Channel: m.channel})
	}
	return out
}

// pushEvent drops silently when the queue is full; tests size the queue
// generously and production uses the real transport.
func (t *MemoryTransport) pushEvent(ev Event) {
	select {
	case t.events <- ev:
	default:
	}
}
