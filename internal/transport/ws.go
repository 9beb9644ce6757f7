package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/civitasdev/civitas/internal/protocol"
)

// WebSocket transport constants.
const (
	wsPath       = "/play"
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 256
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsPeer is one websocket connection with a dedicated write pump, so the
// ping ticker and Send never race on the conn.
type wsPeer struct {
	id   protocol.PeerID
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (p *wsPeer) close() {
	p.once.Do(func() { close(p.done) })
}

// WSTransport carries the protocol over websocket binary frames, for
// browser builds where raw UDP is unavailable. Each frame is a one-byte
// channel tag followed by the message; both channels ride the same TCP
// stream, so the unreliable channel loses its "may drop" property and
// simply delivers in order. Callers that depend on datagram semantics
// use KCPTransport.
type WSTransport struct {
	mu sync.Mutex

	httpServer *http.Server
	listener   net.Listener

	started  bool
	isServer bool
	closed   bool

	maxClients int
	nextPeer   protocol.PeerID
	peers      map[protocol.PeerID]*wsPeer

	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup

	connectTimeout time.Duration
}

// NewWSTransport returns an unstarted websocket transport.
func NewWSTransport(connectTimeout time.Duration) *WSTransport {
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	return &WSTransport{
		peers:          make(map[protocol.PeerID]*wsPeer),
		events:         make(chan Event, 4096),
		done:           make(chan struct{}),
		connectTimeout: connectTimeout,
	}
}

// StartServer serves websocket upgrades on the configured path.
func (t *WSTransport) StartServer(port, maxClients int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.started {
		return ErrAlreadyStarted
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("ws listen on %d: %w", port, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(wsPath, t.handleUpgrade)
	t.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	t.listener = listener
	t.started = true
	t.isServer = true
	t.maxClients = maxClients

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := t.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			slog.Warn("ws server stopped", "err", err)
		}
	}()
	return nil
}

// handleUpgrade admits one websocket client.
func (t *WSTransport) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	t.mu.Lock()
	if t.closed || (t.maxClients > 0 && len(t.peers) >= t.maxClients) {
		t.mu.Unlock()
		http.Error(w, "server full", http.StatusServiceUnavailable)
		return
	}
	t.mu.Unlock()

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws upgrade failed", "err", err)
		return
	}
	t.attach(conn)
}

// attach registers a connection on either side and starts its pumps.
func (t *WSTransport) attach(conn *websocket.Conn) *wsPeer {
	t.mu.Lock()
	t.nextPeer++
	peer := &wsPeer{
		id:   t.nextPeer,
		conn: conn,
		send: make(chan []byte, wsSendBuffer),
		done: make(chan struct{}),
	}
	t.peers[peer.id] = peer
	t.mu.Unlock()

	t.wg.Add(2)
	go t.readPump(peer)
	go t.writePump(peer)
	t.pushEvent(Event{Kind: EventConnect, Peer: peer.id})
	return peer
}

// Connect dials ws://address:port/play.
func (t *WSTransport) Connect(address string, port int) (protocol.PeerID, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return protocol.InvalidPeer, ErrClosed
	}
	if t.started {
		t.mu.Unlock()
		return protocol.InvalidPeer, ErrAlreadyStarted
	}
	t.started = true
	t.mu.Unlock()

	url := fmt.Sprintf("ws://%s%s", net.JoinHostPort(address, fmt.Sprintf("%d", port)), wsPath)
	dialer := websocket.Dialer{HandshakeTimeout: t.connectTimeout}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return protocol.InvalidPeer, fmt.Errorf("ws dial %s: %w", url, err)
	}
	peer := t.attach(conn)
	return peer.id, nil
}

// readPump owns all reads from the conn.
func (t *WSTransport) readPump(peer *wsPeer) {
	defer t.wg.Done()

	peer.conn.SetReadLimit(protocol.MaxMessageSize + 1)
	_ = peer.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	peer.conn.SetPongHandler(func(string) error {
		return peer.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		kind, data, err := peer.conn.ReadMessage()
		if err != nil {
			t.dropPeer(peer, wsDisconnectKind(err))
			return
		}
		if kind != websocket.BinaryMessage || len(data) < 1 {
			continue
		}
		t.pushEvent(Event{
			Kind:    EventReceive,
			Peer:    peer.id,
			Data:    data[1:],
			Channel: Channel(data[0]),
		})
	}
}

func wsDisconnectKind(err error) EventKind {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return EventTimeout
	}
	return EventDisconnect
}

// writePump owns all writes to the conn: queued messages, pings, close.
func (t *WSTransport) writePump(peer *wsPeer) {
	defer t.wg.Done()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	defer peer.conn.Close()

	for {
		select {
		case data := <-peer.send:
			_ = peer.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := peer.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				t.dropPeer(peer, EventDisconnect)
				return
			}
		case <-ticker.C:
			_ = peer.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := peer.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				t.dropPeer(peer, EventDisconnect)
				return
			}
		case <-peer.done:
			_ = peer.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = peer.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-t.done:
			return
		}
	}
}

// dropPeer removes a peer once and emits the closing event.
func (t *WSTransport) dropPeer(peer *wsPeer, kind EventKind) {
	t.mu.Lock()
	_, present := t.peers[peer.id]
	delete(t.peers, peer.id)
	t.mu.Unlock()
	if !present {
		return
	}
	peer.close()
	t.pushEvent(Event{Kind: kind, Peer: peer.id})
}

// Disconnect drops one peer.
func (t *WSTransport) Disconnect(peer protocol.PeerID) {
	t.mu.Lock()
	p := t.peers[peer]
	t.mu.Unlock()
	if p != nil {
		t.dropPeer(p, EventDisconnect)
	}
}

// DisconnectAll drops every peer.
func (t *WSTransport) DisconnectAll() {
	t.mu.Lock()
	peers := make([]*wsPeer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.mu.Unlock()
	for _, p := range peers {
		t.dropPeer(p, EventDisconnect)
	}
}

// Send queues one tagged frame for the peer's write pump.
func (t *WSTransport) Send(peer protocol.PeerID, data []byte, ch Channel) error {
	if len(data) > protocol.MaxMessageSize {
		return fmt.Errorf("ws transport: %w (%d bytes)", ErrMessageTooLarge, len(data))
	}
	t.mu.Lock()
	p := t.peers[peer]
	t.mu.Unlock()
	if p == nil {
		return fmt.Errorf("ws transport: send to %d: %w", peer, ErrUnknownPeer)
	}

	frame := make([]byte, 1+len(data))
	frame[0] = byte(ch)
	copy(frame[1:], data)

	select {
	case p.send <- frame:
		return nil
	default:
		// A stalled write pump means a dead or hopeless peer.
		t.dropPeer(p, EventDisconnect)
		return fmt.Errorf("ws transport: send queue full for %d", peer)
	}
}

// Broadcast sends data to every connected peer.
func (t *WSTransport) Broadcast(data []byte, ch Channel) error {
	t.mu.Lock()
	ids := make([]protocol.PeerID, 0, len(t.peers))
	for id := range t.peers {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := t.Send(id, data, ch); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Poll returns the next pending event, or EventNone after timeout.
func (t *WSTransport) Poll(timeout time.Duration) Event {
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

// Flush is a no-op: frames leave through the write pumps as they queue.
func (t *WSTransport) Flush() {}

// PeerCount returns the number of connected peers.
func (t *WSTransport) PeerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}

// Stats is not measurable without protocol support; reports zero RTT.
func (t *WSTransport) Stats(peer protocol.PeerID) (PeerStats, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[peer]; !ok {
		return PeerStats{}, false
	}
	return PeerStats{}, true
}

// IsConnected reports whether the peer is still attached.
func (t *WSTransport) IsConnected(peer protocol.PeerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.peers[peer]
	return ok
}

// Close stops the server and every pump.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	server := t.httpServer
	t.mu.Unlock()

	close(t.done)
	t.DisconnectAll()
	if server != nil {
		server.Close()
	}
	t.wg.Wait()
	return nil
}

func (t *WSTransport) pushEvent(ev Event) {
	select {
	case t.events <- ev:
	default:
		slog.Warn("ws event queue full, dropping", "kind", ev.Kind, "peer", ev.Peer)
	}
}
