package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	kcp "github.com/xtaci/kcp-go/v5"

	"github.com/civitasdev/civitas/internal/protocol"
)

// Frame layout on the KCP stream: uint16 LE payload length, uint8 channel,
// payload. The channel byte lets unreliable-class payloads fall back to the
// reliable stream when the UDP side channel is unavailable.
const (
	frameHeaderSize = 3

	// kcpIdleTimeout drops peers with no inbound traffic. Generous: the
	// application heartbeat fires every second, application-level timeout
	// detection runs far below this.
	kcpIdleTimeout = 30 * time.Second

	// unreliableHelloInterval re-registers the client's datagram return
	// address, surviving NAT rebinding.
	unreliableHelloInterval = 5 * time.Second
)

// kcpPeer is one attached remote on either side.
type kcpPeer struct {
	id      protocol.PeerID
	session *kcp.UDPSession

	// udpAddr is the peer's datagram lane return address, nil until the
	// first hello arrives.
	mu      sync.Mutex
	udpAddr *net.UDPAddr

	writeMu sync.Mutex
	closed  bool
}

// KCPTransport is the production Transport: KCP (reliable ARQ over UDP)
// for the ordered channel and a bare UDP socket on port+1 for the
// unreliable one. Datagrams on the unreliable lane are prefixed with the
// session's conversation id so the server can attribute them.
//
// One goroutine per peer reads the KCP stream; one goroutine reads the
// datagram socket. All of them feed the events channel that Poll drains,
// preserving the single-threaded caller contract.
type KCPTransport struct {
	mu sync.Mutex

	listener *kcp.Listener
	udpConn  *net.UDPConn

	started  bool
	isServer bool
	closed   bool

	maxClients int
	nextPeer   protocol.PeerID

	peers  map[protocol.PeerID]*kcpPeer
	byConv map[uint32]*kcpPeer

	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup

	connectTimeout time.Duration
}

// NewKCPTransport returns an unstarted transport. connectTimeout bounds
// Connect's dial and handshake; zero means 10 seconds.
func NewKCPTransport(connectTimeout time.Duration) *KCPTransport {
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	return &KCPTransport{
		peers:          make(map[protocol.PeerID]*kcpPeer),
		byConv:         make(map[uint32]*kcpPeer),
		events:         make(chan Event, 4096),
		done:           make(chan struct{}),
		connectTimeout: connectTimeout,
	}
}

// StartServer listens for KCP sessions on port and datagrams on port+1.
func (t *KCPTransport) StartServer(port, maxClients int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.started {
		return ErrAlreadyStarted
	}

	listener, err := kcp.ListenWithOptions(fmt.Sprintf(":%d", port), nil, 0, 0)
	if err != nil {
		return fmt.Errorf("kcp listen on %d: %w", port, err)
	}
	udpAddr := &net.UDPAddr{Port: port + 1}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		listener.Close()
		return fmt.Errorf("udp listen on %d: %w", port+1, err)
	}

	t.listener = listener
	t.udpConn = udpConn
	t.started = true
	t.isServer = true
	t.maxClients = maxClients

	t.wg.Add(2)
	go t.acceptLoop()
	go t.datagramLoop()
	return nil
}

// Connect dials a server and returns its peer id on this side.
func (t *KCPTransport) Connect(address string, port int) (protocol.PeerID, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return protocol.InvalidPeer, ErrClosed
	}
	if t.started {
		t.mu.Unlock()
		return protocol.InvalidPeer, ErrAlreadyStarted
	}
	t.mu.Unlock()

	target := net.JoinHostPort(address, fmt.Sprintf("%d", port))
	session, err := kcp.DialWithOptions(target, nil, 0, 0)
	if err != nil {
		return protocol.InvalidPeer, fmt.Errorf("kcp dial %s: %w", target, err)
	}
	tuneSession(session)

	udpTarget := &net.UDPAddr{IP: session.RemoteAddr().(*net.UDPAddr).IP, Port: port + 1}
	udpConn, err := net.DialUDP("udp", nil, udpTarget)
	if err != nil {
		// The datagram lane is best-effort; run without it.
		slog.Warn("unreliable lane unavailable", "target", udpTarget, "err", err)
		udpConn = nil
	}

	t.mu.Lock()
	t.started = true
	t.nextPeer++
	peer := &kcpPeer{id: t.nextPeer, session: session}
	t.peers[peer.id] = peer
	t.byConv[session.GetConv()] = peer
	if udpConn != nil {
		t.udpConn = udpConn
	}
	t.mu.Unlock()

	t.wg.Add(1)
	go t.readLoop(peer)
	if udpConn != nil {
		t.wg.Add(2)
		go t.datagramLoop()
		go t.helloLoop(session.GetConv(), udpConn)
	}

	t.pushEvent(Event{Kind: EventConnect, Peer: peer.id})
	return peer.id, nil
}

// tuneSession applies latency-oriented KCP settings: no-delay mode, 10 ms
// internal tick, fast retransmit, congestion control off.
func tuneSession(s *kcp.UDPSession) {
	s.SetStreamMode(true)
	s.SetWriteDelay(false)
	s.SetNoDelay(1, 10, 2, 1)
	s.SetWindowSize(256, 256)
	s.SetACKNoDelay(true)
}

// acceptLoop admits sessions until the listener closes.
func (t *KCPTransport) acceptLoop() {
	defer t.wg.Done()
	for {
		session, err := t.listener.AcceptKCP()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			slog.Warn("kcp accept failed", "err", err)
			return
		}
		tuneSession(session)

		t.mu.Lock()
		if t.maxClients > 0 && len(t.peers) >= t.maxClients {
			t.mu.Unlock()
			session.Close()
			continue
		}
		t.nextPeer++
		peer := &kcpPeer{id: t.nextPeer, session: session}
		t.peers[peer.id] = peer
		t.byConv[session.GetConv()] = peer
		t.mu.Unlock()

		t.wg.Add(1)
		go t.readLoop(peer)
		t.pushEvent(Event{Kind: EventConnect, Peer: peer.id})
	}
}

// readLoop frames the peer's KCP stream into Receive events.
func (t *KCPTransport) readLoop(peer *kcpPeer) {
	defer t.wg.Done()

	header := make([]byte, frameHeaderSize)
	for {
		if err := peer.session.SetReadDeadline(time.Now().Add(kcpIdleTimeout)); err != nil {
			break
		}
		if _, err := io.ReadFull(peer.session, header); err != nil {
			t.dropPeer(peer, classifyReadErr(err))
			return
		}
		length := binary.LittleEndian.Uint16(header[:2])
		channel := Channel(header[2])
		if int(length) > protocol.MaxMessageSize {
			t.dropPeer(peer, EventDisconnect)
			return
		}
		data := make([]byte, length)
		if _, err := io.ReadFull(peer.session, data); err != nil {
			t.dropPeer(peer, classifyReadErr(err))
			return
		}
		t.pushEvent(Event{Kind: EventReceive, Peer: peer.id, Data: data, Channel: channel})
	}
	t.dropPeer(peer, EventDisconnect)
}

// classifyReadErr maps stream errors onto disconnect flavors.
func classifyReadErr(err error) EventKind {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return EventTimeout
	}
	return EventDisconnect
}

// datagramLoop reads the unreliable lane. Server side: a one-byte 0x00
// hello prefixed with the conv id registers the sender's return address;
// anything longer is a payload.
func (t *KCPTransport) datagramLoop() {
	defer t.wg.Done()

	t.mu.Lock()
	conn := t.udpConn
	t.mu.Unlock()
	if conn == nil {
		return
	}

	buf := make([]byte, protocol.MaxMessageSize+5)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
			return
		}
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				select {
				case <-t.done:
					return
				default:
					continue
				}
			}
			return
		}
		if n < 5 {
			continue
		}
		conv := binary.LittleEndian.Uint32(buf[:4])

		t.mu.Lock()
		peer := t.byConv[conv]
		t.mu.Unlock()
		if peer == nil {
			continue
		}

		if n == 5 && buf[4] == 0 {
			// Hello: record the return address.
			peer.mu.Lock()
			peer.udpAddr = addr
			peer.mu.Unlock()
			continue
		}
		data := make([]byte, n-4)
		copy(data, buf[4:n])
		t.pushEvent(Event{Kind: EventReceive, Peer: peer.id, Data: data, Channel: Unreliable})
	}
}

// helloLoop keeps the client's datagram return address registered.
func (t *KCPTransport) helloLoop(conv uint32, conn *net.UDPConn) {
	defer t.wg.Done()

	hello := make([]byte, 5)
	binary.LittleEndian.PutUint32(hello[:4], conv)
	ticker := time.NewTicker(unreliableHelloInterval)
	defer ticker.Stop()

	for {
		if _, err := conn.Write(hello); err != nil {
			return
		}
		select {
		case <-ticker.C:
		case <-t.done:
			return
		}
	}
}

// dropPeer removes a peer once and emits the closing event.
func (t *KCPTransport) dropPeer(peer *kcpPeer, kind EventKind) {
	peer.writeMu.Lock()
	already := peer.closed
	peer.closed = true
	peer.writeMu.Unlock()
	if already {
		return
	}

	t.mu.Lock()
	delete(t.peers, peer.id)
	delete(t.byConv, peer.session.GetConv())
	t.mu.Unlock()

	peer.session.Close()
	t.pushEvent(Event{Kind: kind, Peer: peer.id})
}

// Disconnect drops one peer.
func (t *KCPTransport) Disconnect(peer protocol.PeerID) {
	t.mu.Lock()
	p := t.peers[peer]
	t.mu.Unlock()
	if p != nil {
		t.dropPeer(p, EventDisconnect)
	}
}

// DisconnectAll drops every peer.
func (t *KCPTransport) DisconnectAll() {
	t.mu.Lock()
	peers := make([]*kcpPeer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.mu.Unlock()
	for _, p := range peers {
		t.dropPeer(p, EventDisconnect)
	}
}

// Send writes one framed message to a peer. Reliable data goes onto the
// KCP stream; unreliable data goes out as a datagram when the peer's
// return address is known, otherwise it degrades to the stream.
func (t *KCPTransport) Send(peer protocol.PeerID, data []byte, ch Channel) error {
	if len(data) > protocol.MaxMessageSize {
		return fmt.Errorf("kcp transport: %w (%d bytes)", ErrMessageTooLarge, len(data))
	}
	t.mu.Lock()
	p := t.peers[peer]
	t.mu.Unlock()
	if p == nil {
		return fmt.Errorf("kcp transport: send to %d: %w", peer, ErrUnknownPeer)
	}

	if ch == Unreliable {
		if t.sendDatagram(p, data) {
			return nil
		}
		// No datagram path yet; fall through to the stream.
	}

	frame := make([]byte, frameHeaderSize+len(data))
	binary.LittleEndian.PutUint16(frame[:2], uint16(len(data)))
	frame[2] = byte(ch)
	copy(frame[frameHeaderSize:], data)

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.closed {
		return fmt.Errorf("kcp transport: send to %d: %w", peer, ErrUnknownPeer)
	}
	if err := p.session.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return fmt.Errorf("kcp transport: deadline: %w", err)
	}
	if _, err := p.session.Write(frame); err != nil {
		return fmt.Errorf("kcp transport: write to %d: %w", peer, err)
	}
	return nil
}

// sendDatagram pushes data over the unreliable lane. Returns false when
// the lane or the peer's return address is missing.
func (t *KCPTransport) sendDatagram(p *kcpPeer, data []byte) bool {
	t.mu.Lock()
	conn := t.udpConn
	isServer := t.isServer
	t.mu.Unlock()
	if conn == nil {
		return false
	}

	packet := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint32(packet[:4], p.session.GetConv())
	copy(packet[4:], data)

	if isServer {
		p.mu.Lock()
		addr := p.udpAddr
		p.mu.Unlock()
		if addr == nil {
			return false
		}
		_, err := conn.WriteToUDP(packet, addr)
		return err == nil
	}
	_, err := conn.Write(packet)
	return err == nil
}

// Broadcast sends data to every connected peer.
func (t *KCPTransport) Broadcast(data []byte, ch Channel) error {
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
func (t *KCPTransport) Poll(timeout time.Duration) Event {
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

// Flush is a no-op: KCP flushes on its internal interval and datagrams
// leave immediately.
func (t *KCPTransport) Flush() {}

// PeerCount returns the number of connected peers.
func (t *KCPTransport) PeerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}

// Stats returns the KCP smoothed RTT for a peer.
func (t *KCPTransport) Stats(peer protocol.PeerID) (PeerStats, bool) {
	t.mu.Lock()
	p := t.peers[peer]
	t.mu.Unlock()
	if p == nil {
		return PeerStats{}, false
	}
	srtt := p.session.GetSRTT()
	if srtt < 0 {
		srtt = 0
	}
	return PeerStats{RTTMillis: uint32(srtt)}, true
}

// IsConnected reports whether the peer is still attached.
func (t *KCPTransport) IsConnected(peer protocol.PeerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.peers[peer]
	return ok
}

// Close stops the listener, the datagram lane, and every peer goroutine.
func (t *KCPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	listener := t.listener
	udpConn := t.udpConn
	t.mu.Unlock()

	close(t.done)
	t.DisconnectAll()
	if listener != nil {
		listener.Close()
	}
	if udpConn != nil {
		udpConn.Close()
	}
	t.wg.Wait()
	return nil
}

// pushEvent delivers into the Poll queue, dropping when the consumer has
// fallen impossibly far behind.
func (t *KCPTransport) pushEvent(ev Event) {
	select {
	case t.events <- ev:
	default:
		slog.Warn("transport event queue full, dropping", "kind", ev.Kind, "peer", ev.Peer)
	}
}
