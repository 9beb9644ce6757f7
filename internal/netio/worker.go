package netio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/civitasdev/civitas/internal/protocol"
	"github.com/civitasdev/civitas/internal/transport"
)

// Queue capacities. Inbound is the largest: a busy tick can deliver a
// whole snapshot's worth of chunks before the main context drains them.
const (
	commandQueueSize  = 64
	outboundQueueSize = 1024
	inboundQueueSize  = 4096

	// pollTimeout is how long the worker parks inside the transport per
	// iteration. Short enough that commands and outbound data never wait
	// noticeably, long enough to avoid a spin.
	pollTimeout = time.Millisecond
)

// ErrStopTimeout is returned by Stop when the worker fails to exit.
var ErrStopTimeout = errors.New("netio: worker did not stop in time")

// CommandKind selects a connection-management action.
type CommandKind uint8

const (
	CmdStartServer CommandKind = iota + 1
	CmdConnect
	CmdDisconnect
	CmdDisconnectAll
)

// Command is a connection-management request executed on the worker.
// Reply, when non-nil, receives the outcome exactly once; it must be
// buffered so the worker never blocks on it.
type Command struct {
	Kind       CommandKind
	Port       int
	MaxClients int
	Address    string
	Peer       protocol.PeerID
	Reply      chan error
}

// Outbound is one message awaiting transmission.
type Outbound struct {
	Peer      protocol.PeerID
	Data      []byte
	Channel   transport.Channel
	Broadcast bool
}

// Stats exposes traffic counters maintained by the worker. All fields are
// read with atomic loads; any goroutine may call the accessors.
type Stats struct {
	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	bytesSent        atomic.Uint64
	bytesReceived    atomic.Uint64
	inboundDropped   atomic.Uint64
	sendFailed       atomic.Uint64
}

func (s *Stats) MessagesSent() uint64     { return s.messagesSent.Load() }
func (s *Stats) MessagesReceived() uint64 { return s.messagesReceived.Load() }
func (s *Stats) BytesSent() uint64        { return s.bytesSent.Load() }
func (s *Stats) BytesReceived() uint64    { return s.bytesReceived.Load() }
func (s *Stats) InboundDropped() uint64   { return s.inboundDropped.Load() }
func (s *Stats) SendFailed() uint64       { return s.sendFailed.Load() }

// Worker owns a Transport on its own goroutine. Each loop iteration
// drains the command queue, drains the outbound queue into the transport,
// polls once, and forwards transport events into the inbound queue. The
// owning context talks to it exclusively through TryCommand, TrySend and
// PollEvent.
type Worker struct {
	tr transport.Transport

	commands *Queue[Command]
	outbound *Queue[Outbound]
	inbound  *Queue[transport.Event]

	stats Stats

	stopFlag atomic.Bool
	started  atomic.Bool
	done     chan struct{}
}

// NewWorker wraps a transport. The worker is idle until Start.
func NewWorker(tr transport.Transport) *Worker {
	return &Worker{
		tr:       tr,
		commands: NewQueue[Command](commandQueueSize),
		outbound: NewQueue[Outbound](outboundQueueSize),
		inbound:  NewQueue[transport.Event](inboundQueueSize),
		done:     make(chan struct{}),
	}
}

// Start launches the worker goroutine. Calling Start twice is a no-op.
func (w *Worker) Start() {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run()
}

// Stop requests a cooperative shutdown and waits for the worker to flush
// outbound traffic, disconnect peers, close the transport, and exit.
func (w *Worker) Stop(timeout time.Duration) error {
	if !w.started.Load() {
		return nil
	}
	w.stopFlag.Store(true)
	select {
	case <-w.done:
		return nil
	case <-time.After(timeout):
		return ErrStopTimeout
	}
}

// TryCommand enqueues a connection-management command.
func (w *Worker) TryCommand(cmd Command) bool {
	return w.commands.TryPush(cmd)
}

// Do enqueues a command carrying a reply channel and waits for the
// worker to execute it. Used for startup actions whose failure is fatal.
func (w *Worker) Do(cmd Command, timeout time.Duration) error {
	reply := make(chan error, 1)
	cmd.Reply = reply
	if !w.commands.TryPush(cmd) {
		return fmt.Errorf("netio: command queue full")
	}
	select {
	case err := <-reply:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("netio: command %d timed out", cmd.Kind)
	case <-w.done:
		return fmt.Errorf("netio: worker stopped")
	}
}

// TrySend enqueues one outbound message, reporting false when the queue
// is full. The data slice is owned by the queue after a successful push.
func (w *Worker) TrySend(out Outbound) bool {
	return w.outbound.TryPush(out)
}

// PollEvent dequeues the next inbound event, if any.
func (w *Worker) PollEvent() (transport.Event, bool) {
	return w.inbound.TryPop()
}

// Stats returns the worker's counters.
func (w *Worker) Stats() *Stats {
	return &w.stats
}

// InboundLen reports the inbound backlog, for observability.
func (w *Worker) InboundLen() int {
	return w.inbound.Len()
}

// run is the worker loop. It is the only goroutine that touches the
// transport after Start.
func (w *Worker) run() {
	defer close(w.done)

	for !w.stopFlag.Load() {
		w.drainCommands()
		w.drainOutbound()
		w.tr.Flush()
		w.pumpInbound()
	}

	// Shutdown: push out whatever is queued, then tear down.
	w.drainOutbound()
	w.tr.Flush()
	w.tr.DisconnectAll()
	if err := w.tr.Close(); err != nil {
		slog.Warn("transport close failed", "err", err)
	}
}

func (w *Worker) drainCommands() {
	for {
		cmd, ok := w.commands.TryPop()
		if !ok {
			return
		}
		err := w.execute(cmd)
		if cmd.Reply != nil {
			cmd.Reply <- err
		} else if err != nil {
			slog.Warn("transport command failed", "kind", cmd.Kind, "err", err)
		}
	}
}

func (w *Worker) execute(cmd Command) error {
	switch cmd.Kind {
	case CmdStartServer:
		return w.tr.StartServer(cmd.Port, cmd.MaxClients)
	case CmdConnect:
		_, err := w.tr.Connect(cmd.Address, cmd.Port)
		if err != nil {
			// Surface the failed attempt as a disconnect of the zero
			// peer; a connecting client interprets it as attempt-failed.
			w.pushInbound(transport.Event{Kind: transport.EventDisconnect, Peer: protocol.InvalidPeer})
		}
		return err
	case CmdDisconnect:
		// Push out queued traffic first so farewell messages beat the
		// link teardown.
		w.drainOutbound()
		w.tr.Flush()
		w.tr.Disconnect(cmd.Peer)
		return nil
	case CmdDisconnectAll:
		w.drainOutbound()
		w.tr.Flush()
		w.tr.DisconnectAll()
		return nil
	default:
		return fmt.Errorf("netio: unknown command %d", cmd.Kind)
	}
}

func (w *Worker) drainOutbound() {
	for {
		out, ok := w.outbound.TryPop()
		if !ok {
			return
		}
		var err error
		if out.Broadcast {
			err = w.tr.Broadcast(out.Data, out.Channel)
		} else {
			err = w.tr.Send(out.Peer, out.Data, out.Channel)
		}
		if err != nil {
			w.stats.sendFailed.Add(1)
			continue
		}
		w.stats.messagesSent.Add(1)
		w.stats.bytesSent.Add(uint64(len(out.Data)))
	}
}

func (w *Worker) pumpInbound() {
	ev := w.tr.Poll(pollTimeout)
	for ev.Kind != transport.EventNone {
		if ev.Kind == transport.EventReceive {
			w.stats.messagesReceived.Add(1)
			w.stats.bytesReceived.Add(uint64(len(ev.Data)))
		}
		w.pushInbound(ev)
		ev = w.tr.Poll(0)
	}
}

func (w *Worker) pushInbound(ev transport.Event) {
	if !w.inbound.TryPush(ev) {
		w.stats.inboundDropped.Add(1)
	}
}
