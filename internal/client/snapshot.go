package client

import (
	"errors"
	"fmt"
	"hash/crc32"
	"sort"

	"github.com/civitasdev/civitas/internal/messages"
	"github.com/civitasdev/civitas/internal/protocol"
	"github.com/civitasdev/civitas/internal/replication"
)

// DefaultDeltaBufferCap bounds how many StateUpdates queue up while a
// snapshot is in transit. Overflow means the client fell too far behind
// for replay to be trustworthy; it requests a fresh snapshot instead.
const DefaultDeltaBufferCap = 100

// Snapshot reception errors.
var (
	ErrNoTransfer       = errors.New("no snapshot transfer in progress")
	ErrMissingChunks    = errors.New("snapshot chunks missing")
	ErrChecksumMismatch = errors.New("snapshot checksum mismatch")
	ErrDeltaOverflow    = errors.New("buffered delta limit exceeded")
)

// SnapshotState is the reception phase.
type SnapshotState uint8

const (
	// SnapNone means no transfer has started.
	SnapNone SnapshotState = iota
	// SnapReceiving means chunks are arriving.
	SnapReceiving
	// SnapApplying means the assembled state is being installed.
	SnapApplying
	// SnapComplete means the last transfer finished successfully.
	SnapComplete
)

// String returns a stable name for logs.
func (s SnapshotState) String() string {
	switch s {
	case SnapNone:
		return "None"
	case SnapReceiving:
		return "Receiving"
	case SnapApplying:
		return "Applying"
	case SnapComplete:
		return "Complete"
	default:
		return "Unknown"
	}
}

// SnapshotProgress is the UI-facing view of a transfer.
type SnapshotProgress struct {
	State       SnapshotState
	Scope       messages.SnapshotScope
	Tick        protocol.Tick
	Received    int
	Total       int
	TotalBytes  uint32
	EntityCount uint32
}

// Fraction returns completion in [0, 1].
func (p SnapshotProgress) Fraction() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Received) / float64(p.Total)
}

// SnapshotReceiver reassembles a chunked snapshot transfer and holds the
// deltas that arrive while it is in flight. Chunks may land in any order;
// duplicates are ignored. Owned by the client's update goroutine.
type SnapshotReceiver struct {
	state SnapshotState
	scope messages.SnapshotScope
	tick  protocol.Tick

	chunks     [][]byte
	received   int
	totalBytes uint32
	entities   uint32

	buffered  []*messages.StateUpdate
	bufferCap int
}

// NewSnapshotReceiver returns a receiver with the given delta buffer
// bound; zero selects the default.
func NewSnapshotReceiver(bufferCap int) *SnapshotReceiver {
	if bufferCap <= 0 {
		bufferCap = DefaultDeltaBufferCap
	}
	return &SnapshotReceiver{bufferCap: bufferCap}
}

// State returns the reception phase.
func (r *SnapshotReceiver) State() SnapshotState { return r.state }

// Receiving reports whether a transfer is in flight.
func (r *SnapshotReceiver) Receiving() bool { return r.state == SnapReceiving }

// Progress returns the transfer's current standing.
func (r *SnapshotReceiver) Progress() SnapshotProgress {
	return SnapshotProgress{
		State:       r.state,
		Scope:       r.scope,
		Tick:        r.tick,
		Received:    r.received,
		Total:       len(r.chunks),
		TotalBytes:  r.totalBytes,
		EntityCount: r.entities,
	}
}

// HandleStart opens a transfer, discarding any half-received predecessor.
// The buffered deltas survive: they are still newer than the incoming
// snapshot and replay after it.
func (r *SnapshotReceiver) HandleStart(m *messages.SnapshotStart) {
	r.state = SnapReceiving
	r.scope = m.Scope
	r.tick = m.Tick
	r.chunks = make([][]byte, m.TotalChunks)
	r.received = 0
	r.totalBytes = m.TotalBytes
	r.entities = m.EntityCount
}

// HandleChunk stores one chunk by index. Out-of-range and duplicate
// indices are dropped.
func (r *SnapshotReceiver) HandleChunk(m *messages.SnapshotChunk) error {
	if r.state != SnapReceiving {
		return ErrNoTransfer
	}
	if int(m.Index) >= len(r.chunks) {
		return fmt.Errorf("snapshot chunk %d out of range (total=%d)", m.Index, len(r.chunks))
	}
	if r.chunks[m.Index] != nil {
		return nil
	}
	r.chunks[m.Index] = m.Data
	r.received++
	return nil
}

// HandleEnd assembles, decompresses, and checksums the transfer, returning
// the snapshot body. On any failure the transfer resets to None and the
// caller requests a fresh snapshot.
func (r *SnapshotReceiver) HandleEnd(m *messages.SnapshotEnd) ([]byte, error) {
	if r.state != SnapReceiving {
		return nil, ErrNoTransfer
	}
	if r.received != len(r.chunks) {
		total := len(r.chunks)
		missing := total - r.received
		r.abort()
		return nil, fmt.Errorf("%w (%d of %d)", ErrMissingChunks, missing, total)
	}

	r.state = SnapApplying
	assembled := make([]byte, 0, r.totalBytes)
	for _, c := range r.chunks {
		assembled = append(assembled, c...)
	}

	body, err := protocol.Decompress(assembled, replication.MaxSnapshotBytes)
	if err != nil {
		r.abort()
		return nil, fmt.Errorf("snapshot decompress: %w", err)
	}
	if sum := crc32.ChecksumIEEE(body); sum != m.Checksum {
		r.abort()
		return nil, fmt.Errorf("%w (got %#x, want %#x)", ErrChecksumMismatch, sum, m.Checksum)
	}

	r.state = SnapComplete
	r.chunks = nil
	return body, nil
}

// abort resets the transfer after a failure, keeping the buffered deltas
// for the retry.
func (r *SnapshotReceiver) abort() {
	r.state = SnapNone
	r.chunks = nil
	r.received = 0
}

// BufferDelta queues a delta to replay after the snapshot applies. It
// returns ErrDeltaOverflow when the bound is hit; the caller resets and
// requests a fresh snapshot.
func (r *SnapshotReceiver) BufferDelta(upd *messages.StateUpdate) error {
	if len(r.buffered) >= r.bufferCap {
		r.buffered = r.buffered[:0]
		return ErrDeltaOverflow
	}
	r.buffered = append(r.buffered, upd)
	return nil
}

// BufferedCount returns how many deltas await replay.
func (r *SnapshotReceiver) BufferedCount() int { return len(r.buffered) }

// TakeBuffered returns the queued deltas sorted by tick and clears the
// buffer. Deltas at or before the snapshot tick are already part of the
// snapshot; the caller skips them during replay.
func (r *SnapshotReceiver) TakeBuffered() []*messages.StateUpdate {
	out := r.buffered
	r.buffered = nil
	sort.Slice(out, func(i, j int) bool { return out[i].Tick < out[j].Tick })
	return out
}

// Reset clears the transfer and the buffered deltas, for a fresh join.
func (r *SnapshotReceiver) Reset() {
	r.abort()
	r.buffered = nil
}
