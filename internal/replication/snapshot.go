package replication

import (
	"errors"
	"fmt"
	"hash/crc32"
	"sync"
	"sync/atomic"

	"github.com/civitasdev/civitas/internal/ecs"
	"github.com/civitasdev/civitas/internal/messages"
	"github.com/civitasdev/civitas/internal/protocol"
)

const (
	// DefaultChunkSize keeps each SnapshotChunk payload with its header
	// under the envelope payload cap.
	DefaultChunkSize = 60 * 1024

	// MaxSnapshotBytes bounds the decompressed size a receiver accepts.
	MaxSnapshotBytes = 64 << 20
)

// Snapshot engine errors.
var (
	ErrSnapshotInFlight = errors.New("snapshot already in flight")
	ErrNoSnapshot       = errors.New("no finished snapshot")
)

// snapshotResult is the finished transfer, handed over once.
type snapshotResult struct {
	start  *messages.SnapshotStart
	chunks []*messages.SnapshotChunk
	end    *messages.SnapshotEnd
	err    error
}

// SnapshotEngine produces full-state transfers without stalling the tick
// loop. Start captures the entity index synchronously, then a background
// goroutine serializes, checksums, compresses, and chunks the state. The
// tick loop keeps mutating the registry meanwhile; an observer captures
// the pre-image of every component overwritten mid-capture, and the
// serializer prefers pre-images, so the output is consistent with the
// start tick. The main context polls Ready and collects via Messages.
type SnapshotEngine struct {
	reg       *ecs.Registry
	chunkSize int

	inFlight atomic.Bool

	mu     sync.Mutex
	result *snapshotResult
}

// NewSnapshotEngine returns an engine over the registry.
func NewSnapshotEngine(reg *ecs.Registry) *SnapshotEngine {
	return &SnapshotEngine{reg: reg, chunkSize: DefaultChunkSize}
}

// SetChunkSize overrides the chunk payload size, for tests.
func (s *SnapshotEngine) SetChunkSize(n int) {
	if n > 0 && n < protocol.MaxPayloadSize {
		s.chunkSize = n
	}
}

// InFlight reports whether a snapshot is being generated or awaits
// collection.
func (s *SnapshotEngine) InFlight() bool {
	return s.inFlight.Load()
}

// Ready reports whether Messages will return a finished snapshot.
func (s *SnapshotEngine) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result != nil
}

// Messages hands over the finished transfer and frees the engine for the
// next Start. Returns ErrNoSnapshot while generation is still running.
func (s *SnapshotEngine) Messages() (*messages.SnapshotStart, []*messages.SnapshotChunk, *messages.SnapshotEnd, error) {
	s.mu.Lock()
	res := s.result
	s.result = nil
	s.mu.Unlock()
	if res == nil {
		return nil, nil, nil, ErrNoSnapshot
	}
	s.inFlight.Store(false)
	if res.err != nil {
		return nil, nil, nil, res.err
	}
	return res.start, res.chunks, res.end, nil
}

// Start begins a world-scope snapshot at the given tick. The entity index
// is captured before Start returns; serialization happens in the
// background. Only one snapshot may be in flight.
func (s *SnapshotEngine) Start(tick protocol.Tick) error {
	if !s.inFlight.CompareAndSwap(false, true) {
		return ErrSnapshotInFlight
	}

	type indexEntry struct {
		e    protocol.EntityID
		mask uint32
	}
	index := make([]indexEntry, 0, s.reg.Len())
	s.reg.EachEntity(func(e protocol.EntityID, mask uint32) {
		index = append(index, indexEntry{e: e, mask: mask & ecs.SyncableMask()})
	})

	cow := newCowView()
	s.reg.AddObserver(cow)

	go func() {
		scratch := protocol.NewBuffer(64)
		count := uint32(0)
		blobs := make([]serializedEntity, 0, len(index))
		for _, ent := range index {
			if cow.destroyed(ent.e) {
				continue
			}
			scratch.Reset()
			actual, err := s.encodeWithPreimages(scratch, cow, ent.e, ent.mask)
			if err != nil {
				// Entity vanished mid-capture; its destroy delta follows.
				continue
			}
			blob := make([]byte, len(scratch.Bytes()))
			copy(blob, scratch.Bytes())
			blobs = append(blobs, serializedEntity{e: ent.e, mask: actual, blob: blob})
			count++
		}
		s.reg.RemoveObserver(cow)

		body := protocol.NewBuffer(4 + len(index)*32)
		body.WriteUint32(count)
		for _, se := range blobs {
			body.WriteUint32(uint32(se.e))
			body.WriteUint32(se.mask)
			body.WriteUint16(uint16(len(se.blob)))
			body.WriteBytes(se.blob)
		}

		s.finish(messages.ScopeWorld, tick, count, body.Bytes())
	}()
	return nil
}

// StartWithPayload begins a transfer of a pre-serialized body, used for
// the terrain fallback path. Compression and chunking still run in the
// background.
func (s *SnapshotEngine) StartWithPayload(scope messages.SnapshotScope, tick protocol.Tick, payload []byte) error {
	if !s.inFlight.CompareAndSwap(false, true) {
		return ErrSnapshotInFlight
	}
	body := make([]byte, len(payload))
	copy(body, payload)
	go s.finish(scope, tick, 0, body)
	return nil
}

type serializedEntity struct {
	e    protocol.EntityID
	mask uint32
	blob []byte
}

// encodeWithPreimages serializes the masked components, preferring a
// captured pre-image over the live value. The live value is read before
// consulting the capture map: whichever way a concurrent write races, the
// result is the value as of the snapshot tick.
func (s *SnapshotEngine) encodeWithPreimages(buf *protocol.Buffer, cow *cowView, e protocol.EntityID, mask uint32) (uint32, error) {
	actual := uint32(0)
	for id := range ecs.ComponentID(ecs.ComponentCount) {
		if mask&id.Bit() == 0 {
			continue
		}
		live, ok := s.reg.Get(e, id)
		c, captured := cow.preimage(e, id)
		if !captured {
			if !ok {
				if cow.destroyed(e) || !s.reg.Alive(e) {
					return 0, fmt.Errorf("entity %d destroyed during capture", e)
				}
				continue
			}
			c = live
		}
		if err := c.Serialize(buf); err != nil {
			return 0, err
		}
		actual |= id.Bit()
	}
	return actual, nil
}

// finish checksums, compresses, chunks, and publishes the result.
func (s *SnapshotEngine) finish(scope messages.SnapshotScope, tick protocol.Tick, entityCount uint32, body []byte) {
	checksum := crc32.ChecksumIEEE(body)
	compressed := protocol.MaybeCompress(body, protocol.DefaultCompressionThreshold)

	res := &snapshotResult{}
	chunkCount := (len(compressed) + s.chunkSize - 1) / s.chunkSize
	if chunkCount == 0 {
		chunkCount = 1
	}
	if chunkCount > 0xFFFF {
		res.err = fmt.Errorf("snapshot: %d chunks exceed uint16 count", chunkCount)
		s.publish(res)
		return
	}

	res.chunks = make([]*messages.SnapshotChunk, 0, chunkCount)
	for i := 0; i < chunkCount; i++ {
		lo := i * s.chunkSize
		hi := min(lo+s.chunkSize, len(compressed))
		res.chunks = append(res.chunks, &messages.SnapshotChunk{
			Index: uint16(i),
			Data:  compressed[lo:hi],
		})
	}
	res.start = &messages.SnapshotStart{
		Scope:       scope,
		Tick:        tick,
		TotalChunks: uint16(chunkCount),
		TotalBytes:  uint32(len(compressed)),
		EntityCount: entityCount,
	}
	res.end = &messages.SnapshotEnd{Tick: tick, Checksum: checksum}
	s.publish(res)
}

func (s *SnapshotEngine) publish(res *snapshotResult) {
	s.mu.Lock()
	s.result = res
	s.mu.Unlock()
}

// EncodeWorldSnapshot serializes the full syncable state into a world
// snapshot body, synchronously. The caller must own the registry: the
// save path runs it on the simulation goroutine between ticks, where no
// concurrent mutation is possible.
func EncodeWorldSnapshot(reg *ecs.Registry) ([]byte, error) {
	type indexEntry struct {
		e    protocol.EntityID
		mask uint32
	}
	index := make([]indexEntry, 0, reg.Len())
	reg.EachEntity(func(e protocol.EntityID, mask uint32) {
		index = append(index, indexEntry{e: e, mask: mask & ecs.SyncableMask()})
	})

	body := protocol.NewBuffer(4 + len(index)*32)
	body.WriteUint32(uint32(len(index)))
	for _, ent := range index {
		blob, actual, err := encodeComponents(reg, ent.e, ent.mask)
		if err != nil {
			return nil, fmt.Errorf("snapshot entity %d: %w", ent.e, err)
		}
		body.WriteUint32(uint32(ent.e))
		body.WriteUint32(actual)
		body.WriteUint16(uint16(len(blob)))
		body.WriteBytes(blob)
	}
	return body.Bytes(), nil
}

// DecodeWorldSnapshot parses a reassembled, decompressed world snapshot
// body and installs it into a cleared registry.
func DecodeWorldSnapshot(reg *ecs.Registry, body []byte) error {
	buf := protocol.NewBufferFrom(body)
	count, err := buf.ReadUint32()
	if err != nil {
		return fmt.Errorf("snapshot body: %w", err)
	}
	reg.Clear()
	for i := uint32(0); i < count; i++ {
		id, err := buf.ReadUint32()
		if err != nil {
			return fmt.Errorf("snapshot entity %d: %w", i, err)
		}
		mask, err := buf.ReadUint32()
		if err != nil {
			return fmt.Errorf("snapshot entity %d: %w", i, err)
		}
		blobLen, err := buf.ReadUint16()
		if err != nil {
			return fmt.Errorf("snapshot entity %d: %w", i, err)
		}
		blob, err := buf.ReadBytes(int(blobLen))
		if err != nil {
			return fmt.Errorf("snapshot entity %d: %w", i, err)
		}
		comps, err := decodeComponents(mask, blob)
		if err != nil {
			return fmt.Errorf("snapshot entity %d: %w", id, err)
		}
		e := protocol.EntityID(id)
		if err := reg.CreateWithID(e); err != nil {
			return fmt.Errorf("snapshot entity %d: %w", id, err)
		}
		for _, c := range comps {
			if err := reg.Add(e, c); err != nil {
				return fmt.Errorf("snapshot entity %d: %w", id, err)
			}
		}
	}
	if buf.Remaining() != 0 {
		return fmt.Errorf("snapshot body: %d trailing bytes", buf.Remaining())
	}
	return nil
}

// cowKey addresses one captured pre-image.
type cowKey struct {
	e  protocol.EntityID
	id ecs.ComponentID
}

// cowView captures pre-mutation component values while a snapshot runs.
// First capture wins: the value held at snapshot start is the one kept.
type cowView struct {
	mu   sync.Mutex
	pre  map[cowKey]ecs.Component
	dead map[protocol.EntityID]struct{}
}

func newCowView() *cowView {
	return &cowView{
		pre:  make(map[cowKey]ecs.Component),
		dead: make(map[protocol.EntityID]struct{}),
	}
}

func (v *cowView) OnCreate(e protocol.EntityID) {}

func (v *cowView) OnAdd(e protocol.EntityID, c ecs.Component) {}

func (v *cowView) OnReplace(e protocol.EntityID, old, new ecs.Component) {
	key := cowKey{e: e, id: old.ComponentID()}
	v.mu.Lock()
	if _, ok := v.pre[key]; !ok {
		v.pre[key] = old
	}
	v.mu.Unlock()
}

func (v *cowView) OnDestroy(e protocol.EntityID, mask uint32) {
	v.mu.Lock()
	v.dead[e] = struct{}{}
	v.mu.Unlock()
}

func (v *cowView) preimage(e protocol.EntityID, id ecs.ComponentID) (ecs.Component, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	c, ok := v.pre[cowKey{e: e, id: id}]
	return c, ok
}

func (v *cowView) destroyed(e protocol.EntityID) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.dead[e]
	return ok
}
