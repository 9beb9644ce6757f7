package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/blake2b"

	"github.com/civitasdev/civitas/internal/messages"
	"github.com/civitasdev/civitas/internal/protocol"
)

// ErrDigestMismatch means a loaded save failed its integrity check; the
// row was altered or corrupted after SaveCity wrote it.
var ErrDigestMismatch = errors.New("save digest mismatch")

// CitySave is one persisted city: the world snapshot body plus the
// terrain journal and resume metadata.
type CitySave struct {
	Name      string
	CreatedAt time.Time
	Tick      protocol.Tick
	MapSeed   int64
	MapTier   protocol.MapTier

	// Snapshot is the uncompressed world snapshot body, the same bytes a
	// snapshot transfer carries.
	Snapshot []byte

	// Journal is the terrain modification history, replayed over the
	// generated grid on load.
	Journal []messages.TerrainMod
}

// SaveInfo is one row of the save listing.
type SaveInfo struct {
	Name      string
	CreatedAt time.Time
	Tick      protocol.Tick
	MapTier   protocol.MapTier
	Bytes     int64
}

// digest computes the integrity digest over snapshot and journal bytes.
// The snapshot length is folded in first so the two sections cannot be
// reinterpreted into each other.
func digest(snapshot, journal []byte) []byte {
	h, _ := blake2b.New256(nil)
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], uint64(len(snapshot)))
	h.Write(n[:])
	h.Write(snapshot)
	h.Write(journal)
	return h.Sum(nil)
}

// SaveCity upserts a named save. An existing save of the same name is
// overwritten, which is how autosave works.
func (s *Store) SaveCity(ctx context.Context, name string, save CitySave) error {
	journal := messages.EncodeTerrainMods(save.Journal)
	sum := digest(save.Snapshot, journal)

	_, err := s.pool.Exec(ctx,
		`INSERT INTO saves (name, created_at, tick, map_seed, map_tier, snapshot, snapshot_digest, journal)
		 VALUES ($1, now(), $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (name) DO UPDATE SET
		   created_at = now(),
		   tick = EXCLUDED.tick,
		   map_seed = EXCLUDED.map_seed,
		   map_tier = EXCLUDED.map_tier,
		   snapshot = EXCLUDED.snapshot,
		   snapshot_digest = EXCLUDED.snapshot_digest,
		   journal = EXCLUDED.journal`,
		name, int64(save.Tick), save.MapSeed, int16(save.MapTier), save.Snapshot, sum, journal,
	)
	if err != nil {
		return fmt.Errorf("saving city %q: %w", name, err)
	}
	return nil
}

// LoadCity fetches a save by name and verifies its digest.
// Returns nil, nil when no save of that name exists.
func (s *Store) LoadCity(ctx context.Context, name string) (*CitySave, error) {
	var (
		save       CitySave
		tick       int64
		tier       int16
		storedSum  []byte
		journalRaw []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT name, created_at, tick, map_seed, map_tier, snapshot, snapshot_digest, journal
		 FROM saves WHERE name = $1`, name,
	).Scan(&save.Name, &save.CreatedAt, &tick, &save.MapSeed, &tier, &save.Snapshot, &storedSum, &journalRaw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading city %q: %w", name, err)
	}
	save.Tick = protocol.Tick(tick)
	save.MapTier = protocol.MapTier(tier)

	if sum := digest(save.Snapshot, journalRaw); !bytes.Equal(sum, storedSum) {
		return nil, fmt.Errorf("loading city %q: %w", name, ErrDigestMismatch)
	}
	mods, err := messages.DecodeTerrainMods(journalRaw)
	if err != nil {
		return nil, fmt.Errorf("loading city %q: %w", name, err)
	}
	save.Journal = mods
	return &save, nil
}

// ListSaves returns the stored saves, newest first.
func (s *Store) ListSaves(ctx context.Context) ([]SaveInfo, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name, created_at, tick, map_tier, octet_length(snapshot) + octet_length(journal)
		 FROM saves ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing saves: %w", err)
	}
	defer rows.Close()

	var out []SaveInfo
	for rows.Next() {
		var (
			info SaveInfo
			tick int64
			tier int16
		)
		if err := rows.Scan(&info.Name, &info.CreatedAt, &tick, &tier, &info.Bytes); err != nil {
			return nil, fmt.Errorf("scanning save row: %w", err)
		}
		info.Tick = protocol.Tick(tick)
		info.MapTier = protocol.MapTier(tier)
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing saves: %w", err)
	}
	return out, nil
}

// DeleteSave removes a save by name, reporting whether it existed.
func (s *Store) DeleteSave(ctx context.Context, name string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM saves WHERE name = $1`, name)
	if err != nil {
		return false, fmt.Errorf("deleting save %q: %w", name, err)
	}
	return tag.RowsAffected() > 0, nil
}
