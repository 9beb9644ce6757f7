package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/civitasdev/civitas/internal/messages"
	"github.com/civitasdev/civitas/internal/protocol"
)

// testPool is shared by every test in the package. It stays nil when no
// database is reachable; tests then skip.
var (
	testPool *pgxpool.Pool
	skipWhy  string
)

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()

	dsn := os.Getenv("CIVITAS_TEST_DSN")
	if dsn == "" {
		ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
			tcpostgres.WithDatabase("civitas_test"),
			tcpostgres.WithUsername("civitas"),
			tcpostgres.WithPassword("civitas"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(time.Minute)),
		)
		if err != nil {
			skipWhy = fmt.Sprintf("CIVITAS_TEST_DSN not set and postgres container unavailable: %v", err)
			return m.Run()
		}
		defer func() {
			if err := testcontainers.TerminateContainer(ctr); err != nil {
				log.Printf("terminating postgres container: %v", err)
			}
		}()
		dsn, err = ctr.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			log.Printf("container connection string: %v", err)
			return 1
		}
	}

	if err := RunMigrations(ctx, dsn); err != nil {
		log.Printf("migrations: %v", err)
		return 1
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		log.Printf("connecting test pool: %v", err)
		return 1
	}
	defer pool.Close()
	testPool = pool

	return m.Run()
}

// setupStore hands out the shared store with a clean saves table.
func setupStore(t *testing.T) *Store {
	t.Helper()
	if testPool == nil {
		t.Skip(skipWhy)
	}
	if _, err := testPool.Exec(context.Background(), "TRUNCATE saves"); err != nil {
		t.Fatalf("cleaning saves table: %v", err)
	}
	return NewWithPool(testPool)
}

func testSave(tick protocol.Tick) CitySave {
	return CitySave{
		Tick:     tick,
		MapSeed:  987654,
		MapTier:  protocol.MapMedium,
		Snapshot: []byte("\x02\x00\x00\x00 fake snapshot body"),
		Journal: []messages.TerrainMod{
			{Seq: 1, Player: 2, Op: messages.TerrainLevel, X: 4, Y: 4, W: 2, H: 2, NewElevation: 10, Tick: 12},
			{Seq: 2, Player: 3, Op: messages.TerrainRaise, X: 1, Y: 1, W: 1, H: 1, NewElevation: 3, Tick: 30},
		},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	if err := st.SaveCity(ctx, "riverton", testSave(120)); err != nil {
		t.Fatalf("SaveCity: %v", err)
	}

	got, err := st.LoadCity(ctx, "riverton")
	if err != nil {
		t.Fatalf("LoadCity: %v", err)
	}
	if got == nil {
		t.Fatal("LoadCity returned nil for an existing save")
	}
	if got.Name != "riverton" {
		t.Errorf("Name = %q, want riverton", got.Name)
	}
	if got.Tick != 120 {
		t.Errorf("Tick = %d, want 120", got.Tick)
	}
	if got.MapSeed != 987654 {
		t.Errorf("MapSeed = %d, want 987654", got.MapSeed)
	}
	if got.MapTier != protocol.MapMedium {
		t.Errorf("MapTier = %d, want %d", got.MapTier, protocol.MapMedium)
	}
	if string(got.Snapshot) != string(testSave(120).Snapshot) {
		t.Errorf("Snapshot = %x, want %x", got.Snapshot, testSave(120).Snapshot)
	}
	if len(got.Journal) != 2 || got.Journal[0].Seq != 1 || got.Journal[1].Op != messages.TerrainRaise {
		t.Errorf("Journal = %+v, want the two saved mods", got.Journal)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt not populated")
	}
}

func TestSaveOverwritesByName(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	if err := st.SaveCity(ctx, "autosave", testSave(100)); err != nil {
		t.Fatalf("first SaveCity: %v", err)
	}
	if err := st.SaveCity(ctx, "autosave", testSave(200)); err != nil {
		t.Fatalf("second SaveCity: %v", err)
	}

	got, err := st.LoadCity(ctx, "autosave")
	if err != nil {
		t.Fatalf("LoadCity: %v", err)
	}
	if got.Tick != 200 {
		t.Errorf("Tick = %d after overwrite, want 200", got.Tick)
	}

	list, err := st.ListSaves(ctx)
	if err != nil {
		t.Fatalf("ListSaves: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("ListSaves returned %d rows after overwrite, want 1", len(list))
	}
}

func TestLoadMissingReturnsNil(t *testing.T) {
	st := setupStore(t)

	got, err := st.LoadCity(context.Background(), "no-such-city")
	if err != nil {
		t.Fatalf("LoadCity: %v", err)
	}
	if got != nil {
		t.Fatalf("LoadCity = %+v for a missing save, want nil", got)
	}
}

func TestListSaves(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	if err := st.SaveCity(ctx, "alpha", testSave(10)); err != nil {
		t.Fatalf("SaveCity alpha: %v", err)
	}
	if err := st.SaveCity(ctx, "beta", testSave(20)); err != nil {
		t.Fatalf("SaveCity beta: %v", err)
	}

	list, err := st.ListSaves(ctx)
	if err != nil {
		t.Fatalf("ListSaves: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("ListSaves returned %d rows, want 2", len(list))
	}
	seen := map[string]SaveInfo{}
	for _, info := range list {
		seen[info.Name] = info
		if info.Bytes <= 0 {
			t.Errorf("save %q reports %d bytes", info.Name, info.Bytes)
		}
	}
	if seen["alpha"].Tick != 10 || seen["beta"].Tick != 20 {
		t.Errorf("listing = %+v, want alpha@10 and beta@20", list)
	}
}

func TestDeleteSave(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	if err := st.SaveCity(ctx, "doomed", testSave(1)); err != nil {
		t.Fatalf("SaveCity: %v", err)
	}

	existed, err := st.DeleteSave(ctx, "doomed")
	if err != nil {
		t.Fatalf("DeleteSave: %v", err)
	}
	if !existed {
		t.Error("DeleteSave reported missing for an existing save")
	}

	existed, err = st.DeleteSave(ctx, "doomed")
	if err != nil {
		t.Fatalf("second DeleteSave: %v", err)
	}
	if existed {
		t.Error("DeleteSave reported existing after deletion")
	}

	got, err := st.LoadCity(ctx, "doomed")
	if err != nil || got != nil {
		t.Errorf("LoadCity after delete = (%+v, %v), want (nil, nil)", got, err)
	}
}

func TestLoadDetectsTampering(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	if err := st.SaveCity(ctx, "tampered", testSave(5)); err != nil {
		t.Fatalf("SaveCity: %v", err)
	}
	if _, err := testPool.Exec(ctx,
		`UPDATE saves SET snapshot = snapshot || '\x00'::bytea WHERE name = 'tampered'`); err != nil {
		t.Fatalf("corrupting row: %v", err)
	}

	_, err := st.LoadCity(ctx, "tampered")
	if err == nil {
		t.Fatal("LoadCity accepted a corrupted snapshot")
	}
	if !errors.Is(err, ErrDigestMismatch) {
		t.Errorf("LoadCity error = %v, want ErrDigestMismatch", err)
	}
}
