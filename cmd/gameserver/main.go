package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/civitasdev/civitas/internal/config"
	"github.com/civitasdev/civitas/internal/ecs"
	"github.com/civitasdev/civitas/internal/metrics"
	"github.com/civitasdev/civitas/internal/protocol"
	"github.com/civitasdev/civitas/internal/replication"
	"github.com/civitasdev/civitas/internal/server"
	"github.com/civitasdev/civitas/internal/store"
	"github.com/civitasdev/civitas/internal/terrain"
	"github.com/civitasdev/civitas/internal/transport"
)

const DefaultConfigPath = "config/gameserver.yaml"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfgPath := flag.String("config", DefaultConfigPath, "path to the server config")
	flag.Parse()

	// Load config FIRST to determine log level
	path := *cfgPath
	if p := os.Getenv("CIVITAS_SERVER_CONFIG"); p != "" {
		path = p
	}
	cfg, err := config.LoadServer(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})))

	slog.Info("civitas server starting", "log_level", cfg.LogLevel, "config", path)

	if cfg.MapSeed == 0 {
		cfg.MapSeed = rand.Int64()
		slog.Info("picked random map seed", "seed", cfg.MapSeed)
	}

	// Persistence is optional: without a database DSN the city lives and
	// dies with the process.
	var st *store.Store
	var saved *store.CitySave
	if dsn := cfg.Database.DSN(); dsn != "" {
		st, err = store.New(ctx, dsn)
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		defer st.Close()
		slog.Info("database connected")

		if err := store.RunMigrations(ctx, dsn); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		slog.Info("database migrations applied")

		saved, err = st.LoadCity(ctx, cfg.SaveName)
		if err != nil {
			return fmt.Errorf("loading save %q: %w", cfg.SaveName, err)
		}
	}

	reg := ecs.NewRegistry()
	var tmgr *terrain.SyncManager
	startTick := protocol.Tick(0)
	if saved != nil {
		tmgr, err = terrain.NewSyncManagerFromSave(saved.MapSeed, saved.MapTier, saved.Journal)
		if err != nil {
			return fmt.Errorf("restoring terrain from save %q: %w", cfg.SaveName, err)
		}
		if err := replication.DecodeWorldSnapshot(reg, saved.Snapshot); err != nil {
			return fmt.Errorf("restoring city from save %q: %w", cfg.SaveName, err)
		}
		startTick = saved.Tick
		slog.Info("city restored",
			"save", cfg.SaveName,
			"tick", saved.Tick,
			"entities", reg.Len(),
			"terrain_mods", len(saved.Journal))
	} else {
		tmgr, err = terrain.NewSyncManager(cfg.MapSeed, protocol.MapTier(cfg.MapTier))
		if err != nil {
			return fmt.Errorf("generating terrain: %w", err)
		}
		slog.Info("world generated", "seed", cfg.MapSeed, "tier", cfg.MapTier)
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	tr, err := newTransport(cfg)
	if err != nil {
		return err
	}

	srv, err := server.NewServer(cfg, tr, reg, tmgr, slog.Default(), m)
	if err != nil {
		return fmt.Errorf("creating game server: %w", err)
	}
	srv.SetTick(startTick)

	inputs := server.NewInputHandler(nil, nil, slog.Default(), m)
	inputs.Attach(srv)
	trades := server.NewTradeHandler(nil, slog.Default())
	srv.RegisterHandler(trades)

	if err := srv.Start(); err != nil {
		return err
	}
	defer func() {
		if err := srv.Stop(); err != nil {
			slog.Error("server shutdown", "err", err)
		}
	}()
	srv.SetRunning()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			slog.Info("metrics endpoint up", "addr", cfg.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics endpoint: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsSrv.Shutdown(shutCtx)
		})
	}

	g.Go(func() error {
		return tickLoop(gctx, srv, inputs, trades, st, cfg)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// tickLoop drives the simulation at the configured rate. Each tick
// drains the network, advances the clock, and broadcasts the delta.
func tickLoop(ctx context.Context, srv *server.Server, inputs *server.InputHandler, trades *server.TradeHandler, st *store.Store, cfg config.Server) error {
	rate := cfg.TickRate
	if rate <= 0 {
		rate = config.DefaultServer().TickRate
	}
	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()

	slog.Info("simulation running", "tick_rate", rate, "tick", srv.Tick())

	var lastSave time.Time
	for {
		select {
		case <-ctx.Done():
			if st != nil {
				if err := saveCity(context.Background(), srv, st, cfg.SaveName); err != nil {
					slog.Error("final save failed", "save", cfg.SaveName, "err", err)
				} else {
					slog.Info("city saved", "save", cfg.SaveName, "tick", srv.Tick())
				}
			}
			return nil
		case now := <-ticker.C:
			srv.Update(now)
			if !srv.Paused() {
				for range srv.SimSpeed() {
					srv.AdvanceTick()
					// Gameplay systems advance the city here. Every
					// registry write they make is picked up by the
					// change detector and leaves in the next delta.
				}
			}
			srv.BroadcastDelta()
			inputs.CommitThrough(srv.Tick())
			trades.Sweep(srv, now)

			if st != nil && cfg.AutosaveInterval > 0 && now.Sub(lastSave) >= cfg.AutosaveInterval {
				lastSave = now
				if err := saveCity(ctx, srv, st, cfg.SaveName); err != nil {
					slog.Error("autosave failed", "save", cfg.SaveName, "err", err)
				} else {
					slog.Info("autosaved", "save", cfg.SaveName, "tick", srv.Tick())
				}
			}
		}
	}
}

// saveCity captures the registry and terrain journal into one save row.
// It runs on the simulation goroutine between ticks, so the capture is
// consistent without locking.
func saveCity(ctx context.Context, srv *server.Server, st *store.Store, name string) error {
	body, err := replication.EncodeWorldSnapshot(srv.Registry())
	if err != nil {
		return fmt.Errorf("serializing city: %w", err)
	}
	return st.SaveCity(ctx, name, store.CitySave{
		Tick:     srv.Tick(),
		MapSeed:  srv.Terrain().Seed(),
		MapTier:  srv.Terrain().Grid().Tier(),
		Snapshot: body,
		Journal:  srv.Terrain().Journal(),
	})
}

func newTransport(cfg config.Server) (transport.Transport, error) {
	switch cfg.Transport {
	case "", "kcp":
		return transport.NewKCPTransport(0), nil
	case "ws":
		return transport.NewWSTransport(0), nil
	default:
		return nil, fmt.Errorf("unknown transport %q (want kcp or ws)", cfg.Transport)
	}
}

// parseLogLevel converts string log level to slog.Level.
// Defaults to Info if invalid or empty.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
