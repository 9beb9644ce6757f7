package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/civitasdev/civitas/internal/client"
	"github.com/civitasdev/civitas/internal/config"
	"github.com/civitasdev/civitas/internal/ecs"
	"github.com/civitasdev/civitas/internal/messages"
	"github.com/civitasdev/civitas/internal/protocol"
	"github.com/civitasdev/civitas/internal/terrain"
	"github.com/civitasdev/civitas/internal/transport"
)

const DefaultConfigPath = "config/gameclient.yaml"

// frameInterval is the headless update rate; a rendering client would
// call Update from its frame loop instead.
const frameInterval = time.Second / 60

// statusInterval spaces the periodic connection summary in the log.
const statusInterval = 10 * time.Second

// botInterval spaces scripted actions in -bot mode.
const botInterval = 2 * time.Second

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
	cfgPath := flag.String("config", DefaultConfigPath, "path to the client config")
	addr := flag.String("addr", "", "server address, overrides config")
	port := flag.Int("port", 0, "server port, overrides config")
	name := flag.String("name", "", "player name, overrides config")
	bot := flag.Bool("bot", false, "issue scripted build actions for soak testing")
	flag.Parse()

	path := *cfgPath
	if p := os.Getenv("CIVITAS_CLIENT_CONFIG"); p != "" {
		path = p
	}
	cfg, err := config.LoadClient(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if *addr != "" {
		cfg.ServerAddress = *addr
	}
	if *port != 0 {
		cfg.ServerPort = *port
	}
	if *name != "" {
		cfg.PlayerName = *name
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})))

	tr, err := newTransport(cfg.Transport)
	if err != nil {
		return err
	}

	c := client.NewClient(cfg, tr, slog.Default(), nil)
	defer func() {
		if err := c.Close(); err != nil {
			slog.Error("client shutdown", "err", err)
		}
	}()

	c.OnStateChange(func(old, new client.State) {
		slog.Info("connection state", "from", old, "to", new)
	})

	if err := c.Connect(cfg.ServerAddress, cfg.ServerPort, cfg.PlayerName); err != nil {
		return err
	}

	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()

	var nextStatus, nextBot time.Time
	for {
		select {
		case <-ctx.Done():
			c.Disconnect()
			// One more beat so the farewell reaches the wire before the
			// worker stops.
			time.Sleep(100 * time.Millisecond)
			return nil
		case now := <-ticker.C:
			c.Update(now)
			drainOutput(c)

			if now.After(nextStatus) {
				nextStatus = now.Add(statusInterval)
				logStatus(c)
			}
			if *bot && now.After(nextBot) && c.State() == client.StatePlaying {
				nextBot = now.Add(botInterval)
				botAction(c)
			}
		}
	}
}

// drainOutput prints everything a UI would surface: chat lines,
// rejection feedback, and simulation events.
func drainOutput(c *client.Client) {
	for {
		chat, ok := c.PollChat()
		if !ok {
			break
		}
		fmt.Printf("[chat] player %d: %s\n", chat.PlayerID, chat.Text)
	}
	for {
		rej, ok := c.PollRejection()
		if !ok {
			break
		}
		if rej.Acknowledged {
			fmt.Printf("[rejected] %s at (%d,%d): %s: %s\n",
				rej.Kind, rej.Target.X, rej.Target.Y, rej.Reason, rej.Message)
		} else {
			fmt.Printf("[timed out] %s at (%d,%d)\n", rej.Kind, rej.Target.X, rej.Target.Y)
		}
	}
	for {
		ev, ok := c.PollGameEvent()
		if !ok {
			break
		}
		fmt.Printf("[event] kind %d at (%d,%d) tick %d\n", ev.Kind, ev.Pos.X, ev.Pos.Y, ev.Tick)
	}
	// The registry mirror already holds every applied delta; the raw
	// queue is drained so it never sits at capacity.
	for {
		if _, ok := c.PollStateUpdate(); !ok {
			break
		}
	}
}

func logStatus(c *client.Client) {
	if c.State() == client.StateDisconnected {
		return
	}
	attrs := []any{
		"state", c.State(),
		"tick", c.LastTick(),
		"entities", c.Registry().Len(),
		"timeout_level", c.TimeoutLevel(),
	}
	if rtt, ok := c.RTT(); ok {
		attrs = append(attrs, "rtt", rtt.Round(time.Millisecond))
	}
	slog.Info("status", attrs...)
}

// botAction sends one random city action, for soak testing against a
// live server. Rejections are expected and show up via drainOutput.
func botAction(c *client.Client) {
	size, err := terrain.TierSize(c.MapTier())
	if err != nil {
		return
	}
	pos := protocol.GridPosition{
		X: int16(rand.IntN(size)),
		Y: int16(rand.IntN(size)),
	}
	var seq protocol.SequenceNumber
	switch rand.IntN(3) {
	case 0:
		seq = c.SendInput(messages.InputPlaceBuilding, pos, 1, 0, 0)
	case 1:
		seq = c.SendInput(messages.InputZoneResidential, pos, 0, 0, 0)
	default:
		seq = c.SendInput(messages.InputBuildRoad, pos, uint32(ecs.RoadStreet), 0, 0)
	}
	slog.Debug("bot action sent", "pos", pos, "seq", seq)
}

func newTransport(kind string) (transport.Transport, error) {
	switch kind {
	case "", "kcp":
		return transport.NewKCPTransport(0), nil
	case "ws":
		return transport.NewWSTransport(0), nil
	default:
		return nil, fmt.Errorf("unknown transport %q (want kcp or ws)", kind)
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
