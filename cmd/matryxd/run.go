// ABOUTME: The run command: wires store, queue, bridge, notifier, and sync loop
// ABOUTME: Blocks in the long-poll loop until SIGINT/SIGTERM

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/cyrup-ai/matryx-sub003/internal/bridge"
	"github.com/cyrup-ai/matryx-sub003/internal/config"
	"github.com/cyrup-ai/matryx-sub003/internal/live"
	"github.com/cyrup-ai/matryx-sub003/internal/protocol"
	"github.com/cyrup-ai/matryx-sub003/internal/replica"
	"github.com/cyrup-ai/matryx-sub003/internal/sendqueue"
	"github.com/cyrup-ai/matryx-sub003/internal/store"
)

const banner = `
    ╭──────────────────────────────╮
    │                              │
    │   ┏┳┓┏━┓╺┳╸┏━┓╻ ╻╻ ╻╺┳┓     │
    │   ┃┃┃┣━┫ ┃ ┣┳┛┗┳┛┏╋┛ ┃┃     │
    │   ╹ ╹╹ ╹ ╹ ╹┗╸ ╹ ╹ ╹╺┻┛     │
    │                              │
    │     matrix replica daemon    │
    │                              │
    ╰──────────────────────────────╯
`

const (
	defaultBridgeWorkers   = 4
	defaultBridgeQueueSize = 256
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the replica daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

// getConfigPath returns the path to the matryxd config file.
// Priority: --config flag > MATRYXD_CONFIG env var > XDG_CONFIG_HOME/matryx/matryxd.yaml
func getConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if envPath := os.Getenv("MATRYXD_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "matryxd.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "matryx", "matryxd.yaml")
}

func runDaemon() error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	path := getConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", path, err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:     %s\n", path)
	green.Print("    ▶ ")
	fmt.Printf("Homeserver: %s\n", cfg.Matrix.Homeserver)
	green.Print("    ▶ ")
	fmt.Printf("User:       %s\n", cfg.Matrix.UserID)
	green.Print("    ▶ ")
	fmt.Printf("Database:   %s\n", cfg.Database.Path)
	fmt.Println()

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	notifier := live.NewNotifier(logger)
	defer notifier.Close()

	rep := replica.New(st, notifier, logger)

	client, err := protocol.NewMautrixClient(
		cfg.Matrix.Homeserver, id.UserID(cfg.Matrix.UserID), cfg.Matrix.AccessToken, logger)
	if err != nil {
		return fmt.Errorf("creating matrix client: %w", err)
	}
	client.UseSyncStore(protocol.NewSyncStore(st, logger))

	transport := protocol.NewQueueTransport(client, st, logger)
	queue := sendqueue.New(st, transport, notifier, sendqueue.Config{
		MaxAttempts: cfg.SendQueue.MaxAttempts,
		BackoffBase: cfg.SendQueue.BackoffBase,
		BackoffMax:  cfg.SendQueue.BackoffMax,
	}, logger)

	workers, queueSize := cfg.Bridge.Workers, cfg.Bridge.QueueSize
	if workers == 0 {
		workers = defaultBridgeWorkers
	}
	if queueSize == 0 {
		queueSize = defaultBridgeQueueSize
	}
	executor := bridge.NewExecutor(workers, queueSize, logger)
	defer executor.Close()

	// Inbound events funnel through the bridge so store writes share the
	// same bounded pool as caller-submitted operations.
	client.OnEvent(func(ctx context.Context, evt *event.Event) {
		var b replica.Batch
		if err := b.AddEvent(evt); err != nil {
			logger.Warn("skipping malformed sync event",
				"room_id", evt.RoomID, "event_type", evt.Type.Type, "error", err)
			return
		}
		if b.Changes().Empty() {
			return
		}
		if _, err := bridge.Call(executor, ctx, "apply_sync", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, rep.ApplySync(ctx, b.Changes(), "")
		}); err != nil {
			logger.Error("failed to apply sync event",
				"room_id", evt.RoomID, "event_type", evt.Type.Type, "error", err)
		}
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := queue.Start(ctx); err != nil {
		return fmt.Errorf("starting send queue: %w", err)
	}
	defer queue.Close()

	logger.Info("starting daemon", "version", version)
	return client.RunSync(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var logLevel slog.Level
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
