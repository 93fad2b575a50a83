package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/breeze-rmm/loadtestbot/internal/config"
	"github.com/breeze-rmm/loadtestbot/internal/logging"
	"github.com/breeze-rmm/loadtestbot/internal/swarm"
	"github.com/breeze-rmm/loadtestbot/internal/timer"
)

var log = logging.L("cli")

var (
	cfgFile     string
	workerFlag  int
	networkFlag int
	factoryFlag int
	noGUIFlag   bool
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "loadtestbot",
		Short:         "Emulates concurrent WebRTC peers against a mediasoup SFU",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")
	root.PersistentFlags().BoolVar(&noGUIFlag, "nogui", false, "disable the dashboard, print a status line instead")
	root.PersistentFlags().IntVarP(&workerFlag, "workers", "w", 0, "worker thread (executor) count, 0 uses config default")
	root.PersistentFlags().IntVarP(&networkFlag, "network", "n", 0, "network thread (event loop) count, 0 uses config default")
	root.PersistentFlags().IntVarP(&factoryFlag, "peer-factories", "p", 0, "peer-connection factory count, 0 uses config default")

	root.AddCommand(newLivestreamCmd(), newConferenceCmd())
	return root
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if workerFlag > 0 {
		cfg.WorkerThreads = workerFlag
	}
	if networkFlag > 0 {
		cfg.NetworkThreads = networkFlag
	}
	if factoryFlag > 0 {
		cfg.PeerConnectionFactories = factoryFlag
	}
	if noGUIFlag {
		cfg.NoGUI = true
	}
	return cfg, nil
}

// initRuntime wires structured logging: stdout while --nogui prints its own
// status line there; a rotating file otherwise, since a live dashboard
// would otherwise have log lines interleaved with it.
func initRuntime(cfg *config.Config) {
	if cfg.NoGUI || cfg.LogFile == "" {
		logging.Init(cfg.LogFormat, cfg.LogLevel, os.Stdout)
		return
	}
	rw, err := logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
	if err != nil {
		log.Warn("failed to open log file, falling back to stdout", "err", err)
		logging.Init(cfg.LogFormat, cfg.LogLevel, os.Stdout)
		return
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, rw)
}

func newLivestreamCmd() *cobra.Command {
	var streamerID string
	var viewerCount int

	cmd := &cobra.Command{
		Use:   "livestream",
		Short: "Run a swarm of read-only viewers against one streamer's room",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if streamerID != "" {
				cfg.StreamerID = streamerID
			}
			if viewerCount > 0 {
				cfg.ViewerCount = viewerCount
			}
			initRuntime(cfg)

			sv, ts := buildSupervisor(cfg)
			defer ts.Stop()
			defer sv.Shutdown()

			ctx, stop := signalContext()
			defer stop()

			sv.ApplyViewerConfig(ctx, cfg.StreamerID, cfg.ViewerCount)
			runDashboard(ctx, sv, cfg.NoGUI)
			return nil
		},
	}
	cmd.Flags().StringVarP(&streamerID, "streamer", "i", "", "streamer id to consume from")
	cmd.Flags().IntVarP(&viewerCount, "viewers", "v", 0, "number of viewer sessions")
	return cmd
}

func newConferenceCmd() *cobra.Command {
	var roomCount, userPerRoom, baseRoomID int

	cmd := &cobra.Command{
		Use:   "conference",
		Short: "Run a swarm of mutually producing/consuming conference rooms",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if roomCount > 0 {
				cfg.RoomCount = roomCount
			}
			if userPerRoom > 0 {
				cfg.UserPerRoom = userPerRoom
			}
			if baseRoomID != 0 {
				cfg.StartingRoomID = baseRoomID
			}
			initRuntime(cfg)

			sv, ts := buildSupervisor(cfg)
			defer ts.Stop()
			defer sv.Shutdown()

			ctx, stop := signalContext()
			defer stop()

			sv.ApplyConfig(ctx, cfg.RoomCount, cfg.UserPerRoom, cfg.StartingRoomID)
			runDashboard(ctx, sv, cfg.NoGUI)
			return nil
		},
	}
	cmd.Flags().IntVarP(&roomCount, "rooms", "r", 0, "number of rooms")
	cmd.Flags().IntVarP(&userPerRoom, "users", "u", 0, "users per room")
	cmd.Flags().IntVar(&baseRoomID, "rid", 0, "base room id")
	return cmd
}

func buildSupervisor(cfg *config.Config) (*swarm.Supervisor, *timer.Service) {
	ts := timer.New()
	sv := swarm.New(swarm.Params{
		WorkerThreads:       cfg.WorkerThreads,
		NetworkThreads:      cfg.NetworkThreads,
		PeerFactories:       cfg.PeerConnectionFactories,
		DeviceID:            generateDeviceID(),
		AuthBaseURL:         cfg.AuthBaseURL,
		ProtooBaseURL:       cfg.ProtooBaseURL,
		ValidateDataChannel: cfg.ValidateDataChannel,
	}, ts)
	return sv, ts
}

// generateDeviceID seeds one random device identity for the whole run,
// shared as a prefix across every session's user_id and room_id.
func generateDeviceID() string {
	return uuid.New().String()
}

// signalContext cancels on SIGINT/SIGTERM, giving in-flight sessions a
// chance to drain before the process exits.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// runDashboard blocks until ctx is cancelled. With --nogui it refreshes a
// single status line every 500ms; otherwise it just waits (the full TUI
// dashboard is out of scope).
func runDashboard(ctx context.Context, sv *swarm.Supervisor, noGUI bool) {
	if !noGUI {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			return
		case <-ticker.C:
			stats := sv.Stats()
			fmt.Printf("\rsessions=%d completed=%d avg_peers=%.1f avg_rate=%.1f   ",
				stats.SessionCount, stats.Status["completed"], stats.AvgPeerCount, stats.AvgFrameRate)
		}
	}
}
