package cli

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/flagramp/flagramp/internal/analytics"
	"github.com/flagramp/flagramp/internal/config"
	"github.com/flagramp/flagramp/internal/distribution"
	"github.com/flagramp/flagramp/internal/event"
	"github.com/flagramp/flagramp/internal/notify"
	"github.com/flagramp/flagramp/internal/rollout"
	"github.com/flagramp/flagramp/internal/server"
	"github.com/flagramp/flagramp/internal/store"
)

var port int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the flagramp server",
	Long: `Start the flagramp server.

The server provides:
  - Event beacon endpoint for tracking
  - Token-protected rollout management API
  - Health check and Prometheus metrics endpoints

The background loops (event flushing, rollout evaluation) run inside
this process and drain cleanly on shutdown.

Example:
  flagramp serve --port 8080`,
	RunE: runServe,
}

func init() {
	defaultPort := 8080
	if p := os.Getenv("FR_PORT"); p != "" {
		if parsed, err := strconv.Atoi(p); err == nil {
			defaultPort = parsed
		}
	}

	serveCmd.Flags().IntVarP(&port, "port", "p", defaultPort, "port to listen on")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("port") || os.Getenv("FR_PORT") != "" {
		cfg.Port = port
	}

	s, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer s.Close()

	an := analytics.NewService(s, analyticsThresholds(cfg))

	var notifier rollout.Notifier = notify.Log{}
	if cfg.NotifyWebhookURL != "" {
		notifier = notify.Multi{notify.Log{}, notify.NewWebhook(cfg.NotifyWebhookURL)}
	}

	var dist rollout.Distributor = s
	if cfg.DistributionWebhookURL != "" {
		dist = distribution.NewMulti(s, distribution.NewHTTP(cfg.DistributionWebhookURL))
	}

	ctrl := rollout.NewController(s, dist, notifier, an, rollout.EventFeedback(s), rollout.Options{
		TickInterval: cfg.Controller.TickIntervalDuration(),
		StatsWindow:  cfg.Controller.StatsWindowDuration(),
		Workers:      cfg.Controller.Workers,
	})
	ctrl.Run()
	defer ctrl.Close()

	rec := event.NewRecorder(s, event.Options{
		BatchSize:     cfg.Recorder.BatchSize,
		FlushInterval: cfg.Recorder.FlushIntervalDuration(),
		MaxBuffer:     cfg.Recorder.MaxBuffer,
	})
	defer rec.Close()

	srv := server.New(s, rec, ctrl, an, cfg.Port, getTokenFilePath())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		fmt.Println("\nShutting down...")
		return nil
	}
}
