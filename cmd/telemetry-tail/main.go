package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fpang/pipeline-telemetry/internal/config"
	"github.com/fpang/pipeline-telemetry/internal/logging"
	"github.com/fpang/pipeline-telemetry/internal/reducer"
	"github.com/fpang/pipeline-telemetry/internal/transport"
)

// CLI flags
var (
	configFlag     string
	urlFlag        string
	entitiesFlag   []string
	historyOutFlag string
)

// rootCmd is the main Cobra command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "telemetry-tail",
	Short: "Follow file-processing pipeline telemetry in real time",
	Long: `telemetry-tail connects to the dashboard's pipeline event stream and logs a
structured line for every projection change: which stage each file is in, its
aggregate progress, the remaining-time estimate, and any pipeline-reported
errors. The connection reconnects automatically with exponential backoff.

Examples:
  telemetry-tail --url ws://localhost:8080/ws
  telemetry-tail -f telemetry.yaml -e file-7f3a -e file-8c21
  telemetry-tail --history-out session.ndjson.gz  # dump gzip NDJSON history on exit`,
	Run: runMain,
}

func init() {
	rootCmd.Flags().StringVarP(&configFlag, "config", "f", "telemetry.yaml", "Path to the YAML configuration file")
	rootCmd.Flags().StringVarP(&urlFlag, "url", "u", "", "WebSocket endpoint (overrides config)")
	rootCmd.Flags().StringSliceVarP(&entitiesFlag, "entity", "e", nil, "Entity IDs to follow (default: every entity seen on the stream)")
	rootCmd.Flags().StringVar(&historyOutFlag, "history-out", "", "Write gzip-compressed NDJSON event history to this file on exit")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// runMain is the main execution logic called by Cobra.
func runMain(cmd *cobra.Command, args []string) {
	logging.Init()
	start := time.Now()

	cfg, err := config.Load(configFlag)
	if err != nil {
		log.Fatal().Err(err).Str("path", configFlag).Msg("Failed to load configuration")
	}
	if urlFlag != "" {
		cfg.Endpoint = urlFlag
	}

	proc := reducer.New(cfg.StageOrder, cfg.AvgStageDuration())
	cm := transport.NewConnectionManager(cfg.Endpoint, transport.Backoff{
		Base:        cfg.Backoff.BaseDelay(),
		Max:         cfg.Backoff.MaxDelay(),
		MaxAttempts: cfg.Backoff.MaxAttempts,
	})
	sess := newSession(proc, cm, entitiesFlag)

	logging.NewStartupLogger("telemetry-tail").
		Endpoint(cfg.Endpoint).
		StageOrder(cfg.StageOrder).
		Feature("historyDump", historyOutFlag != "").
		Feature("entityFilter", len(entitiesFlag) > 0).
		Config("maxReconnectAttempts", strconv.Itoa(cfg.Backoff.MaxAttempts)).
		Config("retentionSec", strconv.Itoa(cfg.RetentionSec)).
		Config("sessionId", sess.id).
		InitDuration(time.Since(start)).
		Log()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cm.Connect(ctx); err != nil {
		log.Fatal().Err(err).Str("url", cfg.Endpoint).Msg("Failed to connect to event stream")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		cm.Disconnect()
		return nil
	})
	g.Go(func() error {
		sess.pruneLoop(gctx, cfg.Retention())
		return nil
	})
	if cfg.StatsIntervalSec > 0 {
		g.Go(func() error {
			sess.statsLoop(gctx, time.Duration(cfg.StatsIntervalSec)*time.Second, cfg.Endpoint)
			return nil
		})
	}
	_ = g.Wait()

	if historyOutFlag != "" {
		if err := sess.dumpHistory(historyOutFlag); err != nil {
			log.Error().Err(err).Str("path", historyOutFlag).Msg("Failed to write history dump")
		}
	}
	log.Info().Str("sessionId", sess.id).Msg("Session ended")
}
