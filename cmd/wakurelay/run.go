package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/wakurelay/internal/app"
	"github.com/alfredjeanlab/wakurelay/internal/config"
	"github.com/alfredjeanlab/wakurelay/internal/logging"
	"github.com/alfredjeanlab/wakurelay/internal/relay"
	"github.com/alfredjeanlab/wakurelay/internal/telemetry"
)

var (
	runDirections []string
	runConfigFile string
	runLogDir     string
	runLogLevel   string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one or more relay directions",
	Long: `Run relays the selected directions until interrupted.

Directions:
  a2b      (n2w)  Nostr notes to Waku
  b2a      (w2n)  Waku messages to Nostr
  a2index  (n2i)  Nostr invite notes to the IndexDB webhook`,
	Example: "  wakurelay run --direction a2b,b2a --config-file config.yaml --log-dir logs",
	GroupID: "relay",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, closeLog, err := logging.New(logging.Options{Dir: runLogDir, Level: runLogLevel})
		if err != nil {
			return err
		}
		defer closeLog()

		dirs, err := relay.ParseDirections(runDirections)
		if err != nil {
			return err
		}
		cfg, err := config.Load(runConfigFile)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: version,
			Stdout:         cfg.Telemetry.TraceStdout,
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := shutdownTracing(context.Background()); err != nil {
				logger.Warn("tracer shutdown failed", "err", err)
			}
		}()

		logger.Info("wakurelay starting", "version", version, "directions", dirs, "waku_mode", cfg.Waku.Mode)
		a, err := app.New(ctx, cfg, dirs, logger)
		if err != nil {
			logger.Error("startup failed", "err", err)
			return err
		}
		return a.Run(ctx)
	},
}

func init() {
	runCmd.Flags().StringSliceVarP(&runDirections, "direction", "d", nil, "directions to relay (a2b, b2a, a2index; comma separated or repeated)")
	runCmd.Flags().StringVarP(&runConfigFile, "config-file", "c", "config.yaml", "path to the YAML or TOML config file")
	runCmd.Flags().StringVar(&runLogDir, "log-dir", "", "also write JSON logs to a timestamped file in this directory")
	runCmd.Flags().StringVar(&runLogLevel, "log-level", "", "log level (debug, info, warn, error); defaults to $WAKURELAY_LOG_LEVEL or info")
	_ = runCmd.MarkFlagRequired("direction")
}
