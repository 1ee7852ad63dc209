package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/opshive/opshive/internal/config"
	"github.com/opshive/opshive/internal/telemetry"
)

const version = "0.1.0"

var (
	cfg          *config.Config
	telemetryOff func(context.Context) error

	// exitCode is the process exit status; the health command sets it
	// to the 0/1/2 criticality contract.
	exitCode int
)

var rootCmd = &cobra.Command{
	Use:           "opshive",
	Short:         "Autonomous operations platform",
	Long:          "Opshive orchestrates task lists across registered agents and keeps platform services healthy, learning which fixes work.",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.EnableCommandSorting = false

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg = config.Load()
		if err := cfg.EnsureDirs(); err != nil {
			return fmt.Errorf("create data directories: %w", err)
		}
		shutdown, err := telemetry.Init(cfg.Telemetry)
		if err != nil {
			log.Warn().Err(err).Msg("telemetry init failed, continuing without traces")
			shutdown = func(context.Context) error { return nil }
		}
		telemetryOff = shutdown
		return nil
	}
	rootCmd.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		if telemetryOff == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetryOff(ctx); err != nil {
			log.Warn().Err(err).Msg("telemetry shutdown failed")
		}
	}

	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(healthCmd)
}
