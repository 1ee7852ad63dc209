package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/opshive/opshive/internal/agents"
	"github.com/opshive/opshive/internal/execshell"
	"github.com/opshive/opshive/internal/fixer"
	"github.com/opshive/opshive/internal/health"
	"github.com/opshive/opshive/internal/learning"
	"github.com/opshive/opshive/internal/resilience"
	"github.com/opshive/opshive/pkg/models"
)

var (
	healthAutoFix bool
	healthJSON    bool
	healthService string
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check catalogued platform services",
	Long:  "Probes every service in the catalogue and reports status. Exit code is 0 when all services are healthy, 2 when a critical service is down, 1 when only non-critical services are down.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		catalogue, err := health.LoadCatalogue(cfg.Catalogue)
		if err != nil {
			return err
		}

		runner := execshell.Local{}
		breakers := resilience.NewRegistry()
		opts := []health.Option{}

		reg, err := agents.LoadRegistry(cfg.Registry)
		if err != nil {
			log.Warn().Err(err).Str("path", cfg.Registry).Msg("agent registry unavailable, mcp probes and admin heal disabled")
			reg = nil
		} else {
			opts = append(opts, health.WithMCPRegistry(reg))
		}

		if healthAutoFix {
			fx, cleanup, err := buildFixer(runner, reg, breakers)
			if err != nil {
				return err
			}
			defer cleanup()
			opts = append(opts, health.WithFixer(fx))
		}

		monitor := health.NewMonitor(catalogue, runner, opts...)

		ctx := cmd.Context()
		var results map[string]models.HealthResult
		if healthService != "" {
			res, ok := monitor.CheckService(ctx, healthService, healthAutoFix)
			if !ok {
				return fmt.Errorf("unknown service %q", healthService)
			}
			results = map[string]models.HealthResult{healthService: res}
		} else {
			results = monitor.RunHealthCheck(ctx, healthAutoFix)
		}

		report := health.NewReport(results)
		if healthJSON {
			raw, err := report.JSON()
			if err != nil {
				return err
			}
			fmt.Println(string(raw))
		} else {
			fmt.Print(report.Render())
		}

		exitCode = health.ExitCode(results)
		return nil
	},
}

// buildFixer assembles the self-healing stack: the learning store, the
// strategy registry, and the optional AI and platform-admin
// collaborators.
func buildFixer(runner execshell.Runner, reg *agents.Registry, breakers *resilience.Registry) (*fixer.Fixer, func(), error) {
	store, err := learning.Open(cfg.LearningDB())
	if err != nil {
		return nil, nil, err
	}

	opts := []fixer.Option{}
	if reg != nil {
		opts = append(opts, fixer.WithAdminHealer(agents.NewInvoker(reg, runner, breakers)))
	}
	if cfg.Fixer.DiagnoseCommand != "" {
		opts = append(opts, fixer.WithDiagnoser(
			fixer.NewCommandDiagnoser(runner, cfg.Fixer.DiagnoseCommand, cfg.Fixer.AITimeout)))
	}

	fx := fixer.New(store, runner, breakers, fixer.Config{
		MaxAttempts:    cfg.Fixer.MaxAttempts,
		RetryDelays:    cfg.Fixer.RetryDelays,
		ProvenServices: cfg.Fixer.ProvenServices,
		AITimeout:      cfg.Fixer.AITimeout,
	}, opts...)

	cleanup := func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("learning store close failed")
		}
	}
	return fx, cleanup, nil
}

func init() {
	healthCmd.Flags().BoolVar(&healthAutoFix, "auto-fix", false, "attempt to repair unhealthy services")
	healthCmd.Flags().BoolVar(&healthJSON, "json", false, "emit the report as JSON")
	healthCmd.Flags().StringVar(&healthService, "service", "", "check a single service by id")
}
