package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/opshive/opshive/internal/agents"
	"github.com/opshive/opshive/internal/bus"
	"github.com/opshive/opshive/internal/dlq"
	"github.com/opshive/opshive/internal/execshell"
	"github.com/opshive/opshive/internal/health"
	"github.com/opshive/opshive/internal/opsapi"
	"github.com/opshive/opshive/internal/orchestrator"
	"github.com/opshive/opshive/internal/resilience"
)

var (
	tasksParallel  bool
	daemonWatchDir string
	daemonInterval time.Duration
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Upload, execute, and watch task lists",
}

var tasksUploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Parse a task list file (.json/.csv/.md/.txt) and persist it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := orchestrator.OpenStore(cfg.TasksDB())
		if err != nil {
			return err
		}
		defer store.Close()

		parsed, err := orchestrator.ParseFile(args[0])
		if err != nil {
			return err
		}
		if err := store.SaveList(cmd.Context(), parsed.List, parsed.Tasks); err != nil {
			return err
		}
		fmt.Printf("list %s: %d tasks\n", parsed.List.ListID, len(parsed.Tasks))
		return nil
	},
}

var tasksExecuteCmd = &cobra.Command{
	Use:   "execute <list-id>",
	Short: "Run all pending tasks of a stored list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := orchestrator.OpenStore(cfg.TasksDB())
		if err != nil {
			return err
		}
		defer store.Close()

		invoker, err := newInvoker()
		if err != nil {
			return err
		}

		engine := orchestrator.NewEngine(store, invoker)
		sum, err := engine.ExecuteList(cmd.Context(), args[0], tasksParallel)
		if err != nil {
			return err
		}
		fmt.Printf("list %s: total=%d completed=%d failed=%d blocked=%d\n",
			sum.ListID, sum.Total, sum.Completed, sum.Failed, sum.Blocked)
		if sum.Failed > 0 || sum.Blocked > 0 {
			exitCode = 1
		}
		return nil
	},
}

var tasksStatusCmd = &cobra.Command{
	Use:   "status <list-id>",
	Short: "Show a stored list and the state of each task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := orchestrator.OpenStore(cfg.TasksDB())
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := cmd.Context()
		list, err := store.GetList(ctx, args[0])
		if err != nil {
			return err
		}
		tasks, err := store.Tasks(ctx, args[0])
		if err != nil {
			return err
		}

		fmt.Printf("%s (%s): %d/%d completed, %d failed\n",
			list.Name, list.ListID, list.Completed, list.Total, list.Failed)
		for _, t := range tasks {
			fmt.Printf("  [%-11s] %-10s %s (%s)\n", t.Status, t.Priority.Label(), t.Title, t.Agent)
			if t.Error != "" {
				fmt.Printf("               %s\n", t.Error)
			}
		}
		return nil
	},
}

var tasksAgentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List registered agent capabilities",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := agents.LoadRegistry(cfg.Registry)
		if err != nil {
			return err
		}
		for _, capability := range reg.Capabilities() {
			desc, _ := reg.Lookup(capability)
			fmt.Printf("%-24s %s\n", capability, desc.Kind)
		}
		return nil
	},
}

var tasksDaemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Watch a directory for task list files and execute them",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		store, err := orchestrator.OpenStore(cfg.TasksDB())
		if err != nil {
			return err
		}
		defer store.Close()

		dead, err := dlq.Open(cfg.DLQDB())
		if err != nil {
			return err
		}
		defer dead.Close()
		msgBus, err := bus.Open(cfg.MessagesDB(), dead)
		if err != nil {
			return err
		}
		defer msgBus.Close()

		invoker, err := newInvoker()
		if err != nil {
			return err
		}
		engine := orchestrator.NewEngine(store, invoker)
		daemon := orchestrator.NewDaemon(store, engine,
			daemonWatchDir, cfg.ArchiveDir(), daemonInterval, tasksParallel)

		janitor := bus.NewJanitor(msgBus, bus.JanitorPolicy{
			MaxRetries:   cfg.Bus.MaxRetries,
			DLQThreshold: cfg.Bus.DLQThreshold,
			CleanupDays:  cfg.Bus.CleanupDays,
		}, time.Hour)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return daemon.Run(gctx) })
		g.Go(func() error {
			janitor.Start(gctx)
			return nil
		})

		if cfg.API.Enabled {
			deps := opsapi.Deps{Bus: msgBus, Tasks: store, Version: version}
			if monitor := statusMonitor(); monitor != nil {
				deps.Monitor = monitor
			}
			addr := fmt.Sprintf(":%d", cfg.API.Port)
			handler := opsapi.NewRouter(deps)
			g.Go(func() error { return opsapi.Serve(gctx, addr, handler) })
		}

		log.Info().Str("watch_dir", daemonWatchDir).Dur("interval", daemonInterval).Msg("daemon running")
		return g.Wait()
	},
}

// newInvoker builds the agent invoker for this process: the on-disk
// registry, the local shell, and a fresh breaker registry.
func newInvoker() (*agents.Invoker, error) {
	reg, err := agents.LoadRegistry(cfg.Registry)
	if err != nil {
		return nil, err
	}
	return agents.NewInvoker(reg, execshell.Local{}, resilience.NewRegistry()), nil
}

// statusMonitor builds the read-only monitor backing the API's health
// route. A missing catalogue just disables the route.
func statusMonitor() *health.Monitor {
	catalogue, err := health.LoadCatalogue(cfg.Catalogue)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("path", cfg.Catalogue).Msg("service catalogue unavailable, health route disabled")
		}
		return nil
	}
	opts := []health.Option{}
	if reg, err := agents.LoadRegistry(cfg.Registry); err == nil {
		opts = append(opts, health.WithMCPRegistry(reg))
	}
	return health.NewMonitor(catalogue, execshell.Local{}, opts...)
}

func init() {
	tasksExecuteCmd.Flags().BoolVar(&tasksParallel, "parallel", false, "run independent tasks concurrently")
	tasksDaemonCmd.Flags().BoolVar(&tasksParallel, "parallel", false, "run independent tasks concurrently")
	tasksDaemonCmd.Flags().StringVar(&daemonWatchDir, "watch-dir", "", "directory to watch for task list files (default: config)")
	tasksDaemonCmd.Flags().DurationVar(&daemonInterval, "interval", 0, "periodic rescan interval (default: config)")
	tasksDaemonCmd.PreRun = func(cmd *cobra.Command, args []string) {
		if daemonWatchDir == "" {
			daemonWatchDir = cfg.Orchestrator.WatchDir
		}
		if daemonInterval <= 0 {
			daemonInterval = cfg.Orchestrator.WatchInterval
		}
	}

	tasksCmd.AddCommand(tasksUploadCmd)
	tasksCmd.AddCommand(tasksExecuteCmd)
	tasksCmd.AddCommand(tasksStatusCmd)
	tasksCmd.AddCommand(tasksAgentsCmd)
	tasksCmd.AddCommand(tasksDaemonCmd)
}
