package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/seedhost/pkg/api"
	"github.com/cuemby/seedhost/pkg/events"
	"github.com/cuemby/seedhost/pkg/log"
	"github.com/cuemby/seedhost/pkg/metrics"
	"github.com/cuemby/seedhost/pkg/monitor"
	"github.com/cuemby/seedhost/pkg/orchestrator"
	"github.com/cuemby/seedhost/pkg/reconciler"
	"github.com/cuemby/seedhost/pkg/runtime"
	"github.com/cuemby/seedhost/pkg/stream"
	"github.com/cuemby/seedhost/pkg/tasks"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the seedhost API server",
	Long: `Run the API server together with the container orchestrator,
the status monitor, the event multiplexer and, when enabled, the
reconciler that keeps every user's node in the desired state.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "Override the API listen address")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.ListenAddr = listen
	}

	stopSignal, err := parseSignal(cfg.Stream.StopSignal)
	if err != nil {
		return err
	}

	fmt.Println("Starting seedhost...")
	fmt.Printf("  Listen Address: %s\n", cfg.ListenAddr)
	fmt.Printf("  Data Directory: %s\n", cfg.DataDir)
	fmt.Printf("  Storage Driver: %s\n", cfg.Storage.Driver)
	fmt.Println()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	fmt.Println("✓ Store opened")

	rt, err := runtime.NewContainerdRuntime(cfg.Runtime.Socket, cfg.Runtime.Namespace)
	if err != nil {
		return fmt.Errorf("failed to connect to containerd: %v", err)
	}
	defer rt.Close()
	fmt.Println("✓ Connected to containerd")

	tool := newTool(cfg)
	orch := orchestrator.NewOrchestrator(store, rt, tool, orchestratorConfig(cfg))

	bus := events.NewBus()
	mon := monitor.NewMonitor(tool, bus, monitor.Config{
		Interval:       cfg.Monitor.Interval,
		Deadline:       cfg.Monitor.Deadline,
		BootingTimeout: cfg.Monitor.BootingTimeout,
	})
	defer mon.Close()

	mux := stream.NewMultiplexer(&stream.ExecSpawner{
		Argv:   tool.EventsArgv,
		Logger: log.WithComponent("node-events"),
	}, stream.Config{
		Buffer:     cfg.Stream.Buffer,
		StopSignal: stopSignal,
	})
	defer mux.Close()

	group := tasks.New(context.Background(), 32)
	go func() {
		// Failures are logged by the group
		for range group.Errors() {
		}
	}()

	metrics.SetVersion(Version)
	metrics.SetCriticalComponents("store", "runtime", "api")

	probe := api.NewHealthProbe(0, 0)
	probe.Add("store", func(ctx context.Context) error {
		_, err := store.ListUsers()
		return err
	})
	probe.Add("runtime", rt.Ping)
	group.Go("health", probe.Run)

	collector := metrics.NewCollector(store, 0)
	collector.Start()
	defer collector.Stop()

	if cfg.Reconciler.Enabled {
		recon := reconciler.NewReconciler(store, orch, cfg.Reconciler.Interval)
		group.Go("reconciler", recon.Run)
		fmt.Println("✓ Reconciler started")
	}

	server := api.NewServer(api.Options{
		Store:        store,
		Orchestrator: orch,
		Events:       mux,
		Monitor:      mon,
		Bus:          bus,
		Tasks:        group,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(cfg.ListenAddr); err != nil {
			errCh <- fmt.Errorf("API server error: %v", err)
		}
	}()

	fmt.Println()
	fmt.Println("Seedhost is running. Press Ctrl+C to stop.")

	// Wait for interrupt signal or API server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case runErr = <-errCh:
		fmt.Fprintf(os.Stderr, "\nError: %v\n", runErr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "API shutdown: %v\n", err)
	}
	group.Stop()

	fmt.Println("✓ Shutdown complete")
	return runErr
}
