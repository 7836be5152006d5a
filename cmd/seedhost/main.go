package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cuemby/seedhost/pkg/config"
	"github.com/cuemby/seedhost/pkg/log"
	"github.com/cuemby/seedhost/pkg/nodetool"
	"github.com/cuemby/seedhost/pkg/orchestrator"
	"github.com/cuemby/seedhost/pkg/storage"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "seedhost",
	Short: "Seedhost - hosted seed nodes with live event streams",
	Long: `Seedhost runs one seed node per subscribed user as a pair of
containers, keeps them in the desired state and streams their
status and events to web clients.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	// Set version template
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Seedhost version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().String("log-level", "", "Override log level (debug, info, warn, error)")

	// Add subcommands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(configCmd)
}

// loadConfig reads the config named by --config and initializes logging
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	level, _ := cmd.Flags().GetString("log-level")

	v := viper.New()
	if level != "" {
		v.Set("log.level", level)
	}

	cfg, err := config.Load(v, path)
	if err != nil {
		return nil, err
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
		Output:     os.Stderr,
	})
	return cfg, nil
}

func storeDir(cfg *config.Config) string {
	if cfg.Storage.Path != "" {
		return cfg.Storage.Path
	}
	return cfg.DataDir
}

func openStore(cfg *config.Config) (storage.Store, error) {
	store, err := storage.Open(cfg.Storage.Driver, storeDir(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %v", err)
	}
	return store, nil
}

func newTool(cfg *config.Config) *nodetool.Tool {
	return nodetool.New(nodetool.Config{
		Identity: cfg.Tool.Identity,
		Status:   cfg.Tool.Status,
		Events:   cfg.Tool.Events,
		TempDir:  filepath.Join(cfg.DataDir, "tmp"),
	}, nil)
}

func orchestratorConfig(cfg *config.Config) orchestrator.Config {
	return orchestrator.Config{
		DataDir:      cfg.DataDir,
		PublicHost:   cfg.PublicHost,
		PortBase:     cfg.PortBase,
		NodeImage:    cfg.Runtime.NodeImage,
		GatewayImage: cfg.Runtime.GatewayImage,
		StopTimeout:  cfg.Runtime.StopTimeout,
	}
}

var stopSignals = map[string]syscall.Signal{
	"SIGTERM": syscall.SIGTERM,
	"SIGINT":  syscall.SIGINT,
	"SIGHUP":  syscall.SIGHUP,
	"SIGQUIT": syscall.SIGQUIT,
	"SIGKILL": syscall.SIGKILL,
	"SIGUSR1": syscall.SIGUSR1,
	"SIGUSR2": syscall.SIGUSR2,
}

// parseSignal accepts signal names with or without the SIG prefix
func parseSignal(name string) (syscall.Signal, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "" {
		return syscall.SIGTERM, nil
	}
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	sig, ok := stopSignals[name]
	if !ok {
		return 0, fmt.Errorf("unsupported stop signal %q", name)
	}
	return sig, nil
}
