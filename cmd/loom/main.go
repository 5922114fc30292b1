package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/pkg/cache"
	"github.com/loomworks/loom/pkg/config"
	"github.com/loomworks/loom/pkg/execlog"
	"github.com/loomworks/loom/pkg/executor"
	"github.com/loomworks/loom/pkg/lock"
	"github.com/loomworks/loom/pkg/log"
	"github.com/loomworks/loom/pkg/storage"
	"github.com/loomworks/loom/pkg/workflow"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath string
	dataDir    string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Loom - Persistent workflow and task queue engine",
	Long: `Loom is a workflow orchestration engine with a durable task queue,
backed by a single embedded database. Workflows are versioned DAGs of
executor nodes; every state transition is persisted, so instances survive
restarts and resume where they left off.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Loom version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory (overrides config)")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(sandboxHostCmd)
	rootCmd.AddCommand(workflowCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(scheduleCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	return cfg, nil
}

// adminStack opens the store directly for administrative commands. The
// database is single-writer: these commands are for use when no server
// holds it, or from a copy.
type adminStack struct {
	cfg      *config.Config
	store    *storage.BoltStore
	registry *executor.Registry
	adapter  *workflow.Adapter
}

func openAdminStack() (*adminStack, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log.Init(log.Config{Level: log.WarnLevel})

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open store (is a server running on %s?): %w", cfg.DataDir, err)
	}

	registry := executor.NewRegistry()
	if err := executor.RegisterBuiltins(registry); err != nil {
		store.Close()
		return nil, err
	}

	locks := lock.NewService(store, lock.Config{DefaultTTL: cfg.LockTTL})
	defs := cache.NewDefinitionCache(store, 0)
	logw := execlog.NewWriter(store)
	runner := workflow.NewNodeRunner(store, registry, logw, nil, cfg.QueueName, cfg.JobTimeout)
	scheduler := workflow.NewScheduler(store, locks, runner, defs, logw, nil, workflow.SchedulerConfig{LockTTL: cfg.LockTTL})

	return &adminStack{
		cfg:      cfg,
		store:    store,
		registry: registry,
		adapter:  workflow.NewAdapter(store, scheduler, defs),
	}, nil
}

func (s *adminStack) Close() {
	_ = s.store.Close()
}
