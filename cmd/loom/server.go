package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/pkg/engine"
	"github.com/loomworks/loom/pkg/executor"
	"github.com/loomworks/loom/pkg/log"
	"github.com/loomworks/loom/pkg/metrics"
	"github.com/loomworks/loom/pkg/sandbox"
)

var (
	serverMetricsAddr string
	serverLogLevel    string
	serverLogJSON     bool
)

func init() {
	serverCmd.Flags().StringVar(&serverMetricsAddr, "metrics-addr", ":9090", "Listen address for metrics and health endpoints")
	serverCmd.Flags().StringVar(&serverLogLevel, "log-level", "info", "Log level (debug|info|warn|error)")
	serverCmd.Flags().BoolVar(&serverLogJSON, "log-json", false, "Emit JSON logs instead of console output")
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the Loom engine",
	Long: `Run the full engine: queue workers, workflow scheduler, cron
schedules, lock janitor, and the retention sweeper, with metrics and
health endpoints on the metrics address.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		log.Init(log.Config{Level: log.Level(serverLogLevel), JSONOutput: serverLogJSON})
		metrics.SetVersion(Version)

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		registry := executor.NewRegistry()
		if err := executor.RegisterBuiltins(registry); err != nil {
			return err
		}

		eng, err := engine.New(cfg, registry)
		if err != nil {
			return fmt.Errorf("failed to create engine: %v", err)
		}
		if err := eng.Start(); err != nil {
			return fmt.Errorf("failed to start engine: %v", err)
		}

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/healthz", metrics.HealthHandler())
		mux.HandleFunc("/readyz", metrics.ReadyHandler())
		mux.HandleFunc("/livez", metrics.LivenessHandler())
		httpServer := &http.Server{Addr: serverMetricsAddr, Handler: mux}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithComponent("server").Error().Err(err).Msg("metrics listener failed")
			}
		}()

		fmt.Printf("Loom engine running (data: %s, metrics: %s). Press Ctrl+C to stop.\n",
			cfg.DataDir, serverMetricsAddr)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		fmt.Println("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		eng.Stop()
		fmt.Println("✓ Engine stopped")
		return nil
	},
}

// sandboxHostCmd is the child end of the sandbox: it speaks the frame
// protocol over stdio and is only ever spawned by a running engine.
var sandboxHostCmd = &cobra.Command{
	Use:    "sandbox-host",
	Hidden: true,
	Short:  "Run as a sandbox child process",
	RunE: func(cmd *cobra.Command, args []string) error {
		// Logs must not pollute stdout: that is the frame channel.
		log.Init(log.Config{Level: log.WarnLevel, Output: os.Stderr})

		registry := executor.NewRegistry()
		if err := executor.RegisterBuiltins(registry); err != nil {
			return err
		}
		return sandbox.RunHost(os.Stdin, os.Stdout, registry)
	},
}
