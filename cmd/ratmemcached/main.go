// Command ratmemcached runs the two-tier memcached-compatible cache server
// described in spec.md. The CLI itself is grounded on the teacher's
// Toolkit/cmd/toolkit/main_test.go, the only place in the retrieval pack
// that actually builds *cobra.Command trees (the teacher's own
// cmd/superagent/main.go parses os.Args by hand); the signal handling and
// bounded shutdown window below follow that same cmd/superagent/main.go's
// run().
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ratcache/ratmemcached/internal/cache"
	"github.com/ratcache/ratmemcached/internal/config"
	"github.com/ratcache/ratmemcached/internal/configwatch"
	"github.com/ratcache/ratmemcached/internal/server"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var bindAddr string
	var configPath string
	var metricsAddr string

	root := &cobra.Command{
		Use:     "ratmemcached",
		Short:   "Two-tier (memory + disk) memcached-compatible cache server",
		Version: version,
	}
	root.PersistentFlags().StringVarP(&bindAddr, "bind", "b", "127.0.0.1:11211", "address to listen on for the memcached protocol")
	root.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultFileName, "path to the TOML config file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the cache server (default action)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), bindAddr, configPath, metricsAddr)
		},
	}
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "127.0.0.1:9121", "address to serve /metrics on")
	root.AddCommand(serveCmd)

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ratmemcached %s\n", version)
		},
	})

	// Running the root command with no subcommand serves, matching
	// spec.md §6's "ratmemcached [--bind ADDR] [--config PATH]" surface.
	root.RunE = serveCmd.RunE
	root.Flags().AddFlagSet(serveCmd.Flags())

	return root
}

func runServe(ctx context.Context, bindAddr, configPath, metricsAddr string) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	dataDir := defaultDataDir()
	cfgFile, err := loadConfig(configPath, dataDir)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	facade, err := cache.New(cfgFile.ToFacadeConfig(), logger, reg)
	if err != nil {
		return fmt.Errorf("opening cache engine: %w", err)
	}
	defer facade.Shutdown()

	if cfgFile.L2.ClearOnStartup {
		logger.Info("main: l2.clear_on_startup set, wiping cache before serving")
		if err := facade.Clear(); err != nil {
			return fmt.Errorf("clearing cache on startup: %w", err)
		}
	}

	watchErr := startConfigWatch(configPath, dataDir, facade, logger, cfgFile)
	if watchErr != nil {
		logger.WithError(watchErr).Warn("main: config hot-reload disabled")
	}

	metricsSrv := startMetricsServer(metricsAddr, reg, logger)
	defer metricsSrv.Shutdown(context.Background())

	srvCfg := server.DefaultConfig()
	srvCfg.BindAddr = bindAddr
	srv := server.New(srvCfg, facade, logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go waitForSignal(runCtx, cancel, logger)

	if err := srv.ListenAndServe(runCtx); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// loadConfig loads configPath. A missing file is a startup error, whether it
// was named with --config or is the default rat_memcached.toml in the
// working directory.
func loadConfig(configPath, dataDir string) (config.File, error) {
	if _, statErr := os.Stat(configPath); statErr != nil {
		return config.File{}, fmt.Errorf("reading config file: %w", statErr)
	}
	return config.Load(configPath, dataDir)
}

func startConfigWatch(configPath, dataDir string, facade *cache.Facade, logger *logrus.Logger, cfgFile config.File) error {
	if _, statErr := os.Stat(configPath); statErr != nil {
		return statErr // nothing on disk to watch
	}
	r := configwatch.NewReloader(configPath, dataDir, facade, logger, cfgFile)
	_, err := r.Watch()
	return err
}

func startMetricsServer(addr string, reg *prometheus.Registry, logger *logrus.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Warn("main: metrics server stopped")
		}
	}()
	return srv
}

func waitForSignal(ctx context.Context, cancel context.CancelFunc, logger *logrus.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.WithField("signal", sig.String()).Info("main: received shutdown signal")
		cancel()
	case <-ctx.Done():
	}
}

func defaultDataDir() string {
	dir := os.Getenv("RATMEMCACHED_DATA_DIR")
	if dir != "" {
		return dir
	}
	return "./data"
}
