// Command cacheproxy runs the protocol-translating cache proxy: one
// listener per configured cache, each tiering gets/sets through a local
// cache before falling through to a configured backend.
//
// Grounded on marmos91-dittofs's cmd/dittofs entrypoint shape (cobra root +
// start commands, config.MustLoad, structured-logger init, signal-driven
// graceful shutdown) and on the teacher's own cmd/tqcache/main.go for the
// process-level shape (construct the cache, start serving, wait on a
// signal channel, shut down).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mevdschee/cacheproxy/internal/backend"
	"github.com/mevdschee/cacheproxy/internal/cachecore"
	"github.com/mevdschee/cacheproxy/internal/clock"
	"github.com/mevdschee/cacheproxy/internal/config"
	"github.com/mevdschee/cacheproxy/internal/engine"
	"github.com/mevdschee/cacheproxy/internal/listener"
	"github.com/mevdschee/cacheproxy/internal/logging"
	"github.com/mevdschee/cacheproxy/internal/metrics"
)

// Exit codes per spec.md §6.
const (
	exitOK            = 0
	exitConfigFailure = 1
	exitPanic         = 101
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "cacheproxy",
	Short:         "Protocol-translating cache proxy",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the cache proxy server",
	RunE:  runStart,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file (default: ./cacheproxy.toml)")
	startCmd.Flags().Int("threads", 0, "GOMAXPROCS override (0 = runtime default)")
	startCmd.Flags().String("admin-listen-address", "", "admin/metrics HTTP listen address")
	startCmd.Flags().String("log-level", "", "log level override (debug|info|warn|error)")
	rootCmd.AddCommand(startCmd)
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "panic: %v\n", r)
			os.Exit(exitPanic)
		}
	}()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfigFailure)
	}
}

// flagOverrides layers cobra flags over a loaded config, matching dittofs's
// CLI-over-config-over-defaults precedence.
func flagOverrides(cmd *cobra.Command, cfg *config.Config) {
	if v, _ := cmd.Flags().GetInt("threads"); v > 0 {
		cfg.Threads = v
	}
	if v, _ := cmd.Flags().GetString("admin-listen-address"); v != "" {
		cfg.AdminListenAddress = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Logging.Level = v
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	flagOverrides(cmd, cfg)

	if cfg.Threads > 0 {
		runtime.GOMAXPROCS(cfg.Threads)
	}

	base, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}

	ms := metrics.NewSet(metrics.NamespaceOrDefault("cacheproxy"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listeners := make([]*listener.Listener, 0, len(cfg.Caches))
	closers := make([]func() error, 0, len(cfg.Caches))
	for _, cc := range cfg.Caches {
		ln, closeFn, err := buildListener(cc, cfg.BackendAPIKey, base, ms)
		if err != nil {
			for _, c := range closers {
				_ = c()
			}
			return fmt.Errorf("configure cache %q: %w", cc.CacheName, err)
		}
		if err := ln.Listen(ctx); err != nil {
			for _, c := range closers {
				_ = c()
			}
			return fmt.Errorf("listen on cache %q: %w", cc.CacheName, err)
		}
		listeners = append(listeners, ln)
		closers = append(closers, closeFn)
	}

	var adminSrv *http.Server
	if cfg.AdminListenAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(ms.Registry(), promhttp.HandlerOpts{}))
		adminSrv = &http.Server{Addr: cfg.AdminListenAddress, Handler: mux}
		go func() {
			logging.Component(base, "admin").Info().Str("addr", cfg.AdminListenAddress).Msg("admin listener starting")
			if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Component(base, "admin").Error().Err(err).Msg("admin listener failed")
			}
		}()
	}

	serveErrs := make(chan error, len(listeners))
	for _, ln := range listeners {
		ln := ln
		go func() { serveErrs <- ln.Serve(ctx) }()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logging.Component(base, "proxy").Info().Msg("shutdown signal received")
	case err := <-serveErrs:
		if err != nil {
			logging.Component(base, "proxy").Error().Err(err).Msg("listener failed")
		}
	}

	cancel()
	for _, ln := range listeners {
		_ = ln.Close()
	}
	for _, c := range closers {
		_ = c()
	}
	if adminSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = adminSrv.Shutdown(shutdownCtx)
		shutdownCancel()
	}

	logging.Component(base, "proxy").Info().Msg("shutdown complete")
	return nil
}

// buildListener wires one [[cache]] block into a listener.Listener: its
// backend, its local cache tier(s), and its per-connection engine config.
// Returns a close func that tears down both the local cache tier (stopping
// its disk reaper and closing segment files) and the backend connection
// pool.
func buildListener(cc config.CacheConfig, apiKey string, base zerolog.Logger, ms *metrics.Set) (*listener.Listener, func() error, error) {
	var be backend.Backend
	switch cc.BackendKind {
	case "remote":
		opts := &redis.Options{Addr: cc.BackendAddress, PoolSize: cc.ConnectionCount}
		if apiKey != "" {
			opts.Password = apiKey
		}
		client := redis.NewClient(opts)
		be = backend.NewRemote(client, 200*time.Millisecond)
	case "memcache":
		be = backend.NewMemcache(cc.BackendAddress, cc.ConnectionCount, 200*time.Millisecond)
	default:
		return nil, nil, fmt.Errorf("unknown backend_kind %q", cc.BackendKind)
	}

	local, err := cachecore.New(cachecore.Options{
		MemoryBytes: cc.MemoryCacheBytes,
		DiskBytes:   cc.DiskCacheBytes,
		DiskDir:     cc.DiskDir,
		Clock:       clock.Real(),
		OnDiskError: ms.RecordDiskError(cc.CacheName),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("build local cache: %w", err)
	}

	defaultTTL := cc.DefaultTTL
	if defaultTTL == 0 && cc.MemoryCacheTTLSeconds > 0 {
		defaultTTL = time.Duration(cc.MemoryCacheTTLSeconds) * time.Second
	}

	closeFn := func() error {
		localErr := local.Close()
		beErr := be.Close()
		if localErr != nil {
			return localErr
		}
		return beErr
	}

	engineCfg := engine.Config{
		CacheName:  cc.CacheName,
		Protocol:   engine.Protocol(cc.Protocol),
		FlagsMode:  cc.Flags,
		DefaultTTL: defaultTTL,
		Local:      local,
		Backend:    be,
		Metrics:    ms,
		Logger:     logging.Component(base, "engine"),
	}

	ln := &listener.Listener{
		Name:         cc.CacheName,
		Addr:         fmt.Sprintf("%s:%d", cc.Host, cc.Port),
		BufferSize:   int(cc.BufferSize),
		EngineConfig: engineCfg,
		Metrics:      ms,
		Logger:       logging.Component(base, "listener"),
	}
	return ln, closeFn, nil
}
