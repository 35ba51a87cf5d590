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

	"github.com/blackbox-rec/blackboxd/internal/anomaly"
	"github.com/blackbox-rec/blackboxd/internal/basicauth"
	"github.com/blackbox-rec/blackboxd/internal/broadcast"
	"github.com/blackbox-rec/blackboxd/internal/clock"
	"github.com/blackbox-rec/blackboxd/internal/collector"
	"github.com/blackbox-rec/blackboxd/internal/config"
	"github.com/blackbox-rec/blackboxd/internal/logger"
	"github.com/blackbox-rec/blackboxd/internal/pipeline"
	"github.com/blackbox-rec/blackboxd/internal/protect"
	"github.com/blackbox-rec/blackboxd/internal/query"
	"github.com/blackbox-rec/blackboxd/internal/segment"
)

func main() {
	var configPath string
	var dataDirFlag string
	var listenAddrFlag string
	var headless bool

	root := &cobra.Command{
		Use:   "blackboxd",
		Short: "blackboxd is an always-on host forensics recorder",
		Long:  "Continuously samples system, process and security state to an append-only local log, queryable over HTTP and WebSocket.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if dataDirFlag != "" {
				cfg.DataDir = dataDirFlag
			}
			if listenAddrFlag != "" {
				cfg.ListenAddr = listenAddrFlag
			}

			if err := cfg.EnsureDataDir(); err != nil {
				return fmt.Errorf("fatal: %w", err)
			}

			if err := logger.Init(cfg.LogLevel, cfg.LogFile); err != nil {
				return fmt.Errorf("fatal: open log file: %w", err)
			}
			log := logger.Component("main")

			// --no-ui is accepted for compatibility with operators who
			// script around the systemd unit; blackboxd has no
			// interactive UI to suppress, so the flag is a no-op.
			if headless {
				log.Info("no-ui flag set (no-op, blackboxd has no interactive UI)")
			}

			mode, err := protect.ParseMode(cfg.ProtectionMode)
			if err != nil {
				return fmt.Errorf("fatal: %w", err)
			}
			protector := protect.New(mode)

			writer, err := segment.NewWriter(cfg.DataDir, cfg.SegmentMaxBytes)
			if err != nil {
				return fmt.Errorf("fatal: open segment writer: %w", err)
			}
			writer.SetProtector(protector)

			manager := segment.NewManager(cfg.DataDir)
			manager.SetProtector(protector)
			writer.SetRetention(manager, cfg.MaxStorageBytes)

			// Sweep once before anything else runs: a restart may find the
			// directory over budget, and at this point no other goroutine
			// touches it yet.
			if _, _, err := manager.EvictUntil(cfg.MaxStorageBytes, writer.ActivePath()); err != nil {
				log.Warn("startup retention sweep failed", "err", err)
			}

			hub := broadcast.New()
			detector := anomaly.New(cfg.Thresholds)

			procCollector := collector.NewProcessCollector()
			fsCollector, err := collector.NewFilesystemCollector(cfg.WatchPaths)
			if err != nil {
				return fmt.Errorf("fatal: start filesystem watcher: %w", err)
			}

			worker := pipeline.New(pipeline.Config{
				Scheduler:  clock.NewScheduler(),
				Detector:   detector,
				Writer:     writer,
				Hub:        hub,
				Metrics:    collector.NewMetricsCollector(),
				Top:        collector.NewTopCollector(procCollector),
				Security:   collector.NewSecurityCollector(cfg.AuthLogPath),
				Filesystem: fsCollector,
				Process:    procCollector,
				Info:       collector.NewInfoCollector(),
			})

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			worker.EmitStartupInfo()

			go worker.Run(ctx)

			var authMW func(http.Handler) http.Handler
			if cfg.Auth.Username != "" {
				authMW = basicauth.Middleware(cfg.Auth.Username, cfg.Auth.BcryptHash)
			}

			mirror := query.NewMirror()
			sub := hub.Subscribe()
			go mirrorLoop(ctx, sub, mirror)

			srv := query.NewServer(mirror, manager, writer, hub, authMW, func() bool {
				return protector.Degraded() || writer.DroppedEvents() > 0
			}, cfg.MaxStorageBytes)

			httpServer := &http.Server{
				Addr:              cfg.ListenAddr,
				Handler:           srv,
				ReadHeaderTimeout: 30 * time.Second,
			}

			serveErr := make(chan error, 1)
			go func() {
				log.Info("listening", "addr", cfg.ListenAddr, "data_dir", cfg.DataDir, "protection", mode.String())
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					serveErr <- err
				}
			}()

			select {
			case <-ctx.Done():
				log.Info("shutting down")
			case err := <-serveErr:
				log.Error("http server failed", "err", err)
				stop()
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				log.Warn("http shutdown error", "err", err)
			}

			// Hardened segments are immutable; sealing one to record the
			// trailing shutdown state would itself fail, so the final
			// seal is attempted only in Off/Protected mode.
			if mode != protect.Hardened {
				if err := writer.Rotate(); err != nil {
					log.Warn("final segment seal failed", "err", err)
				}
			}
			if err := writer.Close(); err != nil {
				log.Warn("segment writer close error", "err", err)
			}
			fsCollector.Close()
			return nil
		},
	}

	root.Flags().StringVar(&configPath, "config", "", "path to blackboxd config YAML")
	root.Flags().StringVar(&dataDirFlag, "data-dir", "", "override the configured data directory")
	root.Flags().StringVar(&listenAddrFlag, "port", "", "override the configured listen address (e.g. :9700)")
	root.Flags().BoolVar(&headless, "no-ui", false, "accepted for operator tooling compatibility; blackboxd has no UI to disable")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// mirrorLoop drains the broadcast hub into the in-memory query mirror, the
// same feed /ws clients subscribe to.
func mirrorLoop(ctx context.Context, sub *broadcast.Subscription, mirror *query.Mirror) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			mirror.Add(e)
		}
	}
}
