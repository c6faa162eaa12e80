// Command vmtapd loads a compiled relocatable VM object, attaches its
// programs to the observation points named in its configuration, drains
// their ring buffers into the configured sink, and exposes a /healthz and
// /debug/vars admin surface. It shuts down gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vmtap/loader/internal/admin"
	"github.com/vmtap/loader/internal/config"
	"github.com/vmtap/loader/internal/sink"
	"github.com/vmtap/loader/internal/vm"
)

const buildVersion = "v0.1.0"

func main() {
	configPath := flag.String("config", "/etc/vmtap/config.yaml", "path to vmtapd's YAML configuration file")
	objectOverride := flag.String("object", "", "path to the compiled object to load, overriding the config file's object field")
	showVersion := flag.Bool("version", false, "print the vmtapd version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("vmtapd", buildVersion)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vmtapd: %v\n", err)
		os.Exit(1)
	}
	if *objectOverride != "" {
		cfg.Object = *objectOverride
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("object", cfg.Object),
		slog.String("log_level", cfg.LogLevel),
		slog.String("admin_addr", cfg.AdminAddr),
	)

	f, err := os.Open(cfg.Object)
	if err != nil {
		logger.Error("failed to open object", slog.String("path", cfg.Object), slog.Any("error", err))
		os.Exit(1)
	}
	defer f.Close()

	module, err := vm.Parse(f)
	if err != nil {
		logger.Error("failed to parse object", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("object parsed",
		slog.Int("programs", len(module.Programs)),
		slog.Int("maps", len(module.Maps)),
	)

	if err := module.Load(); err != nil {
		logger.Error("failed to load module", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("module loaded into the kernel")

	targets := make(map[string]vm.AttachTarget, len(cfg.Attachments))
	for _, a := range cfg.Attachments {
		targets[a.Program] = vm.AttachTarget{Symbol: a.Symbol, Interface: a.Interface}
	}
	if err := module.Attach(targets); err != nil {
		logger.Error("failed to attach module", slog.Any("error", err))
		module.Close()
		os.Exit(1)
	}
	logger.Info("module attached", slog.Int("attachments", len(targets)))

	module.SetRingPages(cfg.RingPages)
	if err := module.BindSink(sink.Console(logger)); err != nil {
		logger.Error("failed to bind sink", slog.Any("error", err))
		module.Close()
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := module.Run(ctx); err != nil && err != context.Canceled {
			logger.Warn("ring reader stopped", slog.Any("error", err))
		}
	}()

	adminSrv := admin.NewServer(module)
	httpServer := &http.Server{
		Addr:         cfg.AdminAddr,
		Handler:      admin.NewRouter(adminSrv),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("admin server listening", slog.String("addr", cfg.AdminAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin server error", slog.Any("error", err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin server shutdown error", slog.Any("error", err))
	}

	if err := module.Close(); err != nil {
		logger.Warn("module close error", slog.Any("error", err))
	}

	logger.Info("vmtapd exited cleanly")
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
