package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lineforge/lineforge/internal/config"
	"github.com/lineforge/lineforge/internal/logging"
	"github.com/lineforge/lineforge/internal/maintenance"
	"github.com/lineforge/lineforge/internal/registry"
	"github.com/lineforge/lineforge/internal/session"
	"github.com/lineforge/lineforge/internal/webapi"
)

func cmdServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	debug := fs.Bool("debug", false, "enable debug logging")
	pprof := fs.Bool("pprof", false, "expose a pprof server on localhost:6060")
	if err := fs.Parse(args); err != nil {
		return exitGeneric
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "lineforge: load config: %v\n", err)
		return exitGeneric
	}

	logDir, err := config.Dir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "lineforge: %v\n", err)
		return exitGeneric
	}
	level := cfg.LogLevel
	if *debug {
		level = "debug"
	}
	logging.Init(logging.Config{LogDir: logDir, Level: level, Debug: *debug, PprofEnabled: *pprof})
	defer logging.Shutdown()
	log := logging.ForComponent(logging.CompCLI)

	sessionsDir, err := config.SessionsDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "lineforge: %v\n", err)
		return exitGeneric
	}
	sockDir, err := config.SockDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "lineforge: %v\n", err)
		return exitGeneric
	}

	reg := registry.New(sessionsDir, sockDir)
	if err := reg.RestoreOnStartup(); err != nil {
		log.Warn("restore_on_startup_failed", slog.String("error", err.Error()))
	}

	defaultTool, err := session.ParseToolKind(cfg.DefaultTool)
	if err != nil {
		defaultTool = session.ToolClaude
	}

	addr := fmt.Sprintf("%s:%d", config.ResolveBindAddr(cfg.BindAddr, log), cfg.Port)
	srv := webapi.New(webapi.Config{
		ListenAddr:   addr,
		Token:        cfg.Token,
		DefaultTool:  defaultTool,
		YoloMode:     cfg.YoloMode,
		CrashDumpDir: logDir,
	}, reg)

	sweeper := maintenance.New(sessionsDir, time.Duration(cfg.LogRetentionDays)*24*time.Hour, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher, err := config.NewWatcher()
	if err == nil {
		go watcher.Run(func(newCfg config.Config) {
			log.Info("config_reloaded",
				slog.Bool("yolo_mode", newCfg.YoloMode),
				slog.String("default_tool", newCfg.DefaultTool),
				slog.Int("log_retention_days", newCfg.LogRetentionDays))
		})
		defer watcher.Close()
	}

	go sweeper.Run(ctx)

	serveErrCh := make(chan error, 1)
	go func() {
		log.Info("listening", slog.String("addr", addr))
		serveErrCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErrCh:
		if err != nil {
			log.Error("serve_failed", slog.String("error", err.Error()))
			return exitGeneric
		}
	case <-sigCh:
		log.Info("shutting_down")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("shutdown_error", slog.String("error", err.Error()))
		}
	}
	return exitOK
}
