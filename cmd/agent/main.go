// Command agent is the headless Twitch drops mining agent. It loads
// configuration, authenticates, and runs the mining core alongside the
// HTTP control surface until a shutdown signal arrives.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/arvell/drops-agent/internal/bus"
	"github.com/arvell/drops-agent/internal/core"
	"github.com/arvell/drops-agent/internal/logger"
	"github.com/arvell/drops-agent/internal/notify"
	"github.com/arvell/drops-agent/internal/server"
	"github.com/arvell/drops-agent/internal/settings"
)

// Exit codes for supervisors: 0 clean shutdown, 1 fatal error, 2 login
// required, 3 configuration error.
const (
	exitOK     = 0
	exitFatal  = 1
	exitLogin  = 2
	exitConfig = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	_ = godotenv.Load()

	configPath := flag.String("config", "config.yml", "Path to the configuration file")
	logLevel := flag.String("log-level", "", "Log level: DEBUG, INFO, WARN, ERROR (overrides LOG_LEVEL env)")
	noColor := flag.Bool("no-color", false, "Disable colored output (overrides TTY detection)")
	flag.Parse()

	cfg, err := settings.LoadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitConfig
	}

	level := logger.ParseLevel(cfg.LogLevel)
	if *logLevel != "" {
		level = logger.ParseLevel(*logLevel)
	}

	paths := settings.ResolvePaths(cfg.DataDir)
	if err := paths.Ensure(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create data directories: %v\n", err)
		return exitConfig
	}

	colored := !*noColor && term.IsTerminal(int(os.Stdout.Fd())) && os.Getenv("NO_COLOR") == ""
	logCfg := logger.Config{
		Level:     level,
		FileLevel: slog.LevelDebug,
		Colored:   colored,
	}
	if cfg.LogToFile {
		logCfg.LogDir = paths.LogsDir
	}
	log, err := logger.Setup(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to setup logger: %v\n", err)
		return exitFatal
	}

	log.Info("Starting drops agent", "data_dir", paths.DataDir)

	store, err := settings.NewStore(paths.SettingsFile)
	if err != nil {
		log.Error("Failed to load settings", "error", err)
		return exitConfig
	}

	events := bus.New(0)
	log.SetConsoleFunc(func(line string) {
		events.Publish(bus.EvConsoleOutput, map[string]string{"line": line})
	})

	dispatcher := notify.NewDispatcher(cfg.Notifications, log)
	if dispatcher.HasNotifiers() {
		log.SetNotifyFunc(dispatcher.NotifyFunc())
	}

	agent, err := core.New(&cfg, store, paths, events, clockwork.NewRealClock(), log)
	if err != nil {
		log.Error("Failed to build agent", "error", err)
		return exitFatal
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("Received shutdown signal", "signal", sig.String())
		cancel()

		time.AfterFunc(30*time.Second, func() {
			log.Error("Graceful shutdown timed out, forcing exit")
			os.Exit(exitFatal)
		})
	}()

	ctrl := server.New(":"+strconv.Itoa(cfg.Port), agent, events, paths.CacheDir, log)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return agent.Run(ctx) })
	g.Go(func() error { return ctrl.Run(ctx) })

	err = g.Wait()
	switch {
	case err == nil || errors.Is(err, context.Canceled) || errors.Is(err, core.ErrExitRequest):
		log.Info("Shutdown complete")
		return exitOK
	case errors.Is(err, core.ErrLogin):
		log.Error("Authentication required", "error", err)
		return exitLogin
	case errors.Is(err, core.ErrCaptchaRequired):
		log.Error("Verification challenge required, re-run login interactively", "error", err)
		return exitLogin
	case errors.Is(err, core.ErrWebsocketClosed):
		log.Error("Websocket connectivity lost", "error", err)
		return exitFatal
	default:
		log.Error("Agent failed", "error", err)
		return exitFatal
	}
}
