// netserver runs the demo chat room on top of the packetnet server: ping
// replies, nickname login, chat broadcast and echo of anything else.
//
// Settings come from an optional TOML file; flags given on the command line
// override it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pterm/pterm"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/skshohagmiah/packetnet/internal/config"
	"github.com/skshohagmiah/packetnet/internal/demo"
	"github.com/skshohagmiah/packetnet/internal/logging"
	"github.com/skshohagmiah/packetnet/internal/monitor"
	"github.com/skshohagmiah/packetnet/internal/statstore"
	"github.com/skshohagmiah/packetnet/pkg/server"
)

var (
	configPath  = flag.String("config", "", "TOML configuration file")
	port        = flag.Int("port", demo.DefaultPort, "Listen port")
	maxSessions = flag.Int("max-sessions", 2000, "Session pool capacity")
	backlog     = flag.Int("backlog", 2, "Listen backlog")
	idleTimeout = flag.Duration("idle-timeout", 60*time.Second, "Disconnect sessions idle for longer than this")
	statsPath   = flag.String("stats-path", "", "BadgerDB directory for the stats journal (empty disables)")
	monitorAddr = flag.String("monitor", "", "HTTP address for /stats and /ws (empty disables)")
	logLevel    = flag.String("log-level", "info", "Log level")
	logFormat   = flag.String("log-format", "console", "Log format: console or json")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "netserver: %v\n", err)
		os.Exit(1)
	}

	logCfg := logging.DefaultConfig("netserver")
	logCfg.Level = cfg.LogLevel
	logCfg.Format = cfg.LogFormat
	logger := logging.New(logCfg)

	printBanner(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("netserver stopped")
		os.Exit(1)
	}
	logger.Info().Msg("netserver stopped")
}

// loadConfig applies explicitly set flags on top of the file or defaults.
func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return cfg, err
		}
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = *port
		case "max-sessions":
			cfg.MaxSessions = *maxSessions
		case "backlog":
			cfg.Backlog = *backlog
		case "idle-timeout":
			cfg.IdleTimeout = *idleTimeout
		case "stats-path":
			cfg.StatsPath = *statsPath
		case "monitor":
			cfg.MonitorAddr = *monitorAddr
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-format":
			cfg.LogFormat = *logFormat
		}
	})
	return cfg, cfg.Validate()
}

func printBanner(cfg config.Config) {
	pterm.DefaultHeader.Println("packetnet chat server")
	pterm.DefaultTable.WithData(pterm.TableData{
		{"Port", fmt.Sprint(cfg.Port)},
		{"Max sessions", fmt.Sprint(cfg.MaxSessions)},
		{"Idle timeout", cfg.IdleTimeout.String()},
		{"Stats journal", orDisabled(cfg.StatsPath)},
		{"Monitor", orDisabled(cfg.MonitorAddr)},
	}).Render()
	pterm.Println()
}

func orDisabled(s string) string {
	if s == "" {
		return "disabled"
	}
	return s
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	room := demo.NewRoom(logging.Component(logger, "room"))
	srv := server.New(room,
		server.WithLogger(logging.Component(logger, "server")),
		server.WithMinIdleTimeout(cfg.MinIdleTimeout),
		server.WithWriteTimeout(cfg.WriteTimeout),
	)
	room.Attach(srv)
	srv.SetIdleTimeout(cfg.IdleTimeout)

	var journal *statstore.Store
	if cfg.StatsPath != "" {
		var err error
		if journal, err = statstore.Open(cfg.StatsPath); err != nil {
			return err
		}
		defer journal.Close()
	}

	if err := srv.Start(cfg.Port, cfg.MaxSessions, cfg.Backlog); err != nil {
		return fmt.Errorf("start server on port %d: %w", cfg.Port, err)
	}
	logger.Info().Int("port", cfg.Port).Msg("listening")

	sweeper := server.NewIdleSweeper(srv, cfg.SweepInterval, logging.Component(logger, "sweeper"))
	sweeper.Start()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		sweeper.Stop()
		srv.Stop()
		return nil
	})

	rep := &reporter{
		stats:    srv.Statistics(),
		runID:    uuid.NewString(),
		interval: cfg.StatsInterval,
		log:      logging.Component(logger, "stats"),
	}
	if journal != nil {
		rep.journal = journal
		logger.Info().Str("run", rep.runID).Str("path", cfg.StatsPath).Msg("journaling statistics")
	}
	g.Go(func() error { return rep.run(ctx) })

	if cfg.MonitorAddr != "" {
		mon := monitor.New(srv.Statistics().Snapshot,
			monitor.WithLogger(logging.Component(logger, "monitor")),
		)
		g.Go(func() error { return mon.ListenAndServe(ctx, cfg.MonitorAddr) })
	}

	return g.Wait()
}
