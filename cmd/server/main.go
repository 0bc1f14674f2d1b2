package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/moonshot/internal/config"
	"github.com/DoyleJ11/moonshot/internal/httpapi"
	"github.com/DoyleJ11/moonshot/internal/journal"
	"github.com/DoyleJ11/moonshot/internal/metrics"
	"github.com/DoyleJ11/moonshot/internal/server"
	"github.com/DoyleJ11/moonshot/internal/spectate"
)

const (
	journalBacklog      = 1024
	journalWriteTimeout = 2 * time.Second
	writeTimeout        = 5 * time.Second
	shutdownGrace       = 5 * time.Second
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var envFile string
	var overrides config.Config

	cmd := &cobra.Command{
		Use:   "moonshot-server",
		Short: "Authoritative turn server for moonshot matches",
		Long: `Waits for the configured number of players, then batches their
actions into numbered turns and broadcasts every turn to all of them.

Settings come from MOONSHOT_* environment variables (optionally loaded
from a .env file); flags override them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var paths []string
			if envFile != "" {
				paths = append(paths, envFile)
			}
			cfg, err := config.Load(paths...)
			if err != nil {
				return err
			}
			applyFlags(cmd, &cfg, overrides)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&envFile, "env-file", "", "load settings from this file instead of ./.env")
	f.StringVar(&overrides.Addr, "addr", "", "game listen address")
	f.IntVar(&overrides.Players, "players", 0, "players to wait for before the first turn")
	f.IntVar(&overrides.TickRate, "tick-rate", 0, "turns per second")
	f.IntVar(&overrides.MinBatch, "min-batch", 0, "hold turns back until this many actions are buffered")
	f.BoolVar(&overrides.ElideEmpty, "elide-empty", false, "skip turns with no actions")
	f.Float64Var(&overrides.ActionsPerSec, "actions-per-sec", 0, "per-player action rate limit (0 disables)")
	f.StringVar(&overrides.AdminAddr, "admin-addr", "", "admin HTTP address for health, status, metrics and spectators")
	f.StringVar(&overrides.DatabaseURL, "database-url", "", "turn journal: Postgres DSN or sqlite:<path> (memory when empty)")
	f.StringVar(&overrides.LogLevel, "log-level", "", "debug, info, warn or error")
	f.StringVar(&overrides.LogFormat, "log-format", "", "console or json")
	return cmd
}

func applyFlags(cmd *cobra.Command, cfg *config.Config, o config.Config) {
	changed := cmd.Flags().Changed
	if changed("addr") {
		cfg.Addr = o.Addr
	}
	if changed("players") {
		cfg.Players = o.Players
	}
	if changed("tick-rate") {
		cfg.TickRate = o.TickRate
	}
	if changed("min-batch") {
		cfg.MinBatch = o.MinBatch
	}
	if changed("elide-empty") {
		cfg.ElideEmpty = o.ElideEmpty
	}
	if changed("actions-per-sec") {
		cfg.ActionsPerSec = o.ActionsPerSec
	}
	if changed("admin-addr") {
		cfg.AdminAddr = o.AdminAddr
	}
	if changed("database-url") {
		cfg.DatabaseURL = o.DatabaseURL
	}
	if changed("log-level") {
		cfg.LogLevel = o.LogLevel
	}
	if changed("log-format") {
		cfg.LogFormat = o.LogFormat
	}
}

func run(parent context.Context, cfg config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	log, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	store, err := openJournal(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("closing journal", zap.Error(err))
		}
	}()

	hub := spectate.NewHub(ctx, log, m.SetSpectators)

	srv := server.New(server.Config{
		Addr:         cfg.Addr,
		Players:      cfg.Players,
		TickInterval: cfg.TickInterval(),
		Batch: server.BatchPolicy{
			MinBatch:   cfg.MinBatch,
			ElideEmpty: cfg.ElideEmpty,
		},
		OutboxSize:    cfg.OutboxSize,
		WriteTimeout:  writeTimeout,
		ActionsPerSec: cfg.ActionsPerSec,
	}, server.Deps{
		Log:        log,
		Metrics:    m,
		Journal:    store,
		Spectators: hub,
	})
	if err := srv.Listen(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	matchDone := make(chan struct{})
	g.Go(func() error {
		defer close(matchDone)
		return srv.Run(gctx)
	})

	if cfg.AdminAddr != "" {
		admin := &http.Server{
			Addr: cfg.AdminAddr,
			Handler: httpapi.SetupRoutes(httpapi.Deps{
				Status:     srv.Status,
				Journal:    store,
				Spectators: hub,
				Gatherer:   reg,
				Log:        log,
			}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info("admin listening", zap.String("addr", cfg.AdminAddr))
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin http: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			// The admin surface lives as long as the match.
			select {
			case <-gctx.Done():
			case <-matchDone:
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			return admin.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	select {
	case hub.Inbox() <- spectate.Shutdown{}:
	case <-hub.Done():
	}
	log.Info("server stopped", zap.Uint64("turns_sent", srv.Status().TurnsSent))
	return err
}

// openJournal picks a SQL store when a database URL is configured and
// memory otherwise.
// Either way writes go through an async buffer so a slow store never holds
// up a tick.
func openJournal(ctx context.Context, cfg config.Config, log *zap.Logger) (journal.Journal, error) {
	var next journal.Journal
	if cfg.DatabaseURL == "" {
		next = journal.NewMemory()
	} else {
		store, err := journal.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		log.Info("journaling turns to database")
		next = store
	}
	return journal.NewAsync(next, journalBacklog, journalWriteTimeout, log), nil
}
