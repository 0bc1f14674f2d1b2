package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/moonshot/internal/client"
	"github.com/DoyleJ11/moonshot/internal/config"
	"github.com/DoyleJ11/moonshot/internal/simtime"
	"github.com/DoyleJ11/moonshot/internal/wire"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

type botOptions struct {
	envFile  string
	addr     string
	rockets  int
	interval time.Duration
	align    bool
	logLevel string
}

func rootCmd() *cobra.Command {
	var o botOptions

	cmd := &cobra.Command{
		Use:   "moonshot-client",
		Short: "Headless player that fires rockets and logs server turns",
		Long: `Connects to a moonshot server as one player, sends a burst of
ShootRocket actions at a fixed interval and logs every turn it receives
together with the simulation frames due locally.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var paths []string
			if o.envFile != "" {
				paths = append(paths, o.envFile)
			}
			cfg, err := config.Load(paths...)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("addr") {
				cfg.Addr = o.addr
			}
			if flags.Changed("rockets") {
				cfg.ClientRockets = o.rockets
			}
			if flags.Changed("interval") {
				cfg.ClientInterval = o.interval
			}
			if flags.Changed("log-level") {
				cfg.LogLevel = o.logLevel
			}
			return run(cmd.Context(), cfg, o.align)
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.envFile, "env-file", "", "load settings from this file instead of ./.env")
	f.StringVar(&o.addr, "addr", "", "server address")
	f.IntVar(&o.rockets, "rockets", 0, "rockets to fire before idling (0 fires none)")
	f.DurationVar(&o.interval, "interval", 0, "delay between rockets")
	f.BoolVar(&o.align, "align", true, "align the local frame counter to server turn numbers")
	f.StringVar(&o.logLevel, "log-level", "", "debug, info, warn or error")
	return cmd
}

func run(parent context.Context, cfg config.Config, align bool) error {
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

	c, err := client.Dial(ctx, cfg.Addr, client.Options{
		FrameDuration: simtime.DefaultFrameDuration,
		AlignFrames:   align,
		Log:           log,
		OnFrames: func(r simtime.Range) {
			if r.Len() > 1 {
				log.Debug("catching up", zap.Uint32("first", r.First), zap.Uint32("last", r.Last))
			}
		},
	})
	if err != nil {
		return err
	}
	log.Info("connected", zap.String("server", cfg.Addr))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Run(gctx) })
	g.Go(func() error { return fire(gctx, c, cfg.ClientRockets, cfg.ClientInterval, log) })
	g.Go(func() error {
		for turn := range c.Turns() {
			if len(turn.Actions) == 0 {
				continue
			}
			names := make([]string, len(turn.Actions))
			for i, a := range turn.Actions {
				names[i] = wire.ActionName(a)
			}
			due := c.FramesToRun()
			log.Info("turn", zap.Uint32("number", turn.Number), zap.Strings("actions", names),
				zap.Uint32("frame", c.FrameNumber()), zap.Int("frames_due", due.Len()))
		}
		return nil
	})
	return g.Wait()
}

// fire sends n rockets from random origins, one per interval.
func fire(ctx context.Context, c *client.Client, n int, interval time.Duration, log *zap.Logger) error {
	if n <= 0 {
		return nil
	}
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for sent := 0; sent < n; {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			rocket := wire.ShootRocket{
				Origin:    wire.Vec2{X: rand.Float32() * 100, Y: rand.Float32() * 100},
				Direction: wire.Vec2{X: rand.Float32()*2 - 1, Y: rand.Float32()*2 - 1},
			}
			if err := c.Enqueue(rocket); err != nil {
				log.Warn("enqueue failed", zap.Error(err))
				continue
			}
			sent++
		}
	}
	log.Info("all rockets fired", zap.Int("rockets", n))
	return nil
}
