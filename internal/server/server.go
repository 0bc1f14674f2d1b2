package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/DoyleJ11/moonshot/internal/journal"
	"github.com/DoyleJ11/moonshot/internal/metrics"
)

var ErrListen = errors.New("server: listen failed")

const tracerName = "github.com/DoyleJ11/moonshot/internal/server"

type Config struct {
	Addr          string
	Players       int
	TickInterval  time.Duration
	Batch         BatchPolicy
	OutboxSize    int
	WriteTimeout  time.Duration
	ActionsPerSec float64
}

// Publisher receives every framed turn after it is broadcast to players.
type Publisher interface {
	Publish(turn uint32, frame []byte)
}

// Deps are the server's collaborators. Every field is optional.
type Deps struct {
	Log        *zap.Logger
	Metrics    *metrics.Metrics
	Journal    journal.Journal
	Spectators Publisher
	Tracer     trace.Tracer
}

// Status is a point-in-time view of the match for the admin surface.
type Status struct {
	Addr      string `json:"addr"`
	Expected  int    `json:"expected_players"`
	Connected int    `json:"connected_players"`
	Ticking   bool   `json:"ticking"`
	TurnsSent uint64 `json:"turns_sent"`
	NextTurn  uint32 `json:"next_turn"`
}

// Server is the explicit context every tick runs against: the connection
// set, the aggregator and the downstream sinks. Nothing here is global.
type Server struct {
	cfg        Config
	log        *zap.Logger
	metrics    *metrics.Metrics
	journal    journal.Journal
	spectators Publisher
	tracer     trace.Tracer

	mu    sync.Mutex
	conns *Manager
	agg   *Aggregator

	ticking   atomic.Bool
	turnsSent atomic.Uint64
	nextTurn  atomic.Uint32
}

func New(cfg Config, deps Deps) *Server {
	if cfg.Players < 1 {
		cfg.Players = 1
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second / 30
	}
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Server{
		cfg:        cfg,
		log:        log.Named("server"),
		metrics:    deps.Metrics,
		journal:    deps.Journal,
		spectators: deps.Spectators,
		tracer:     tracer,
		agg:        NewAggregator(cfg.Batch, deps.Metrics),
	}
}

// Listen binds the configured address. It is the only process-fatal step.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrListen, err)
	}
	s.conns = NewManager(ln, ManagerConfig{
		OutboxSize:    s.cfg.OutboxSize,
		WriteTimeout:  s.cfg.WriteTimeout,
		ActionsPerSec: s.cfg.ActionsPerSec,
	}, s.log, s.metrics)
	s.cfg.Addr = ln.Addr().String()
	s.log.Info("listening", zap.String("addr", s.cfg.Addr), zap.Int("players", s.cfg.Players))
	return nil
}

// Addr returns the bound address once Listen has succeeded.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Addr
}

// Run waits for the configured number of players, then drives one tick
// per TickInterval until ctx is cancelled or every player has left.
// Shutdown closes all connections without flushing in-flight turns.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	defer func() {
		if err := s.conns.Close(); err != nil {
			s.log.Warn("closing connections", zap.Error(err))
		}
	}()

	s.log.Info("waiting for players", zap.Int("expected", s.cfg.Players))
	if err := s.conns.AcceptUntil(ctx, s.cfg.Players); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	if err := s.conns.StopAccepting(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.Warn("closing listener", zap.Error(err))
	}
	s.log.Info("all players connected, starting turns", zap.Int("players", s.cfg.Players),
		zap.Duration("tick", s.cfg.TickInterval))

	s.ticking.Store(true)
	defer s.ticking.Store(false)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("shutting down", zap.Uint64("turns_sent", s.turnsSent.Load()))
			return nil
		case <-ticker.C:
			s.Tick(ctx)
			if s.conns.Len() == 0 {
				s.log.Info("all players left, ending match")
				return nil
			}
		}
	}
}

// Tick runs the per-tick pipeline in a fixed order: collect actions left by
// departed connections and then from every held one, flush a turn,
// broadcast it, then record it.
func (s *Server) Tick(ctx context.Context) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "server.tick")
	defer func() {
		span.End()
		s.metrics.ObserveTick(time.Since(start).Seconds())
	}()

	collected := Collect(s.agg, []*Manager{s.conns})
	collected += Collect(s.agg, s.conns.Conns())

	turn, ok := s.agg.Flush()
	s.nextTurn.Store(s.agg.NextTurn())
	span.SetAttributes(attribute.Int("moonshot.actions_collected", collected))
	if !ok {
		return
	}

	f, delivered, err := s.conns.Broadcast(turn)
	if err != nil {
		// Unreachable while the aggregator caps turn size, but a turn
		// that cannot be encoded must never take the process down.
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.log.Error("dropping unencodable turn", zap.Uint32("turn", turn.Number), zap.Error(err))
		return
	}
	s.turnsSent.Add(1)
	s.metrics.TurnSent(len(turn.Actions), len(f))
	span.SetAttributes(
		attribute.Int64("moonshot.turn", int64(turn.Number)),
		attribute.Int("moonshot.turn_actions", len(turn.Actions)),
		attribute.Int("moonshot.recipients", delivered),
	)
	if len(turn.Actions) > 0 {
		s.log.Debug("turn broadcast", zap.Uint32("turn", turn.Number),
			zap.Int("actions", len(turn.Actions)), zap.Int("recipients", delivered))
	}

	if s.spectators != nil {
		s.spectators.Publish(turn.Number, f)
	}
	if s.journal != nil {
		if err := s.journal.Append(ctx, turn); err != nil {
			s.metrics.JournalFailed()
			s.log.Warn("journal append failed", zap.Uint32("turn", turn.Number), zap.Error(err))
		}
	}
}

func (s *Server) Status() Status {
	st := Status{
		Addr:      s.Addr(),
		Expected:  s.cfg.Players,
		Ticking:   s.ticking.Load(),
		TurnsSent: s.turnsSent.Load(),
		NextTurn:  s.nextTurn.Load(),
	}
	s.mu.Lock()
	conns := s.conns
	s.mu.Unlock()
	if conns != nil {
		st.Connected = conns.Len()
	}
	return st
}
