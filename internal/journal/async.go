package journal

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/moonshot/internal/wire"
)

var ErrBacklogFull = errors.New("journal: write backlog full")

// Async moves journal writes off the tick path. Append only queues the
// turn; a background goroutine writes to the underlying journal.
type Async struct {
	next    Journal
	log     *zap.Logger
	timeout time.Duration
	queue   chan wire.ServerTurn

	closeOnce sync.Once
	done      chan struct{}
}

// NewAsync starts the writer. Each write to next gets timeout (zero means
// no limit).
func NewAsync(next Journal, backlog int, timeout time.Duration, log *zap.Logger) *Async {
	if log == nil {
		log = zap.NewNop()
	}
	if backlog < 1 {
		backlog = 1
	}
	a := &Async{
		next:    next,
		log:     log.Named("journal"),
		timeout: timeout,
		queue:   make(chan wire.ServerTurn, backlog),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for turn := range a.queue {
		ctx := context.Background()
		var cancel context.CancelFunc = func() {}
		if a.timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, a.timeout)
		}
		if err := a.next.Append(ctx, turn); err != nil {
			a.log.Warn("write failed", zap.Uint32("turn", turn.Number), zap.Error(err))
		}
		cancel()
	}
}

// Append queues turn without blocking. It fails with ErrBacklogFull when
// the writer has fallen behind.
func (a *Async) Append(_ context.Context, turn wire.ServerTurn) error {
	select {
	case a.queue <- turn:
		return nil
	default:
		return ErrBacklogFull
	}
}

func (a *Async) Range(ctx context.Context, from, to uint32) ([]wire.ServerTurn, error) {
	return a.next.Range(ctx, from, to)
}

// Close flushes queued turns and closes the underlying journal. Append
// must not be called after Close.
func (a *Async) Close() error {
	a.closeOnce.Do(func() { close(a.queue) })
	<-a.done
	return a.next.Close()
}
