// Package journal records every broadcast turn so a match can be replayed
// or inspected after the fact.
package journal

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/DoyleJ11/moonshot/internal/wire"
)

var ErrClosed = errors.New("journal: closed")

// Journal is an append-only log of broadcast turns keyed by turn number.
type Journal interface {
	Append(ctx context.Context, turn wire.ServerTurn) error
	// Range returns the recorded turns numbered from..to inclusive, ascending.
	Range(ctx context.Context, from, to uint32) ([]wire.ServerTurn, error)
	Close() error
}

// Memory keeps the journal in process memory.
type Memory struct {
	mu     sync.RWMutex
	turns  map[uint32]wire.ServerTurn
	closed bool
}

func NewMemory() *Memory {
	return &Memory{turns: make(map[uint32]wire.ServerTurn)}
}

func (m *Memory) Append(_ context.Context, turn wire.ServerTurn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.turns[turn.Number] = turn
	return nil
}

func (m *Memory) Range(_ context.Context, from, to uint32) ([]wire.ServerTurn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []wire.ServerTurn
	for n, t := range m.turns {
		if n >= from && n <= to {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

// Len reports how many turns are recorded.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.turns)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
