package server

import (
	"github.com/DoyleJ11/moonshot/internal/metrics"
	"github.com/DoyleJ11/moonshot/internal/wire"
)

// BatchPolicy decides when the turn in progress is flushed.
type BatchPolicy struct {
	// MinBatch holds actions back until at least this many are buffered.
	// Zero flushes every tick.
	MinBatch int
	// ElideEmpty skips turns with no actions. Lockstep clients that wait
	// for every turn should leave this off.
	ElideEmpty bool
}

// ActionSource is anything the aggregator can drain decoded actions from.
type ActionSource interface {
	TakeActions() []wire.PlayerAction
}

// Aggregator batches decoded actions from every connection into turns.
// It is owned by the tick loop and is not safe for concurrent use.
type Aggregator struct {
	policy  BatchPolicy
	metrics *metrics.Metrics
	pending []wire.PlayerAction
	next    uint32
}

func NewAggregator(policy BatchPolicy, m *metrics.Metrics) *Aggregator {
	return &Aggregator{policy: policy, metrics: m}
}

// Collect appends every source's actions to the turn in progress. Sources
// are visited in the order given; within a source actions keep their
// arrival order. It returns the number of actions collected.
func Collect[S ActionSource](a *Aggregator, sources []S) int {
	n := 0
	for _, s := range sources {
		actions := s.TakeActions()
		for _, act := range actions {
			a.metrics.ActionAccepted(wire.ActionName(act))
		}
		a.pending = append(a.pending, actions...)
		n += len(actions)
	}
	return n
}

// Add appends actions to the turn in progress directly.
func (a *Aggregator) Add(actions ...wire.PlayerAction) {
	a.pending = append(a.pending, actions...)
}

// Pending reports how many actions are waiting for a turn.
func (a *Aggregator) Pending() int { return len(a.pending) }

// NextTurn is the number the next flushed turn will carry.
func (a *Aggregator) NextTurn() uint32 { return a.next }

// Flush builds the next turn from the buffered actions. ok is false when
// the batch policy holds the turn back. A turn never carries more than
// wire.MaxTurnActions; any excess stays buffered for the next flush.
func (a *Aggregator) Flush() (turn wire.ServerTurn, ok bool) {
	if len(a.pending) < a.policy.MinBatch {
		return wire.ServerTurn{}, false
	}
	if len(a.pending) == 0 && a.policy.ElideEmpty {
		a.metrics.TurnElided()
		return wire.ServerTurn{}, false
	}

	take := min(len(a.pending), wire.MaxTurnActions)
	turn = wire.ServerTurn{Number: a.next}
	if take > 0 {
		turn.Actions = make([]wire.PlayerAction, take)
		copy(turn.Actions, a.pending[:take])
	}
	rest := len(a.pending) - take
	if rest == 0 {
		a.pending = a.pending[:0]
	} else {
		a.pending = append(a.pending[:0], a.pending[take:]...)
	}
	a.next++
	return turn, true
}
