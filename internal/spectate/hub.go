// Package spectate fans broadcast turn frames out to read-only spectators.
package spectate

import (
	"context"

	"go.uber.org/zap"
)

type Msg interface{ isSpectateMsg() }

// Join registers a spectator. Outbox receives framed turns and is closed
// when the spectator is dropped or the hub shuts down.
type Join struct {
	ID     string
	Outbox chan []byte
}

func (Join) isSpectateMsg() {}

type Leave struct{ ID string }

func (Leave) isSpectateMsg() {}

// Publish carries one framed turn exactly as it was sent to players.
type Publish struct {
	Turn  uint32
	Frame []byte
}

func (Publish) isSpectateMsg() {}

type Shutdown struct{}

func (Shutdown) isSpectateMsg() {}

type GetState struct {
	Reply chan View
}

func (GetState) isSpectateMsg() {}

type View struct {
	Spectators int
	LastTurn   uint32
	Published  int
}

type Hub struct {
	inbox      chan Msg
	spectators map[string]chan []byte
	last       []byte
	lastTurn   uint32
	published  int
	onCount    func(int)
	log        *zap.Logger
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewHub starts the hub loop. onCount, if set, is called with the number
// of spectators whenever it changes.
func NewHub(parent context.Context, log *zap.Logger, onCount func(int)) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)

	h := &Hub{
		inbox:      make(chan Msg, 64),
		spectators: make(map[string]chan []byte),
		onCount:    onCount,
		log:        log.Named("spectate"),
		ctx:        ctx,
		cancel:     cancel,
	}

	go h.loop()
	return h
}

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case Join:
				h.spectators[msg.ID] = msg.Outbox
				// Late joiners start from the most recent turn.
				if h.last != nil {
					h.send(msg.ID, msg.Outbox, h.last)
				}
				h.countChanged()
				h.log.Info("spectator joined", zap.String("id", msg.ID))

			case Leave:
				if _, ok := h.spectators[msg.ID]; ok {
					delete(h.spectators, msg.ID)
					h.countChanged()
				}

			case Publish:
				h.last = msg.Frame
				h.lastTurn = msg.Turn
				h.published++
				for id, ch := range h.spectators {
					h.send(id, ch, msg.Frame)
				}

			case GetState:
				msg.Reply <- View{
					Spectators: len(h.spectators),
					LastTurn:   h.lastTurn,
					Published:  h.published,
				}

			case Shutdown:
				h.shutdown()
				return
			}
		}
	}
}

// send never blocks the hub: a spectator whose outbox is full is dropped.
func (h *Hub) send(id string, ch chan []byte, frame []byte) {
	select {
	case ch <- frame:
	default:
		close(ch)
		delete(h.spectators, id)
		h.countChanged()
		h.log.Warn("dropping slow spectator", zap.String("id", id))
	}
}

func (h *Hub) countChanged() {
	if h.onCount != nil {
		h.onCount(len(h.spectators))
	}
}

func (h *Hub) shutdown() {
	for id, ch := range h.spectators {
		close(ch)
		delete(h.spectators, id)
	}
	h.countChanged()
	h.cancel()
}

// Publish hands a framed turn to the hub without waiting on spectators.
// The frame is dropped if the hub's inbox is saturated or it has stopped.
func (h *Hub) Publish(turn uint32, frame []byte) {
	select {
	case h.inbox <- Publish{Turn: turn, Frame: frame}:
	case <-h.ctx.Done():
	default:
		h.log.Warn("spectator hub saturated, skipping turn", zap.Uint32("turn", turn))
	}
}

// Inbox exposes the hub's message channel to the HTTP layer and tests.
func (h *Hub) Inbox() chan<- Msg { return h.inbox }

// Done is closed once the hub has stopped.
func (h *Hub) Done() <-chan struct{} { return h.ctx.Done() }
