package relay

import (
	"context"
	"errors"
	"sync"

	"github.com/comigor/relay-go/internal/logger"
)

// Handler processes one inbound event.
type Handler interface {
	Handle(ctx context.Context, in Inbound) error
}

type queuedEvent struct {
	ctx context.Context
	in  Inbound
}

// lane is the FIFO of one conversation. At most one goroutine drains it.
type lane struct {
	pending []queuedEvent
}

// Dispatcher runs events of the same conversation one after another, in
// arrival order, while different conversations proceed concurrently.
type Dispatcher struct {
	handler Handler

	mu    sync.Mutex
	lanes map[string]*lane
	wg    sync.WaitGroup
}

// NewDispatcher creates a Dispatcher delivering events to h.
func NewDispatcher(h Handler) *Dispatcher {
	return &Dispatcher{
		handler: h,
		lanes:   make(map[string]*lane),
	}
}

// Dispatch queues in on its conversation's lane and returns immediately.
// ctx is the context the event is handled with.
func (d *Dispatcher) Dispatch(ctx context.Context, in Inbound) {
	d.mu.Lock()
	defer d.mu.Unlock()

	l, running := d.lanes[in.ConversationID]
	if !running {
		l = &lane{}
		d.lanes[in.ConversationID] = l
	}
	l.pending = append(l.pending, queuedEvent{ctx: ctx, in: in})
	if !running {
		d.wg.Add(1)
		go d.drain(in.ConversationID, l)
	}
}

// pending returns the number of queued events for a conversation, including
// the one being handled.
func (d *Dispatcher) pending(conversationID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if l, ok := d.lanes[conversationID]; ok {
		return len(l.pending)
	}
	return 0
}

// Wait blocks until every queued event has been handled.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) drain(conversationID string, l *lane) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if len(l.pending) == 0 {
			delete(d.lanes, conversationID)
			d.mu.Unlock()
			return
		}
		ev := l.pending[0]
		d.mu.Unlock()

		d.handle(ev)

		d.mu.Lock()
		l.pending = l.pending[1:]
		d.mu.Unlock()
	}
}

func (d *Dispatcher) handle(ev queuedEvent) {
	defer func() {
		if r := recover(); r != nil {
			logger.L.Error("panic while handling event", "conversation", ev.in.ConversationID, "event", ev.in.EventID, "panic", r)
		}
	}()

	err := d.handler.Handle(ev.ctx, ev.in)
	switch {
	case err == nil:
	case errors.Is(err, ErrIgnored):
		logger.L.Debug("event ignored", "event", ev.in.EventID)
	default:
		logger.L.Warn("event answered with apology", "conversation", ev.in.ConversationID, "event", ev.in.EventID, "error", err)
	}
}
