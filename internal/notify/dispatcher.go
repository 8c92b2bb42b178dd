// Package notify turns committed ticket events into email. It holds the
// in-process event dispatcher, the notifier that resolves recipients and
// renders templates, the SMTP mailer, the failed-dispatch sinks, and the
// retrier that re-sends stored failures.
//
// Nothing in this package can undo a ticket write: every failure is logged,
// counted, and stored for a later retry.
package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/tbourn/go-care-backend/internal/domain"
)

// Handler reacts to a ticket event.
type Handler func(ctx context.Context, ev domain.TicketEvent) error

// Dispatcher fans ticket events out to subscribed handlers. With async set,
// Publish returns at once and handlers run on their own goroutine, detached
// from the caller's cancellation.
type Dispatcher struct {
	mu        sync.RWMutex
	listeners map[string][]Handler
	async     bool
	wg        sync.WaitGroup
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher(async bool) *Dispatcher {
	return &Dispatcher{listeners: make(map[string][]Handler), async: async}
}

// Subscribe registers h for events named name.
func (d *Dispatcher) Subscribe(name string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners[name] = append(d.listeners[name], h)
}

// Publish runs every handler subscribed to ev.Name. In synchronous mode the
// handler errors are joined and returned; one failing handler never stops
// the others.
func (d *Dispatcher) Publish(ctx context.Context, ev domain.TicketEvent) error {
	d.mu.RLock()
	handlers := append([]Handler{}, d.listeners[ev.Name]...)
	d.mu.RUnlock()
	if len(handlers) == 0 {
		return nil
	}

	if d.async {
		ctx = context.WithoutCancel(ctx)
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			_ = run(ctx, handlers, ev)
		}()
		return nil
	}
	return run(ctx, handlers, ev)
}

// Wait blocks until every asynchronous publish has finished.
func (d *Dispatcher) Wait() { d.wg.Wait() }

func run(ctx context.Context, handlers []Handler, ev domain.TicketEvent) error {
	var errs []error
	for _, h := range handlers {
		if err := h(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
