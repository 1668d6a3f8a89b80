package eventbus

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"cadence/pkg/logx"
)

// Handler reacts to one event. Returned errors are logged by the bus and never
// reach the publisher or sibling handlers.
type Handler func(ctx context.Context, e Event) error

// Bus is an in-process publish/subscribe channel.
//
// Contract:
//   - Publish delivers synchronously, in registration order, on the caller's
//     goroutine.
//   - A failing or panicking handler is isolated: it is logged and the
//     remaining handlers still run.
//   - Handlers that do I/O should be wrapped with NewAsync.
type Bus interface {
	Publish(ctx context.Context, e Event)
	// Subscribe registers h for the given kinds, or for every kind when none
	// are given. The returned func unregisters it.
	Subscribe(name string, h Handler, kinds ...Kind) (unsubscribe func())
}

// Recorder observes dispatch outcomes. The metrics layer implements it.
type Recorder interface {
	EventPublished(kind string)
	HandlerFailed(kind, handler string)
}

type Option func(*memBus)

func WithLogger(log logx.Logger) Option { return func(b *memBus) { b.log = log } }

func WithRecorder(r Recorder) Option { return func(b *memBus) { b.rec = r } }

// New returns a synchronous in-memory bus. It owns no goroutines.
func New(opts ...Option) Bus {
	b := &memBus{}
	for _, o := range opts {
		o(b)
	}
	return b
}

type subscription struct {
	id    uint64
	name  string
	kinds map[Kind]struct{} // nil means all
	h     Handler
}

type memBus struct {
	mu   sync.RWMutex
	subs []subscription
	seq  atomic.Uint64
	log  logx.Logger
	rec  Recorder
}

func (b *memBus) Subscribe(name string, h Handler, kinds ...Kind) func() {
	if h == nil {
		return func() {}
	}
	s := subscription{id: b.seq.Add(1), name: name, h: h}
	if len(kinds) > 0 {
		s.kinds = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i := range b.subs {
				if b.subs[i].id == s.id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (b *memBus) Publish(ctx context.Context, e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	// Snapshot so handlers may publish or subscribe re-entrantly.
	b.mu.RLock()
	subs := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.kinds == nil {
			subs = append(subs, s)
			continue
		}
		if _, ok := s.kinds[e.Kind]; ok {
			subs = append(subs, s)
		}
	}
	b.mu.RUnlock()

	if b.rec != nil {
		b.rec.EventPublished(string(e.Kind))
	}
	for _, s := range subs {
		if err := b.dispatch(ctx, s, e); err != nil {
			b.log.Warn("event handler failed",
				logx.String("handler", s.name),
				logx.String("kind", string(e.Kind)),
				logx.String("entity_id", e.EntityID()),
				logx.Err(err),
			)
			if b.rec != nil {
				b.rec.HandlerFailed(string(e.Kind), s.name)
			}
		}
	}
}

func (b *memBus) dispatch(ctx context.Context, s subscription, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			b.log.Error("event handler panicked", logx.String("handler", s.name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return s.h(ctx, e)
}
