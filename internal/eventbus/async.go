package eventbus

import (
	"context"
	"sync/atomic"
	"time"

	"cadence/pkg/logx"
)

// Async decouples a slow handler from the publisher with a bounded queue.
// Handle never blocks: when the queue is full the event is dropped and counted.
// Run drains the queue and must be started by the owner (usually under the
// supervisor).
type Async struct {
	name    string
	h       Handler
	q       chan Event
	log     logx.Logger
	dropped atomic.Uint64
	lastLog atomic.Int64 // unix nanos of the last drop warning
}

func NewAsync(name string, h Handler, size int, log logx.Logger) *Async {
	if size <= 0 {
		size = 256
	}
	return &Async{name: name, h: h, q: make(chan Event, size), log: log.With(logx.String("handler", name))}
}

func (a *Async) Name() string { return a.name }

// Handle enqueues e. It matches the Handler signature so an Async can be
// subscribed directly.
func (a *Async) Handle(_ context.Context, e Event) error {
	select {
	case a.q <- e:
	default:
		n := a.dropped.Add(1)
		now := time.Now().UnixNano()
		if last := a.lastLog.Load(); now-last > int64(10*time.Second) && a.lastLog.CompareAndSwap(last, now) {
			a.log.Warn("async handler queue full; dropping events", logx.Uint64("dropped_total", n), logx.Int("queue_cap", cap(a.q)))
		}
	}
	return nil
}

// Dropped reports how many events were discarded because the queue was full.
func (a *Async) Dropped() uint64 { return a.dropped.Load() }

// Run consumes the queue until ctx is done, then drains what is left with a
// short grace period.
func (a *Async) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			for {
				select {
				case e := <-a.q:
					a.handle(dctx, e)
				default:
					return nil
				}
			}
		case e := <-a.q:
			a.handle(ctx, e)
		}
	}
}

func (a *Async) handle(ctx context.Context, e Event) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("async handler panicked", logx.String("kind", string(e.Kind)), logx.Any("panic", r))
		}
	}()
	if err := a.h(ctx, e); err != nil {
		a.log.Warn("async handler failed", logx.String("kind", string(e.Kind)), logx.String("entity_id", e.EntityID()), logx.Err(err))
	}
}
