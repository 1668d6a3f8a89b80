package subscribers

import (
	"github.com/redis/go-redis/v9"

	"cadence/internal/eventbus"
	"cadence/internal/storage"
	"cadence/pkg/logx"
)

// Deps are the collaborators of the standard subscriber set.
type Deps struct {
	Store storage.Store
	Rules Evaluator
	// Alerts nil skips the Notification subscriber.
	Alerts Alerter
	// Redis nil skips the Realtime subscriber.
	Redis          redis.UniversalClient
	RealtimePrefix string
	QueueSize      int
	Log            logx.Logger
}

// Register subscribes the standard set on bus. Subscribers that touch the
// store or the network are wrapped in eventbus.Async; the returned queues
// must be Run by the caller.
func Register(bus eventbus.Bus, d Deps) []*eventbus.Async {
	log := d.Log
	var queues []*eventbus.Async
	async := func(name string, h eventbus.Handler, kinds ...eventbus.Kind) {
		q := eventbus.NewAsync(name, h, d.QueueSize, log)
		bus.Subscribe(name, q.Handle, kinds...)
		queues = append(queues, q)
	}

	bus.Subscribe("logging", NewLogging(log).Handle)
	async("audit", NewAudit(d.Store).Handle)
	async("account_status", NewAccountStatus(d.Store, log).Handle, eventbus.AccountExpired)
	async("recycling", NewRecycling(d.Store, bus, log).Handle, eventbus.PostPublished)
	if d.Rules != nil {
		async("rule_trigger", NewRuleTrigger(d.Store, d.Rules, log).Handle, eventbus.PostPublished, eventbus.PostFailed)
	}
	if d.Alerts != nil {
		bus.Subscribe("notification", NewNotification(d.Alerts).Handle, eventbus.PostFailed, eventbus.AccountExpired)
	}
	if d.Redis != nil {
		async("realtime", NewRealtime(d.Redis, d.RealtimePrefix).Handle, RealtimeKinds()...)
	}
	return queues
}
