package app

import (
	"context"
	"reflect"
	"strings"
	"time"

	"cadence/internal/config"
	"cadence/internal/observability"
	"cadence/internal/poller"
	"cadence/pkg/logx"
)

// reloadLoop applies committed configs. Bursts are coalesced so only the
// latest one is applied.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogging(next.Logging))

	if pc, err := poller.ConfigFrom(next.Poller); err != nil {
		a.log.Warn("invalid poller config; keeping previous", logx.Err(err))
	} else {
		a.poll.Apply(pc)
	}

	a.applyNotifier(ctx, prev, next)

	if oc, err := observability.ServerConfigFrom(next.Observability); err != nil {
		a.log.Warn("invalid observability config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(ctx, oc)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) applyNotifier(ctx context.Context, prev, next *config.Config) {
	ncfg, err := mapNotifierConfig(next)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		return
	}
	wasEnabled := a.notif.Enabled()

	// A new destination needs fresh workers.
	sinkChanged := !reflect.DeepEqual(telegramOf(prev), telegramOf(next))
	if sinkChanged && wasEnabled {
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	}
	if sinkChanged {
		sink, err := newSink(next, a.log)
		if err != nil {
			a.log.Warn("invalid telegram sink; notifier disabled", logx.Err(err))
		}
		a.notif.SetSink(sink)
	}
	a.notif.Apply(ncfg)

	nowEnabled := a.notif.Enabled()
	switch {
	case wasEnabled && !nowEnabled:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case nowEnabled && (!wasEnabled || sinkChanged):
		a.log.Info("notifier enabled via config")
		a.notif.Start(context.WithoutCancel(ctx))
	}
}

func telegramOf(cfg *config.Config) config.TelegramConfig {
	if cfg == nil || cfg.Notifier == nil || !cfg.Notifier.Enabled {
		return config.TelegramConfig{}
	}
	return cfg.Notifier.Telegram
}
