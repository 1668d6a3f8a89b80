package config

import (
	"reflect"
	"strings"

	"cadence/pkg/logx"
)

// SummarizeChange reports which sections changed between two configs, safe
// log fields describing the new values (never secrets), and the changed
// sections that only take effect after a restart.
func SummarizeChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Poller, newCfg.Poller) {
		changed = append(changed, "poller")
		attrs = append(attrs,
			logx.Bool("poller.enabled", newCfg.Poller.IsEnabled()),
			logx.String("poller.interval", strings.TrimSpace(newCfg.Poller.Interval)),
			logx.Int("poller.concurrency", newCfg.Poller.Concurrency),
			logx.Int("poller.batch_limit", newCfg.Poller.BatchLimit),
		)
	}
	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		n := newCfg.Notifier
		attrs = append(attrs, logx.Bool("notifier.enabled", n != nil && n.Enabled))
		if n != nil {
			attrs = append(attrs,
				logx.Int("notifier.workers", n.Workers),
				logx.Int("notifier.rate_per_sec", n.RatePerSec),
				logx.Bool("notifier.telegram_token_set", strings.TrimSpace(n.Telegram.Token) != ""),
			)
		}
	}

	if !reflect.DeepEqual(oldCfg.Observability, newCfg.Observability) {
		changed = append(changed, "observability")
		o := newCfg.Observability
		attrs = append(attrs,
			logx.Bool("observability.enabled", o.Enabled),
			logx.String("observability.addr", strings.TrimSpace(o.Addr)),
			logx.Bool("observability.pprof", o.Pprof),
			logx.Bool("observability.token_set", strings.TrimSpace(o.Token) != ""),
		)
	}

	restartOnly := []struct {
		name string
		a, b any
	}{
		{"storage", oldCfg.Storage, newCfg.Storage},
		{"encryption", oldCfg.Encryption, newCfg.Encryption},
		{"processor", oldCfg.Processor, newCfg.Processor},
		{"retry", oldCfg.Retry, newCfg.Retry},
		{"quota", oldCfg.Quota, newCfg.Quota},
		{"publishers", oldCfg.Publishers, newCfg.Publishers},
		{"realtime", oldCfg.Realtime, newCfg.Realtime},
	}
	for _, s := range restartOnly {
		if !reflect.DeepEqual(s.a, s.b) {
			changed = append(changed, s.name)
			restart = append(restart, s.name)
		}
	}
	return changed, attrs, restart
}
