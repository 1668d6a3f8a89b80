package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate performs static checks that need no I/O.
func (c *Config) Validate() error {
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	dur("storage.busy_timeout", c.Storage.BusyTimeout)
	dur("poller.interval", c.Poller.Interval)
	dur("poller.reclaim_after", c.Poller.ReclaimAfter)
	dur("poller.reclaim_every", c.Poller.ReclaimEvery)
	dur("processor.publish_timeout", c.Processor.PublishTimeout)
	dur("retry.base_delay", c.Retry.BaseDelay)
	dur("retry.max_jitter", c.Retry.MaxJitter)
	dur("observability.read_timeout", c.Observability.ReadTimeout)
	dur("observability.idle_timeout", c.Observability.IdleTimeout)
	for name, p := range c.Publishers {
		dur("publishers."+name+".timeout", p.Timeout)
		if p.RatePerSec < 0 {
			errs = append(errs, fmt.Errorf("publishers.%s.rate_per_sec must be >= 0", name))
		}
	}
	if n := c.Notifier; n != nil {
		dur("notifier.retry_base", n.RetryBase)
		dur("notifier.retry_max_delay", n.RetryMaxDelay)
		dur("notifier.dedup_window", n.DedupWindow)
	}

	switch d := strings.ToLower(strings.TrimSpace(c.Storage.Driver)); d {
	case "", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", d))
	}
	switch b := strings.ToLower(strings.TrimSpace(c.Quota.Backend)); b {
	case "", "sql":
	case "redis":
		if strings.TrimSpace(c.Quota.Redis.Addr) == "" {
			errs = append(errs, errors.New("quota.redis.addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("quota.backend: unknown backend %q", b))
	}
	if c.Realtime.Enabled && strings.TrimSpace(c.Realtime.Redis.Addr) == "" {
		errs = append(errs, errors.New("realtime.redis.addr is required when realtime is enabled"))
	}
	if c.Processor.DefaultMaxRetries < 0 || c.Processor.DefaultMaxRetries > 10 {
		errs = append(errs, errors.New("processor.default_max_retries must be within 0..10"))
	}
	if c.Poller.Concurrency < 0 || c.Poller.BatchLimit < 0 {
		errs = append(errs, errors.New("poller.concurrency and poller.batch_limit must be >= 0"))
	}
	return errors.Join(errs...)
}
