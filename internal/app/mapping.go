package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"cadence/internal/config"
	"cadence/internal/crypto"
	"cadence/internal/notifier"
	"cadence/internal/observability"
	"cadence/internal/poller"
	"cadence/internal/storage"
	"cadence/internal/transport/telegram"
	"cadence/pkg/logx"
)

const (
	defaultPublishTimeout = 2 * time.Minute
	defaultRetryBase      = 5 * time.Minute
	defaultRetryJitter    = time.Minute
	defaultStoragePath    = "./cadence.db"
	tokenKeyPurpose       = "account-tokens"
)

func mapLogging(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		Format:  c.Format,
		File: logx.FileConfig{
			Enabled: c.File.Enabled,
			Path:    c.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		driver = "sqlite"
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		path = defaultStoragePath
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
}

// mapCodec returns nil (plaintext) when no key is configured.
func mapCodec(cfg *config.Config) (crypto.Codec, error) {
	key := strings.TrimSpace(cfg.Encryption.Key)
	if key == "" {
		return nil, nil
	}
	fe, err := crypto.DeriveFieldEncryptor([]byte(key), tokenKeyPurpose)
	if err != nil {
		return nil, fmt.Errorf("encryption.key: %w", err)
	}
	return fe, nil
}

func mapPublishTimeout(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("processor.publish_timeout", cfg.Processor.PublishTimeout, defaultPublishTimeout)
}

func mapRetry(cfg *config.Config) (base, jitter time.Duration, err error) {
	if base, err = config.ParseDurationOrDefault("retry.base_delay", cfg.Retry.BaseDelay, defaultRetryBase); err != nil {
		return 0, 0, err
	}
	if jitter, err = config.ParseDurationOrDefault("retry.max_jitter", cfg.Retry.MaxJitter, defaultRetryJitter); err != nil {
		return 0, 0, err
	}
	return base, jitter, nil
}

// mapNotifierConfig returns a disabled config when the section is absent.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	if n == nil {
		return notifier.Config{}, nil
	}
	if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 {
		return notifier.Config{}, errors.New("notifier: workers, queue_size, rate_per_sec and retry_max must be >= 0")
	}
	out := notifier.Config{
		Enabled:      n.Enabled,
		Workers:      n.Workers,
		QueueSize:    n.QueueSize,
		RatePerSec:   n.RatePerSec,
		RetryMax:     n.RetryMax,
		PersistDedup: true,
	}
	var err error
	if out.RetryBase, err = config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, 500*time.Millisecond); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, 10*time.Second); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, 10*time.Minute); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

// newSink builds the Telegram sink. A missing token yields nil so the
// notifier stays disabled instead of failing startup.
func newSink(cfg *config.Config, log logx.Logger) (notifier.Sink, error) {
	n := cfg.Notifier
	if n == nil || !n.Enabled || strings.TrimSpace(n.Telegram.Token) == "" {
		return nil, nil
	}
	s, err := telegram.NewSink(telegram.Config{
		Token:    strings.TrimSpace(n.Telegram.Token),
		ChatID:   n.Telegram.ChatID,
		ThreadID: n.Telegram.ThreadID,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("notifier.telegram: %w", err)
	}
	return s, nil
}

// validate runs every mapping so a reload that would fail to apply is
// rejected before it is committed.
func validate(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapCodec(cfg); err != nil {
		return err
	}
	if _, err := mapPublishTimeout(cfg); err != nil {
		return err
	}
	if _, _, err := mapRetry(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	pc, err := poller.ConfigFrom(cfg.Poller)
	if err != nil {
		return err
	}
	if tz := pc.Timezone; tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("poller.timezone: invalid %q: %w", tz, err)
		}
	}
	if _, err := observability.ServerConfigFrom(cfg.Observability); err != nil {
		return err
	}
	if n := cfg.Notifier; n != nil && n.Enabled && strings.TrimSpace(n.Telegram.Token) != "" && n.Telegram.ChatID == 0 {
		return errors.New("notifier.telegram.chat_id is required when a token is set")
	}
	return nil
}
