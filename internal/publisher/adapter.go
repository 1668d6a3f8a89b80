// Package publisher holds the closed set of platform adapters. Every platform
// in model.Platforms has exactly one adapter; the registry is built once at
// startup and never grows at runtime.
package publisher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cadence/internal/config"
	"cadence/internal/model"
	"cadence/pkg/logx"
)

// Result is what a platform returned for an accepted post.
type Result struct {
	ID     string `json:"id"`
	URL    string `json:"url,omitempty"`
	Status string `json:"status,omitempty"`
}

// Traits are the static per-platform facts the processor checks before
// calling out.
type Traits struct {
	RequiresMedia bool
	MaxTextLength int // 0 means no limit
	// Async platforms accept a post and finish it later; the processor
	// revisits the post after Maturation.
	Async      bool
	Maturation time.Duration
	// QuotaMetric is empty for unmetered platforms.
	QuotaMetric model.Metric
	QuotaCost   int64
}

func (t Traits) Metered() bool { return t.QuotaMetric != "" && t.QuotaCost > 0 }

// Adapter publishes to one platform. Failures are *retry.PlatformError.
type Adapter interface {
	Platform() model.Platform
	Traits() Traits
	Publish(ctx context.Context, account model.Account, post model.Post) (Result, error)
}

// TraitsFor returns the built-in traits of p.
func TraitsFor(p model.Platform) Traits {
	switch p {
	case model.PlatformTwitter:
		return Traits{MaxTextLength: 280}
	case model.PlatformLinkedIn:
		return Traits{MaxTextLength: 3000}
	case model.PlatformFacebook:
		return Traits{MaxTextLength: 63206}
	case model.PlatformInstagram:
		return Traits{RequiresMedia: true, MaxTextLength: 2200}
	case model.PlatformYouTube:
		return Traits{RequiresMedia: true, MaxTextLength: 5000, QuotaMetric: model.MetricYouTubeUnits, QuotaCost: 1600}
	case model.PlatformTikTok:
		return Traits{RequiresMedia: true, MaxTextLength: 2200, Async: true, Maturation: 10 * time.Minute}
	default:
		return Traits{}
	}
}

// Registry maps each platform to its adapter.
type Registry struct {
	adapters map[model.Platform]Adapter
}

// NewRegistry builds one HTTPAdapter per platform from cfg, keyed by platform
// name. A platform without a base URL still gets an adapter; its publishes
// fail permanently until it is configured.
func NewRegistry(cfg map[string]config.PublisherConfig, log logx.Logger) (*Registry, error) {
	byPlatform := make(map[model.Platform]config.PublisherConfig, len(cfg))
	for name, pc := range cfg {
		p, err := model.ParsePlatform(name)
		if err != nil {
			return nil, fmt.Errorf("publishers: %w", err)
		}
		byPlatform[p] = pc
	}

	r := &Registry{adapters: make(map[model.Platform]Adapter, len(model.Platforms()))}
	for _, p := range model.Platforms() {
		pc := byPlatform[p]
		timeout, err := config.ParseDurationOrDefault("publishers."+p.String()+".timeout", pc.Timeout, 30*time.Second)
		if err != nil {
			return nil, err
		}
		a := NewHTTPAdapter(p, HTTPConfig{
			BaseURL:    strings.TrimSpace(pc.BaseURL),
			Timeout:    timeout,
			RatePerSec: pc.RatePerSec,
			Burst:      pc.Burst,
		})
		if a.baseURL == "" {
			log.Warn("publisher not configured", logx.String("platform", p.String()))
		}
		r.adapters[p] = a
	}
	return r, nil
}

// NewStaticRegistry wraps prebuilt adapters. Tests and embedders use it.
func NewStaticRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[model.Platform]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Platform()] = a
	}
	return r
}

func (r *Registry) Get(p model.Platform) (Adapter, bool) {
	if r == nil {
		return nil, false
	}
	a, ok := r.adapters[p]
	return a, ok
}

// Platforms lists the registered platforms in model.Platforms order.
func (r *Registry) Platforms() []model.Platform {
	var out []model.Platform
	for _, p := range model.Platforms() {
		if _, ok := r.adapters[p]; ok {
			out = append(out, p)
		}
	}
	return out
}
