package retry

import (
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	DefaultBaseDelay = 5 * time.Minute
	DefaultMaxJitter = time.Minute

	maxShift = 20
)

// Messages that mean retrying cannot help.
var permanentPatterns = []string{
	"unauthorized",
	"unauthenticated",
	"forbidden",
	"permission",
	"access denied",
	"not authorized",
	"token",
	"credential",
	"invalid_grant",
	"authentication",
	"authorization",
	"validation",
	"invalid parameter",
	"invalid request",
	"media required",
	"too long",
}

// Messages that mean the account's credentials expired or were revoked.
var authFailurePatterns = []string{
	"token expired",
	"expired token",
	"invalid token",
	"invalid_token",
	"invalid access token",
	"invalid_grant",
	"session expired",
	"session has expired",
	"token has been revoked",
	"revoked",
	"unauthorized",
	"authentication failed",
	"invalid credentials",
}

// Classify reports whether err is worth retrying. Unclassifiable errors are
// retryable.
func Classify(err error) bool {
	if err == nil {
		return false
	}
	if IsPermanent(err) {
		return false
	}
	if code := StatusCode(err); code >= 400 && code < 500 && code != http.StatusTooManyRequests {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range permanentPatterns {
		if strings.Contains(msg, p) {
			return false
		}
	}
	return true
}

// IsAuthFailure reports whether err signals expired or invalid account
// credentials.
func IsAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	if StatusCode(err) == http.StatusUnauthorized {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range authFailurePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// Policy computes retry times: base * 2^retryCount plus uniform jitter in
// [0, MaxJitter).
type Policy struct {
	BaseDelay time.Duration
	MaxJitter time.Duration

	now func() time.Time
	mu  sync.Mutex
	rng *rand.Rand
}

type Option func(*Policy)

func WithClock(now func() time.Time) Option { return func(p *Policy) { p.now = now } }

func WithRand(r *rand.Rand) Option { return func(p *Policy) { p.rng = r } }

func NewPolicy(base, jitter time.Duration, opts ...Option) *Policy {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if jitter < 0 {
		jitter = 0
	}
	p := &Policy{
		BaseDelay: base,
		MaxJitter: jitter,
		now:       time.Now,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Backoff returns the delay before the attempt following retryCount failures.
func (p *Policy) Backoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	d := p.BaseDelay << min(retryCount, maxShift)
	if p.MaxJitter > 0 {
		p.mu.Lock()
		d += time.Duration(p.rng.Int63n(int64(p.MaxJitter)))
		p.mu.Unlock()
	}
	return d
}

// NextAttempt returns when the post should be retried. An upstream
// Retry-After hint larger than the computed delay wins.
func (p *Policy) NextAttempt(retryCount int, err error) time.Time {
	d := p.Backoff(retryCount)
	if hint, ok := RetryAfterHint(err); ok && hint > d {
		d = hint
	}
	return p.now().Add(d)
}
