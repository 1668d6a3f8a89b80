package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"cadence/internal/model"
	"cadence/internal/retry"
)

const maxErrorBody = 4 << 10

type HTTPConfig struct {
	BaseURL    string
	Timeout    time.Duration
	RatePerSec float64 // 0 means unlimited
	Burst      int
	Client     *http.Client
}

// HTTPAdapter posts JSON to a platform gateway:
//
//	POST {base}/posts  Authorization: Bearer <token>  Idempotency-Key: <post id>
//	{"text": "...", "media_urls": [...], "account": "...", "post_id": "..."}
//
// A 2xx reply carries {"id", "url", "status"}. Any other status becomes a
// *retry.PlatformError with the status code and Retry-After hint.
type HTTPAdapter struct {
	platform model.Platform
	traits   Traits
	baseURL  string
	client   *http.Client
	limiter  *rate.Limiter
}

func NewHTTPAdapter(p model.Platform, cfg HTTPConfig) *HTTPAdapter {
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return &HTTPAdapter{
		platform: p,
		traits:   TraitsFor(p),
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		client:   client,
		limiter:  lim,
	}
}

func (a *HTTPAdapter) Platform() model.Platform { return a.platform }
func (a *HTTPAdapter) Traits() Traits           { return a.traits }

type publishRequest struct {
	PostID    string   `json:"post_id"`
	Account   string   `json:"account,omitempty"`
	Text      string   `json:"text"`
	MediaURLs []string `json:"media_urls,omitempty"`
}

type errorReply struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (a *HTTPAdapter) Publish(ctx context.Context, account model.Account, post model.Post) (Result, error) {
	if a.baseURL == "" {
		return Result{}, retry.Permanent(&retry.PlatformError{Platform: a.platform, Message: "publisher not configured"})
	}
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return Result{}, &retry.PlatformError{Platform: a.platform, Message: "rate limiter", Err: err}
		}
	}

	body, err := json.Marshal(publishRequest{PostID: post.ID, Account: account.Handle, Text: post.Content, MediaURLs: post.MediaURLs})
	if err != nil {
		return Result{}, retry.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/posts", bytes.NewReader(body))
	if err != nil {
		return Result{}, retry.Permanent(&retry.PlatformError{Platform: a.platform, Message: "bad request", Err: err})
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", post.ID)
	if account.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+account.AccessToken)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return Result{}, &retry.PlatformError{Platform: a.platform, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, a.statusError(resp)
	}

	var res Result
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&res); err != nil {
		return Result{}, &retry.PlatformError{Platform: a.platform, StatusCode: resp.StatusCode, Message: "decode reply", Err: err}
	}
	if res.ID == "" {
		return Result{}, &retry.PlatformError{Platform: a.platform, StatusCode: resp.StatusCode, Message: "reply has no post id"}
	}
	return res, nil
}

func (a *HTTPAdapter) statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(raw))
	var er errorReply
	if json.Unmarshal(raw, &er) == nil {
		switch {
		case er.Error != "":
			msg = er.Error
		case er.Message != "":
			msg = er.Message
		}
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &retry.PlatformError{
		Platform:   a.platform,
		StatusCode: resp.StatusCode,
		Message:    msg,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

var _ Adapter = (*HTTPAdapter)(nil)

// ErrUnsupported is returned by Func adapters that have no publish function.
var ErrUnsupported = errors.New("publish not supported")

// Func adapts a function to Adapter.
type Func struct {
	P  model.Platform
	T  *Traits // nil uses TraitsFor(P)
	Fn func(ctx context.Context, account model.Account, post model.Post) (Result, error)
}

func (f Func) Platform() model.Platform { return f.P }

func (f Func) Traits() Traits {
	if f.T != nil {
		return *f.T
	}
	return TraitsFor(f.P)
}

func (f Func) Publish(ctx context.Context, account model.Account, post model.Post) (Result, error) {
	if f.Fn == nil {
		return Result{}, retry.Permanent(fmt.Errorf("%s: %w", f.P, ErrUnsupported))
	}
	return f.Fn(ctx, account, post)
}
