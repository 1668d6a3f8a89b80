package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cadence/internal/config"
	"cadence/internal/eventbus"
	"cadence/internal/model"
	"cadence/internal/scheduling"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	p := filepath.Join(dir, "cadence.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func gateway(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/posts" || r.Header.Get("Authorization") != "Bearer tok-1" {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "tw-1", "url": "https://x.example/tw-1"})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestApp_PublishesDuePost(t *testing.T) {
	dir := t.TempDir()
	gw, calls := gateway(t)
	path := writeConfig(t, dir, `
logging:
  level: error
storage:
  driver: sqlite
  path: `+filepath.Join(dir, "cadence.db")+`
encryption:
  key: test-secret-please-rotate
poller:
  enabled: false
publishers:
  twitter:
    base_url: `+gw.URL+`
    timeout: 5s
`)

	a, err := New(path)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	t.Cleanup(func() { _ = a.Stop(ctx, StopAppStop) })

	require.NoError(t, a.Store().CreateAccount(ctx, &model.Account{
		ID: "acc-1", TenantID: "t1", Platform: model.PlatformTwitter, Handle: "@cadence",
		AccessToken: "tok-1", Status: model.AccountActive,
	}))

	at := time.Now().Add(-time.Minute)
	res, err := a.Scheduling().Create(ctx, scheduling.Request{
		TenantID: "t1", UserID: "u1", Role: scheduling.RoleOwner, AccountID: "acc-1",
		Platform: model.PlatformTwitter, Content: "hello", ScheduledAt: &at,
	})
	require.NoError(t, err)
	require.Equal(t, model.StatusScheduled, res.Post.Status)

	report, err := a.Poller().Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Published)
	assert.Equal(t, int32(1), calls.Load())

	got, err := a.Store().GetPost(ctx, res.Post.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPublished, got.Status)
	assert.Equal(t, "tw-1", got.PlatformPostID)

	// Audit runs on its own queue.
	require.Eventually(t, func() bool {
		recs, err := a.Store().ListAudit(ctx, "t1", 10)
		if err != nil {
			return false
		}
		for _, r := range recs {
			if r.Kind == string(eventbus.PostPublished) && r.EntityID == res.Post.ID {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)
}

func TestApp_ReloadStartsOpsServer(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
logging:
  level: error
storage:
  path: `+filepath.Join(dir, "cadence.db")+`
poller:
  enabled: false
`)
	a, err := New(path)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	t.Cleanup(func() { _ = a.Stop(ctx, StopAppStop) })
	assert.Empty(t, a.ops.Addr())

	prev := a.cfgm.Get()
	next := *prev
	next.Observability = config.ObservabilityConfig{Enabled: true, Addr: "127.0.0.1:0"}
	a.applyConfig(ctx, prev, &next)

	require.Eventually(t, func() bool { return a.ops.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	resp, err := http.Get("http://" + a.ops.Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	_, err := New(writeConfig(t, dir, "poller:\n  interval: often\n"))
	assert.Error(t, err)

	_, err = New(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		cfg     config.Config
		wantErr bool
	}{
		{"zero value", config.Config{}, false},
		{"bad timezone", config.Config{Poller: config.PollerConfig{Timezone: "Mars/Olympus"}}, true},
		{"unknown driver", config.Config{Storage: config.StorageConfig{Driver: "postgres"}}, true},
		{"token without chat", config.Config{Notifier: &config.NotifierConfig{
			Enabled: true, Telegram: config.TelegramConfig{Token: "1:a"},
		}}, true},
		{"negative notifier workers", config.Config{Notifier: &config.NotifierConfig{Workers: -1}}, true},
		{"bad ops timeout", config.Config{Observability: config.ObservabilityConfig{ReadTimeout: "x"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := tt.cfg
			err := validate(&cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestMapNotifierConfig(t *testing.T) {
	t.Parallel()

	off, err := mapNotifierConfig(&config.Config{})
	require.NoError(t, err)
	assert.False(t, off.Enabled)

	on, err := mapNotifierConfig(&config.Config{Notifier: &config.NotifierConfig{
		Enabled: true, Workers: 3, RetryBase: "1s", DedupWindow: "30m",
	}})
	require.NoError(t, err)
	assert.True(t, on.Enabled)
	assert.True(t, on.PersistDedup)
	assert.Equal(t, 3, on.Workers)
	assert.Equal(t, time.Second, on.RetryBase)
	assert.Equal(t, 10*time.Second, on.RetryMaxDelay)
	assert.Equal(t, 30*time.Minute, on.DedupWindow)
}

func TestMapStorageConfig_Defaults(t *testing.T) {
	t.Parallel()
	sc, err := mapStorageConfig(&config.Config{})
	require.NoError(t, err)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, defaultStoragePath, sc.Path)
	assert.Equal(t, 5*time.Second, sc.BusyTimeout)
}
