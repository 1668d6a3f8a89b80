package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cadence/pkg/logx"
)

type botAPI struct {
	mu    sync.Mutex
	texts []string
	flood bool
}

func (b *botAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/sendMessage") {
		http.NotFound(w, r)
		return
	}
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)

	b.mu.Lock()
	defer b.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	if b.flood {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 5","parameters":{"retry_after":5}}`))
		return
	}
	text, _ := body["text"].(string)
	b.texts = append(b.texts, text)
	_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"group"}}}`))
}

func newTestSink(t *testing.T, api *botAPI) *Sink {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	s, err := NewSink(Config{Token: "123:abc", ChatID: 42, ThreadID: 3, APIURL: srv.URL}, logx.Nop())
	require.NoError(t, err)
	return s
}

func TestSink_Send(t *testing.T) {
	t.Parallel()

	api := &botAPI{}
	s := newTestSink(t, api)
	require.NoError(t, s.Send(context.Background(), "post failed"))

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, []string{"post failed"}, api.texts)
}

func TestSink_SendSplitsLongText(t *testing.T) {
	t.Parallel()

	api := &botAPI{}
	s := newTestSink(t, api)
	line := strings.Repeat("x", 100) + "\n"
	require.NoError(t, s.Send(context.Background(), strings.Repeat(line, 60)))

	api.mu.Lock()
	defer api.mu.Unlock()
	require.Len(t, api.texts, 2)
	for _, txt := range api.texts {
		assert.LessOrEqual(t, len([]rune(txt)), textLimit)
	}
}

func TestSink_FloodControl(t *testing.T) {
	t.Parallel()

	s := newTestSink(t, &botAPI{flood: true})
	err := s.Send(context.Background(), "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry after 5")
}

func TestNewSink_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewSink(Config{ChatID: 1}, logx.Nop())
	assert.Error(t, err)
	_, err = NewSink(Config{Token: "1:a"}, logx.Nop())
	assert.Error(t, err)
}

func TestSplitText(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"short"}, splitText("short", 10))

	got := splitText("aaaa\nbbbb\ncccc", 10)
	assert.Equal(t, []string{"aaaa\nbbbb", "cccc"}, got)

	got = splitText(strings.Repeat("z", 25), 10)
	assert.Equal(t, []string{strings.Repeat("z", 10), strings.Repeat("z", 10), strings.Repeat("z", 5)}, got)
}
