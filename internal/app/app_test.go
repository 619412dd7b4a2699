package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolateEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"CANVAS_DOMAIN", "CANVAS_TOKEN", "DISCORD_WEBHOOK", "PORT", "NOTIFY_SOCKET", "WATCHDOG_USEC"} {
		t.Setenv(k, "")
	}
}

func TestAppDeliversExistingAnnouncementsAndPersists(t *testing.T) {
	isolateEnv(t)

	canvasSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/courses/100":
			_, _ = w.Write([]byte(`{"id":100,"name":"Biology"}`))
		case "/api/v1/courses/100/discussion_topics":
			_, _ = w.Write([]byte(`[{"id":5,"title":"Welcome","message":"<p>Hi</p>","posted_at":"2024-01-01T00:00Z"}]`))
		default:
			_, _ = w.Write([]byte(`[]`))
		}
	}))
	defer canvasSrv.Close()

	var mu sync.Mutex
	var got []map[string]any
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p map[string]any
		_ = json.NewDecoder(r.Body).Decode(&p)
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer sink.Close()

	dir := t.TempDir()
	seenPath := filepath.Join(dir, "seen.json")
	cfgPath := filepath.Join(dir, "config.yaml")
	yml := fmt.Sprintf(`canvas:
  domain: %s
  token: tok
discord:
  webhook_url: %s/api/webhooks/1/x
courses:
  - id: 100
  - id: 200
poll:
  interval: 1h
  initial_send: true
storage:
  path: %s
logging:
  level: ERROR
  console: false
`, canvasSrv.URL, sink.URL, seenPath)
	require.NoError(t, os.WriteFile(cfgPath, []byte(yml), 0o600))

	a, err := NewApp(cfgPath)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))

	require.Eventually(t, func() bool { return a.Status().Bootstrapped }, 5*time.Second, 20*time.Millisecond)

	// The bootstrap cycle is counted even though it runs right after Start.
	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		a.metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		return strings.Contains(rec.Body.String(), "canvasbot_poll_cycles_total 1") &&
			strings.Contains(rec.Body.String(), `canvasbot_announcements_sent_total{course_id="100"} 1`)
	}, 5*time.Second, 20*time.Millisecond)

	rec := httptest.NewRecorder()
	a.health.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	var hz struct {
		Recent []struct {
			CourseID int64  `json:"course_id"`
			Title    string `json:"title"`
		} `json:"recent"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hz))
	require.Len(t, hz.Recent, 1)
	assert.Equal(t, int64(100), hz.Recent[0].CourseID)
	assert.Equal(t, "Welcome", hz.Recent[0].Title)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopAppStop))
	assert.NoError(t, a.Err())

	mu.Lock()
	require.Len(t, got, 1)
	embed := got[0]["embeds"].([]any)[0].(map[string]any)
	mu.Unlock()
	assert.Equal(t, "Welcome", embed["title"])
	assert.Equal(t, map[string]any{"text": "Biology"}, embed["footer"])

	b, err := os.ReadFile(seenPath)
	require.NoError(t, err)
	assert.JSONEq(t, `{"5":"2024-01-01T00:00Z"}`, string(b))
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	isolateEnv(t)
	cfgPath := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`{"canvas":{"domain":"canvas.test"}}`), 0o600))

	_, err := NewApp(cfgPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "canvas.token is required")
}
