package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "DEBUG").With(String("comp", "poller"))
	log.Info("announcement sent", Int64("course_id", 100), Err(errors.New("x")), Bool("ok", true))

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, "info", m["level"])
	assert.Equal(t, "announcement sent", m["message"])
	assert.Equal(t, "poller", m["comp"])
	assert.EqualValues(t, 100, m["course_id"])
	assert.Equal(t, "x", m["err"])
	assert.Contains(t, m["caller"], "logging_test.go:")
}

func TestWriterLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "WARN")
	log.Info("hidden")
	assert.Zero(t, buf.Len())
	log.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestZeroAndNopLoggers(t *testing.T) {
	var zero Logger
	assert.True(t, zero.IsZero())
	zero.Error("dropped")

	nop := Nop()
	assert.False(t, nop.IsZero())
	nop.With(String("a", "b")).Info("dropped")
}

type fakeSender struct {
	mu   sync.Mutex
	msgs []string
}

func (f *fakeSender) SendText(_ context.Context, text string) error {
	f.mu.Lock()
	f.msgs = append(f.msgs, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.msgs...)
}

func TestServiceForwardsErrorsToWebhook(t *testing.T) {
	s := &fakeSender{}
	svc, log := New(Config{
		Level:   "DEBUG",
		Webhook: WebhookConfig{Enabled: true, RatePerSec: 100},
	}, s)
	defer svc.Close()

	log.Warn("below min level")
	log.Error("save seen announcements failed", String("path", "/data/seen.json"))

	require.Eventually(t, func() bool { return len(s.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	msg := s.snapshot()[0]
	assert.True(t, strings.HasPrefix(msg, "[ERROR] save seen announcements failed"), msg)
	assert.Contains(t, msg, "- path=/data/seen.json")
}

func TestServiceWithoutSenderDropsWebhookLines(t *testing.T) {
	svc, log := New(Config{Webhook: WebhookConfig{Enabled: true}}, nil)
	defer svc.Close()
	log.Error("nobody listens")

	s := &fakeSender{}
	svc.SetSender(s)
	log.Error("now delivered")
	require.Eventually(t, func() bool { return len(s.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, s.snapshot()[0], "now delivered")
}

func TestValidLevel(t *testing.T) {
	for _, l := range []string{"", "trace", "DEBUG", "info", "Warn", "WARNING", "error"} {
		assert.True(t, ValidLevel(l), l)
	}
	assert.False(t, ValidLevel("FATAL"))
}

func TestFormatWebhookJSON(t *testing.T) {
	assert.Equal(t, "plain text", formatWebhookJSON([]byte(" plain text \n")))
	assert.Equal(t, "[WARN] hi", formatWebhookJSON([]byte(`{"level":"warn","message":"hi","time":"x"}`)))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "abc", truncate("abcdef", 3))
	// "ü" is two bytes and must not be split.
	assert.Equal(t, "a", truncate("aüb", 2))
	assert.Equal(t, "xxxxxx...", truncate("xxxxxxüüüüüü", 10))
}
