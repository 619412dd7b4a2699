package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"canvasbot/internal/eventbus"
	"canvasbot/internal/notifier"
	"canvasbot/internal/poller"
)

func TestObserve(t *testing.T) {
	m := New()
	m.Observe(eventbus.Event{Type: eventbus.TypeNotifierSent, Data: notifier.NotificationEvent{CourseID: 100}})
	m.Observe(eventbus.Event{Type: eventbus.TypeNotifierSent, Data: notifier.NotificationEvent{CourseID: 100}})
	m.Observe(eventbus.Event{Type: eventbus.TypeNotifierFailed, Data: notifier.NotificationEvent{CourseID: 200}})
	m.Observe(eventbus.Event{Type: eventbus.TypeFetchFailed, Data: poller.FetchFailedEvent{CourseID: 300}})
	m.Observe(eventbus.Event{Type: eventbus.TypeSaveFailed})
	m.Observe(eventbus.Event{Type: eventbus.TypeCycleDone, Time: time.Unix(1700000000, 0)})
	m.Observe(eventbus.Event{Type: "unknown"})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.sent.WithLabelValues("100")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sendFailures.WithLabelValues("200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fetchFailures.WithLabelValues("300")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.saveFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cycles))
	assert.Equal(t, 1700000000.0, testutil.ToFloat64(m.lastCycle))
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.RegisterSeen(func() float64 { return 42 })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "canvasbot_seen_announcements 42"), body)
}

func TestRunCountsEventsPublishedBeforeStart(t *testing.T) {
	m := New()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	// Published while nothing is reading yet, as during bootstrap.
	bus.Publish(eventbus.Event{Type: eventbus.TypeCycleDone, Time: time.Unix(1700000000, 0)})
	bus.Publish(eventbus.Event{Type: eventbus.TypeNotifierSent, Data: notifier.NotificationEvent{CourseID: 7}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx, ch)
	}()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.cycles) == 1 && testutil.ToFloat64(m.sent.WithLabelValues("7")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
