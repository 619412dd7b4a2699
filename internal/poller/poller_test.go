package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"canvasbot/internal/canvas"
	"canvasbot/internal/eventbus"
	"canvasbot/internal/notifier"
	"canvasbot/internal/storage"
	logx "canvasbot/pkg/logx"
)

type fakeSource struct {
	mu        sync.Mutex
	courses   []canvas.Course
	listErr   error
	byCourse  map[int64][]canvas.Announcement
	fetchErr  map[int64]error
	names     map[int64]string
	fetchedID []int64
	// panics makes the next N fetches panic.
	panics int
}

func (f *fakeSource) ListActiveCourses(context.Context) ([]canvas.Course, error) {
	return f.courses, f.listErr
}

func (f *fakeSource) FetchAnnouncements(_ context.Context, id int64) ([]canvas.Announcement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchedID = append(f.fetchedID, id)
	if f.panics > 0 {
		f.panics--
		panic("decoder exploded")
	}
	if err := f.fetchErr[id]; err != nil {
		return nil, err
	}
	return f.byCourse[id], nil
}

func (f *fakeSource) FetchCourseName(_ context.Context, id int64) string {
	if n, ok := f.names[id]; ok {
		return n
	}
	return canvas.PlaceholderName(id)
}

func (f *fakeSource) AnnouncementURL(a canvas.Announcement, id int64) string {
	return fmt.Sprintf("https://canvas.test/courses/%d/discussion_topics/%s", id, a.ID)
}

type fakeSender struct {
	mu   sync.Mutex
	sent []notifier.Message
	fail map[string]error
}

func (f *fakeSender) Send(_ context.Context, m notifier.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[m.Key]; err != nil {
		return err
	}
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeSender) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, m := range f.sent {
		out = append(out, m.Key)
	}
	return out
}

type memStore struct {
	mu      sync.Mutex
	data    storage.Seen
	saves   int
	saveErr error
}

func (s *memStore) Load(context.Context) (storage.Seen, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return storage.Seen{}, nil
	}
	return s.data.Clone(), nil
}

func (s *memStore) Save(_ context.Context, seen storage.Seen) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.saveErr != nil {
		return s.saveErr
	}
	s.data = seen.Clone()
	return nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) snapshot() storage.Seen {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Clone()
}

func ann(id, posted, created string) canvas.Announcement {
	return canvas.Announcement{ID: canvas.ID(id), Title: "t" + id, Message: "<p>m" + id + "</p>", PostedAt: posted, CreatedAt: created}
}

type harness struct {
	src    *fakeSource
	sender *fakeSender
	store  *memStore
	sleeps []time.Duration
	p      *Poller
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		src:    &fakeSource{byCourse: map[int64][]canvas.Announcement{}, fetchErr: map[int64]error{}},
		sender: &fakeSender{fail: map[string]error{}},
		store:  &memStore{},
	}
	p, err := New(cfg, Deps{
		Source: h.src,
		Sender: h.sender,
		Store:  h.store,
		Log:    logx.Nop(),
		Sleep: func(ctx context.Context, d time.Duration) error {
			h.sleeps = append(h.sleeps, d)
			return ctx.Err()
		},
	})
	require.NoError(t, err)
	h.p = p
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.p.load(context.Background()))
	require.NoError(t, h.p.resolveCourses(context.Background()))
}

func TestRunSendExistingEndToEnd(t *testing.T) {
	h := newHarness(t, Config{
		Courses:     []Course{{ID: 100}, {ID: 200}},
		Pace:        time.Second,
		InitialSend: true,
	})
	h.src.byCourse[100] = []canvas.Announcement{ann("5", "2024-01-01T00:00Z", "")}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// The first non-pace sleep is the wait for the next cycle: stop there.
	h.p.deps.Sleep = func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		if d != time.Second {
			cancel()
		}
		return ctx.Err()
	}

	require.NoError(t, h.p.Run(ctx))

	require.Len(t, h.sender.sent, 1)
	m := h.sender.sent[0]
	assert.Equal(t, "5", m.Key)
	assert.Equal(t, int64(100), m.CourseID)
	assert.Equal(t, "course_100", m.CourseName)
	assert.Equal(t, "m5", m.Body)
	assert.Equal(t, storage.Seen{"5": "2024-01-01T00:00Z"}, h.store.snapshot())
	assert.Equal(t, time.Second, h.sleeps[0])

	st := h.p.Status()
	assert.True(t, st.Bootstrapped)
	assert.Equal(t, uint64(1), st.Sent)
	assert.Equal(t, 1, st.Seen)
	assert.Equal(t, 2, st.Courses)
}

func TestRunReturnsLoadError(t *testing.T) {
	h := newHarness(t, Config{})
	h.p.deps.Store = &failingLoadStore{}
	err := h.p.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load seen announcements")
}

type failingLoadStore struct{ memStore }

func (*failingLoadStore) Load(context.Context) (storage.Seen, error) {
	return nil, errors.New("corrupt")
}

func TestBootstrapSendsInTimestampOrder(t *testing.T) {
	h := newHarness(t, Config{Courses: []Course{{ID: 1}}, InitialSend: true})
	h.src.byCourse[1] = []canvas.Announcement{
		ann("c", "2024-03-01T00:00:00Z", ""),
		ann("a", "2024-01-01T00:00:00Z", ""),
		ann("e", "", ""),
		ann("b", "", "2024-02-01T00:00:00Z"),
	}
	h.start(t)

	h.p.bootstrap(context.Background())

	assert.Equal(t, []string{"e", "a", "b", "c"}, h.sender.keys())
	// Bootstrap records the effective timestamp.
	assert.Equal(t, "2024-02-01T00:00:00Z", h.store.snapshot()["b"])
	assert.Equal(t, "", h.store.snapshot()["e"])
	assert.Equal(t, 4, h.store.saves)
}

func TestBootstrapOrdersAcrossCourses(t *testing.T) {
	h := newHarness(t, Config{Courses: []Course{{ID: 1}, {ID: 2}}, InitialSend: true})
	h.src.byCourse[1] = []canvas.Announcement{ann("late", "2024-05-01T00:00:00Z", "")}
	h.src.byCourse[2] = []canvas.Announcement{ann("early", "2024-01-01T00:00:00Z", "")}
	h.start(t)

	h.p.bootstrap(context.Background())

	assert.Equal(t, []string{"early", "late"}, h.sender.keys())
}

func TestBootstrapMarkOnlyIsIdempotent(t *testing.T) {
	h := newHarness(t, Config{Courses: []Course{{ID: 1}, {ID: 2}}})
	h.store.data = storage.Seen{"1": "stale", "keep": "x"}
	h.src.byCourse[1] = []canvas.Announcement{ann("1", "2024-01-01T00:00:00Z", ""), ann("2", "", "2024-01-02T00:00:00Z")}
	h.src.byCourse[2] = []canvas.Announcement{ann("3", "", "")}
	h.start(t)

	h.p.bootstrap(context.Background())
	once := h.store.snapshot()
	h.p.bootstrap(context.Background())
	twice := h.store.snapshot()

	assert.Empty(t, h.sender.sent)
	assert.Equal(t, 2, h.store.saves)
	assert.Equal(t, once, twice)
	assert.Equal(t, storage.Seen{
		"1":    "2024-01-01T00:00:00Z",
		"2":    "2024-01-02T00:00:00Z",
		"3":    "",
		"keep": "x",
	}, twice)
}

func TestBootstrapSkipsSeen(t *testing.T) {
	h := newHarness(t, Config{Courses: []Course{{ID: 1}}, InitialSend: true})
	h.store.data = storage.Seen{"1": "2024-01-01T00:00:00Z"}
	h.src.byCourse[1] = []canvas.Announcement{ann("1", "2024-01-01T00:00:00Z", ""), ann("2", "2024-01-02T00:00:00Z", "")}
	h.start(t)

	h.p.bootstrap(context.Background())

	assert.Equal(t, []string{"2"}, h.sender.keys())
}

func TestCycleDoesNotRedeliverSeen(t *testing.T) {
	h := newHarness(t, Config{Courses: []Course{{ID: 1}}, Pace: time.Second})
	h.src.byCourse[1] = []canvas.Announcement{ann("9", "", "2024-01-01T00:00:00Z")}
	h.start(t)

	h.p.cycle(context.Background())
	h.p.cycle(context.Background())

	assert.Equal(t, []string{"9"}, h.sender.keys())
	// Steady state records posted_at only.
	assert.Equal(t, storage.Seen{"9": ""}, h.store.snapshot())
	assert.Equal(t, []time.Duration{time.Second}, h.sleeps)
}

func TestCycleSortsByPostedAt(t *testing.T) {
	h := newHarness(t, Config{Courses: []Course{{ID: 1}}})
	h.src.byCourse[1] = []canvas.Announcement{
		ann("c", "2024-03-01T00:00:00Z", ""),
		ann("a", "2024-01-01T00:00:00Z", ""),
		ann("x", "", "2024-09-01T00:00:00Z"),
		ann("b", "2024-02-01T00:00:00Z", ""),
	}
	h.start(t)

	h.p.cycle(context.Background())

	assert.Equal(t, []string{"x", "a", "b", "c"}, h.sender.keys())
}

func TestCycleFetchFailureContinues(t *testing.T) {
	h := newHarness(t, Config{Courses: []Course{{ID: 100}, {ID: 200}}})
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()
	h.p.deps.Bus = bus
	h.src.fetchErr[100] = errors.New("503")
	h.src.byCourse[200] = []canvas.Announcement{ann("7", "2024-01-01T00:00:00Z", "")}
	h.start(t)

	h.p.cycle(context.Background())

	assert.Equal(t, []int64{100, 200}, h.src.fetchedID)
	assert.Equal(t, []string{"7"}, h.sender.keys())
	assert.Equal(t, uint64(1), h.p.Status().FetchFailures)

	ev := <-events
	assert.Equal(t, eventbus.TypeFetchFailed, ev.Type)
	assert.Equal(t, int64(100), ev.Data.(FetchFailedEvent).CourseID)
}

func TestCycleSendFailureLeavesUnseen(t *testing.T) {
	h := newHarness(t, Config{Courses: []Course{{ID: 1}}, Pace: time.Second})
	h.src.byCourse[1] = []canvas.Announcement{ann("1", "2024-01-01T00:00:00Z", ""), ann("2", "2024-01-02T00:00:00Z", "")}
	h.sender.fail["1"] = errors.New("webhook 500")
	h.start(t)

	h.p.cycle(context.Background())
	assert.Equal(t, []string{"2"}, h.sender.keys())
	assert.False(t, h.store.snapshot().Has("1"))
	assert.Equal(t, uint64(1), h.p.Status().SendFailures)

	delete(h.sender.fail, "1")
	h.p.cycle(context.Background())
	assert.Equal(t, []string{"2", "1"}, h.sender.keys())
	assert.True(t, h.store.snapshot().Has("1"))
}

func TestSaveFailureIsRetriedAfterCycle(t *testing.T) {
	h := newHarness(t, Config{Courses: []Course{{ID: 1}}})
	h.src.byCourse[1] = []canvas.Announcement{ann("1", "2024-01-01T00:00:00Z", "")}
	h.store.saveErr = errors.New("disk full")
	h.start(t)

	h.p.cycle(context.Background())
	h.p.afterCycle(context.Background(), false)
	assert.True(t, h.p.Status().Dirty)
	assert.Equal(t, uint64(2), h.p.Status().SaveFailures)

	h.store.saveErr = nil
	h.p.afterCycle(context.Background(), false)
	assert.False(t, h.p.Status().Dirty)
	assert.Equal(t, storage.Seen{"1": "2024-01-01T00:00:00Z"}, h.store.snapshot())
	// Delivered once, never resent because of the failed write.
	assert.Equal(t, []string{"1"}, h.sender.keys())
}

func TestAfterCyclePublishesAndHeartbeats(t *testing.T) {
	h := newHarness(t, Config{})
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()
	beats := 0
	h.p.deps.Bus = bus
	h.p.deps.Heartbeat = func() { beats++ }

	h.p.afterCycle(context.Background(), true)

	ev := <-events
	assert.Equal(t, eventbus.TypeCycleDone, ev.Type)
	assert.True(t, ev.Data.(CycleEvent).Bootstrap)
	assert.Equal(t, 1, beats)
	assert.Equal(t, uint64(1), h.p.Status().Cycles)
}

func TestResolveCourses(t *testing.T) {
	t.Run("configured names win", func(t *testing.T) {
		h := newHarness(t, Config{Courses: []Course{{ID: 1, Name: "Bio"}, {ID: 2}}})
		h.src.names = map[int64]string{1: "ignored", 2: "Chem"}
		h.start(t)
		assert.Equal(t, []Course{{ID: 1, Name: "Bio"}, {ID: 2, Name: "Chem"}}, h.p.courses)
	})

	t.Run("discovery", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.src.courses = []canvas.Course{{ID: 3, Name: "Art"}, {ID: 4}}
		h.start(t)
		assert.Equal(t, []Course{{ID: 3, Name: "Art"}, {ID: 4, Name: "course_4"}}, h.p.courses)
	})

	t.Run("discovery failure", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.src.listErr = errors.New("401")
		require.NoError(t, h.p.load(context.Background()))
		assert.Error(t, h.p.resolveCourses(context.Background()))
	})
}

func TestRunSurvivesPanickingPass(t *testing.T) {
	h := newHarness(t, Config{Courses: []Course{{ID: 1}}})
	h.src.byCourse[1] = []canvas.Announcement{ann("1", "2024-01-01T00:00:00Z", "")}
	h.src.panics = 1

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	waits := 0
	h.p.deps.Sleep = func(ctx context.Context, d time.Duration) error {
		waits++
		if waits == 2 {
			cancel()
		}
		return ctx.Err()
	}

	// The bootstrap pass panics; the loop still waits and runs the next cycle.
	require.NoError(t, h.p.Run(ctx))

	assert.Equal(t, []string{"1"}, h.sender.keys())
	st := h.p.Status()
	assert.Equal(t, uint64(2), st.Cycles)
	assert.Equal(t, uint64(1), st.Panics)
	assert.Contains(t, st.LastError, "bootstrap panic: decoder exploded")
}

func TestAnnouncementsWithoutIDAreSkipped(t *testing.T) {
	h := newHarness(t, Config{Courses: []Course{{ID: 1}}})
	h.src.byCourse[1] = []canvas.Announcement{
		ann("", "2024-01-01T00:00:00Z", ""),
		ann("", "2024-01-02T00:00:00Z", ""),
		ann("3", "2024-01-03T00:00:00Z", ""),
	}
	h.start(t)

	h.p.bootstrap(context.Background())
	assert.Equal(t, storage.Seen{"3": "2024-01-03T00:00:00Z"}, h.store.snapshot())

	h.src.byCourse[1] = append(h.src.byCourse[1], ann("4", "2024-01-04T00:00:00Z", ""))
	h.p.cycle(context.Background())
	assert.Equal(t, []string{"4"}, h.sender.keys())
	assert.False(t, h.store.snapshot().Has(""))
}

func TestSendExistingSkipsAnnouncementsWithoutID(t *testing.T) {
	h := newHarness(t, Config{Courses: []Course{{ID: 1}}, InitialSend: true})
	h.src.byCourse[1] = []canvas.Announcement{ann("", "2024-01-01T00:00:00Z", ""), ann("2", "2024-01-02T00:00:00Z", "")}
	h.start(t)

	h.p.bootstrap(context.Background())
	assert.Equal(t, []string{"2"}, h.sender.keys())
	assert.Equal(t, storage.Seen{"2": "2024-01-02T00:00:00Z"}, h.store.snapshot())
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.Error(t, err)
}
