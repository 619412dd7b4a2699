package poller

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"canvasbot/internal/canvas"
	"canvasbot/internal/eventbus"
	"canvasbot/internal/format"
	"canvasbot/internal/notifier"
	"canvasbot/internal/storage"
	logx "canvasbot/pkg/logx"
)

// Source is the subset of the Canvas client the poller needs.
type Source interface {
	ListActiveCourses(ctx context.Context) ([]canvas.Course, error)
	FetchAnnouncements(ctx context.Context, courseID int64) ([]canvas.Announcement, error)
	FetchCourseName(ctx context.Context, courseID int64) string
	AnnouncementURL(a canvas.Announcement, courseID int64) string
}

// Sender delivers one rendered notification.
type Sender interface {
	Send(ctx context.Context, m notifier.Message) error
}

// Course is a configured course. An empty Name is resolved from Canvas.
type Course struct {
	ID   int64
	Name string
}

type Config struct {
	// Courses in visiting order. Empty means discover active enrollments.
	Courses  []Course
	Schedule Schedule
	// Pace is slept after every successful send.
	Pace time.Duration
	// InitialSend delivers unseen announcements found at startup instead of
	// only marking them seen.
	InitialSend bool
}

type Deps struct {
	Source Source
	Sender Sender
	Store  storage.Store
	Bus    eventbus.Bus
	Log    logx.Logger
	// Heartbeat is called after every cycle (systemd watchdog).
	Heartbeat func()

	// test hooks
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// CycleEvent is published as eventbus.TypeCycleDone.
type CycleEvent struct {
	Cycle     uint64        `json:"cycle"`
	Bootstrap bool          `json:"bootstrap"`
	Sent      int           `json:"sent"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
}

// FetchFailedEvent is published as eventbus.TypeFetchFailed.
type FetchFailedEvent struct {
	CourseID int64  `json:"course_id"`
	Error    string `json:"error"`
}

// Status is a point-in-time view of the loop for the health endpoint.
type Status struct {
	Started       time.Time `json:"started"`
	Bootstrapped  bool      `json:"bootstrapped"`
	Cycles        uint64    `json:"cycles"`
	LastCycle     time.Time `json:"last_cycle"`
	Courses       int       `json:"courses"`
	Seen          int       `json:"seen"`
	Sent          uint64    `json:"sent"`
	SendFailures  uint64    `json:"send_failures"`
	FetchFailures uint64    `json:"fetch_failures"`
	SaveFailures  uint64    `json:"save_failures"`
	Panics        uint64    `json:"panics"`
	Dirty         bool      `json:"dirty"`
	LastError     string    `json:"last_error,omitempty"`
}

// Poller owns the seen-set. It is driven by a single goroutine (Run);
// only Status is safe to call concurrently.
type Poller struct {
	cfg  Config
	deps Deps
	log  logx.Logger

	seen    storage.Seen
	courses []Course
	dirty   bool

	// per-cycle counters, reset by afterCycle
	sent, failed int

	mu     sync.Mutex
	status Status
}

// item is one announcement tagged with its course.
type item struct {
	course Course
	a      canvas.Announcement
	ts     string
}

func New(cfg Config, deps Deps) (*Poller, error) {
	if deps.Source == nil {
		return nil, errors.New("poller: source required")
	}
	if deps.Sender == nil {
		return nil, errors.New("poller: sender required")
	}
	if deps.Store == nil {
		return nil, errors.New("poller: store required")
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Sleep == nil {
		deps.Sleep = sleepCtx
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if cfg.Schedule.Schedule == nil {
		cfg.Schedule = DefaultSchedule()
	}
	if cfg.Pace < 0 {
		cfg.Pace = 0
	}
	return &Poller{
		cfg:  cfg,
		deps: deps,
		log:  deps.Log.With(logx.String("comp", "poller")),
	}, nil
}

// Run loads the seen-set, resolves courses, bootstraps and then polls until
// ctx is done. Only a failure to load the seen-set is returned.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.load(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	p.status.Started = p.deps.Now()
	p.mu.Unlock()

	for {
		err := p.resolveCourses(ctx)
		if err == nil {
			break
		}
		p.setError(err)
		p.log.Warn("course discovery failed", logx.Err(err))
		if err := p.wait(ctx); err != nil {
			return nil
		}
	}

	p.guard("bootstrap", func() { p.bootstrap(ctx) })
	p.afterCycle(ctx, true)

	for {
		if err := p.wait(ctx); err != nil {
			return nil
		}
		p.guard("cycle", func() { p.cycle(ctx) })
		p.afterCycle(ctx, false)
	}
}

// guard runs one pass and turns a panic into a logged error so the loop
// still reaches its next wait. Items marked before the panic stay marked.
func (p *Poller) guard(phase string, fn func()) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		p.mu.Lock()
		p.status.Panics++
		p.status.LastError = fmt.Sprintf("%s panic: %v", phase, r)
		p.mu.Unlock()
		p.log.Error("poll pass panicked",
			logx.String("phase", phase),
			logx.Any("panic", r),
			logx.String("stack", string(debug.Stack())),
		)
	}()
	fn()
}

func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Poller) load(ctx context.Context) error {
	seen, err := p.deps.Store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load seen announcements: %w", err)
	}
	if seen == nil {
		seen = storage.Seen{}
	}
	p.seen = seen
	p.mu.Lock()
	p.status.Seen = len(seen)
	p.mu.Unlock()
	p.log.Info("seen announcements loaded", logx.Int("count", len(seen)))
	return nil
}

// resolveCourses fixes the course list for the lifetime of the loop.
// Configured courses win; names missing from config are looked up.
func (p *Poller) resolveCourses(ctx context.Context) error {
	var out []Course
	if len(p.cfg.Courses) > 0 {
		out = make([]Course, 0, len(p.cfg.Courses))
		for _, c := range p.cfg.Courses {
			if c.Name == "" {
				c.Name = p.deps.Source.FetchCourseName(ctx, c.ID)
			}
			out = append(out, c)
		}
	} else {
		found, err := p.deps.Source.ListActiveCourses(ctx)
		if err != nil {
			return err
		}
		for _, c := range found {
			name := c.Name
			if name == "" {
				name = canvas.PlaceholderName(c.ID)
			}
			out = append(out, Course{ID: c.ID, Name: name})
		}
	}

	p.courses = out
	p.mu.Lock()
	p.status.Courses = len(out)
	p.mu.Unlock()
	p.log.Info("courses resolved", logx.Int("count", len(out)), logx.Bool("discovered", len(p.cfg.Courses) == 0))
	return nil
}

// bootstrap reconciles what already exists on Canvas before steady polling.
func (p *Poller) bootstrap(ctx context.Context) {
	var items []item
	for _, c := range p.courses {
		if ctx.Err() != nil {
			return
		}
		list, err := p.fetch(ctx, c)
		if err != nil {
			continue
		}
		for _, a := range list {
			items = append(items, item{course: c, a: a, ts: a.EffectiveTimestamp()})
		}
	}
	sortByTimestamp(items)

	if !p.cfg.InitialSend {
		for _, it := range items {
			if p.unkeyed(it) {
				continue
			}
			p.seen.Mark(it.a.Key(), it.ts)
		}
		p.save(ctx)
		p.log.Info("bootstrap marked existing announcements seen", logx.Int("count", len(items)))
		return
	}

	sent := 0
	for _, it := range items {
		if ctx.Err() != nil {
			return
		}
		if p.unkeyed(it) || p.seen.Has(it.a.Key()) {
			continue
		}
		if p.deliver(ctx, it) {
			sent++
		}
	}
	p.log.Info("bootstrap delivered existing announcements", logx.Int("sent", sent), logx.Int("found", len(items)))
}

// cycle is one steady-state pass over every course in order.
func (p *Poller) cycle(ctx context.Context) {
	for _, c := range p.courses {
		if ctx.Err() != nil {
			return
		}
		list, err := p.fetch(ctx, c)
		if err != nil {
			continue
		}
		items := make([]item, 0, len(list))
		for _, a := range list {
			items = append(items, item{course: c, a: a, ts: a.PostedAt})
		}
		sortByTimestamp(items)

		for _, it := range items {
			if ctx.Err() != nil {
				return
			}
			if p.unkeyed(it) || p.seen.Has(it.a.Key()) {
				continue
			}
			p.deliver(ctx, it)
		}
	}
}

// unkeyed reports an announcement without an id. It can't be tracked in the
// seen-set, so it is skipped rather than sent on every cycle.
func (p *Poller) unkeyed(it item) bool {
	if it.a.Key() != "" {
		return false
	}
	p.log.Warn("announcement without id skipped",
		logx.Int64("course_id", it.course.ID),
		logx.String("title", it.a.Title),
	)
	return true
}

func (p *Poller) fetch(ctx context.Context, c Course) ([]canvas.Announcement, error) {
	list, err := p.deps.Source.FetchAnnouncements(ctx, c.ID)
	if err != nil {
		p.log.Warn("fetch announcements failed", logx.Int64("course_id", c.ID), logx.Err(err))
		p.mu.Lock()
		p.status.FetchFailures++
		p.status.LastError = err.Error()
		p.mu.Unlock()
		p.publish(eventbus.TypeFetchFailed, FetchFailedEvent{CourseID: c.ID, Error: err.Error()})
		return nil, err
	}
	return list, nil
}

// deliver sends one announcement; on success it is marked seen with it.ts,
// the seen-set is saved and the pace delay applied.
func (p *Poller) deliver(ctx context.Context, it item) bool {
	msg := p.message(it)
	if err := p.deps.Sender.Send(ctx, msg); err != nil {
		p.log.Error("send announcement failed",
			logx.Int64("course_id", it.course.ID),
			logx.String("id", msg.Key),
			logx.Err(err),
		)
		p.mu.Lock()
		p.status.SendFailures++
		p.status.LastError = err.Error()
		p.mu.Unlock()
		p.failed++
		return false
	}

	p.seen.Mark(msg.Key, it.ts)
	p.sent++
	p.mu.Lock()
	p.status.Sent++
	p.mu.Unlock()
	p.log.Info("announcement sent",
		logx.Int64("course_id", it.course.ID),
		logx.String("id", msg.Key),
		logx.String("title", msg.Title),
	)
	p.save(ctx)

	if p.cfg.Pace > 0 {
		_ = p.deps.Sleep(ctx, p.cfg.Pace)
	}
	return true
}

func (p *Poller) message(it item) notifier.Message {
	a := it.a
	atts := make([]notifier.Attachment, 0, len(a.Attachments))
	for _, f := range a.Attachments {
		atts = append(atts, notifier.Attachment{Name: f.DisplayName, URL: f.URL})
	}
	return notifier.Message{
		CourseID:    it.course.ID,
		CourseName:  it.course.Name,
		Title:       a.Title,
		Body:        format.Body(a.Message),
		URL:         p.deps.Source.AnnouncementURL(a, it.course.ID),
		Author:      a.AuthorName(),
		Attachments: atts,
		PostedAt:    a.PostedAt,
		Key:         a.Key(),
	}
}

// save persists the whole seen-set. A failed write leaves the poller dirty
// and is retried after the cycle.
func (p *Poller) save(ctx context.Context) {
	err := p.deps.Store.Save(ctx, p.seen)
	p.mu.Lock()
	p.status.Seen = len(p.seen)
	if err != nil {
		p.status.SaveFailures++
		p.status.LastError = err.Error()
	}
	p.dirty = err != nil
	p.status.Dirty = p.dirty
	p.mu.Unlock()
	if err != nil {
		p.log.Error("save seen announcements failed", logx.Err(err))
		p.publish(eventbus.TypeSaveFailed, nil)
	}
}

func (p *Poller) afterCycle(ctx context.Context, bootstrap bool) {
	if p.dirty && ctx.Err() == nil {
		p.save(ctx)
	}

	now := p.deps.Now()
	p.mu.Lock()
	p.status.Cycles++
	if bootstrap {
		p.status.Bootstrapped = true
	}
	prev := p.status.LastCycle
	p.status.LastCycle = now
	ev := CycleEvent{Cycle: p.status.Cycles, Bootstrap: bootstrap, Sent: p.sent, Failed: p.failed}
	p.mu.Unlock()
	p.sent, p.failed = 0, 0
	if !prev.IsZero() {
		ev.Duration = now.Sub(prev)
	}
	p.publish(eventbus.TypeCycleDone, ev)

	if p.deps.Heartbeat != nil {
		p.deps.Heartbeat()
	}
}

func (p *Poller) wait(ctx context.Context) error {
	d := p.cfg.Schedule.Delay(p.deps.Now())
	p.log.Debug("waiting for next poll", logx.Duration("delay", d))
	return p.deps.Sleep(ctx, d)
}

func (p *Poller) setError(err error) {
	p.mu.Lock()
	p.status.LastError = err.Error()
	p.mu.Unlock()
}

func (p *Poller) publish(typ string, data any) {
	if p.deps.Bus == nil {
		return
	}
	p.deps.Bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// sortByTimestamp orders ascending by ISO-8601 string; "" sorts first and
// equal timestamps keep fetch order.
func sortByTimestamp(items []item) {
	sort.SliceStable(items, func(i, j int) bool { return items[i].ts < items[j].ts })
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
