package notifier

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"canvasbot/internal/eventbus"
	"canvasbot/internal/httpx"
	logx "canvasbot/pkg/logx"
)

var ErrNoWebhook = errors.New("notifier: webhook url not configured")

// Service renders and delivers notifications. Send is synchronous so the
// caller only marks an announcement seen after the webhook accepted it.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log  logx.Logger
	bus  eventbus.Bus
	http *http.Client

	cfg     Config
	limiter *rate.Limiter

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{log: log, bus: bus}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if strings.TrimSpace(cfg.Mention) == "" {
		cfg.Mention = DefaultMention
	}
	if cfg.Color == 0 {
		cfg.Color = DefaultColor
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.http = &http.Client{Timeout: cfg.Timeout}
}

// MentionFor returns the audience tag for courseID.
func (s *Service) MentionFor(courseID int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.cfg.Roles[courseID]; ok && strings.TrimSpace(r) != "" {
		return r
	}
	return s.cfg.Mention
}

// Send delivers m as one webhook call. A non-2xx response is an error.
func (s *Service) Send(ctx context.Context, m Message) error {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	client := s.http
	s.mu.Unlock()

	if strings.TrimSpace(cfg.WebhookURL) == "" {
		return ErrNoWebhook
	}

	p := s.render(m)
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
	}

	err := httpx.PostJSON(ctx, client, cfg.WebhookURL, p)
	now := time.Now()
	if err != nil {
		s.log.Debug("notify send failed", logx.Int64("course_id", m.CourseID), logx.String("key", m.Key), logx.Err(err))
		s.publish(eventbus.TypeNotifierFailed, NotificationEvent{CourseID: m.CourseID, Key: m.Key, At: now, Error: err.Error()})
		return err
	}

	s.appendHistory(HistoryItem{At: now, CourseID: m.CourseID, Title: p.Embeds[0].Title})
	s.publish(eventbus.TypeNotifierSent, NotificationEvent{CourseID: m.CourseID, Key: m.Key, At: now})
	return nil
}

// SendText posts a plain content message (no embed). Used for operator log alerts.
func (s *Service) SendText(ctx context.Context, text string) error {
	s.mu.Lock()
	url := s.cfg.WebhookURL
	client := s.http
	s.mu.Unlock()
	if strings.TrimSpace(url) == "" {
		return ErrNoWebhook
	}
	return httpx.PostJSON(ctx, client, url, payload{Content: text})
}

func (s *Service) render(m Message) payload {
	s.mu.Lock()
	color := s.cfg.Color
	s.mu.Unlock()

	title := m.Title
	if strings.TrimSpace(title) == "" {
		title = DefaultTitle
	}
	footer := m.CourseName
	if strings.TrimSpace(footer) == "" {
		footer = DefaultFooter
	}

	e := embed{
		Title:       title,
		Description: m.Body,
		URL:         m.URL,
		Color:       color,
		Footer:      embedFooter{Text: footer},
		Timestamp:   m.PostedAt,
	}
	if m.Author != "" {
		e.Author = &embedAuthor{Name: m.Author}
	}
	for _, a := range m.Attachments {
		if a.URL == "" {
			continue
		}
		name := a.Name
		if name == "" {
			name = "file"
		}
		e.Fields = append(e.Fields, embedField{Name: "Attachment", Value: "[" + name + "](" + a.URL + ")"})
	}

	return payload{
		Content: s.MentionFor(m.CourseID) + " " + headline,
		Embeds:  []embed{e},
	}
}

func (s *Service) publish(typ string, ev NotificationEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

// Recent returns up to n of the latest deliveries, oldest first.
// n <= 0 returns the whole history.
func (s *Service) Recent(n int) []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	h := s.history
	if n > 0 && len(h) > n {
		h = h[len(h)-n:]
	}
	return append([]HistoryItem(nil), h...)
}

func (s *Service) appendHistory(it HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}
