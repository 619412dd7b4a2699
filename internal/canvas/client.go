// Package canvas is a minimal read-only client for the Canvas LMS REST API:
// active courses, course names, and course announcements.
package canvas

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"canvasbot/internal/httpx"
	logx "canvasbot/pkg/logx"
)

const defaultPerPage = 100

type Config struct {
	// Domain is the Canvas host ("school.instructure.com"). A value with an
	// explicit scheme ("http://127.0.0.1:8080") is used as the base URL as-is.
	Domain  string
	Token   string
	Timeout time.Duration
	// PerPage is the single page size requested; items past it are not seen.
	PerPage int
}

type Client struct {
	base    string
	token   string
	perPage int
	http    *http.Client
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	base, err := BaseURL(cfg.Domain)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("canvas token is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PerPage <= 0 {
		cfg.PerPage = defaultPerPage
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		base:    base,
		token:   strings.TrimSpace(cfg.Token),
		perPage: cfg.PerPage,
		http:    &http.Client{Timeout: cfg.Timeout},
		log:     log,
	}, nil
}

// BaseURL normalizes a Canvas domain into "scheme://host" without a trailing slash.
func BaseURL(domain string) (string, error) {
	d := strings.TrimRight(strings.TrimSpace(domain), "/")
	if d == "" {
		return "", errors.New("canvas domain is required")
	}
	if !strings.HasPrefix(d, "http://") && !strings.HasPrefix(d, "https://") {
		d = "https://" + d
	}
	u, err := url.Parse(d)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid canvas domain %q", domain)
	}
	return u.Scheme + "://" + u.Host, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.token)

	start := time.Now()
	err := httpx.GetJSON(ctx, c.http, u, h, out)
	c.log.Debug("canvas request", logx.String("path", path), logx.Duration("took", time.Since(start)), logx.Err(err))
	return err
}

// ListActiveCourses returns the token owner's actively enrolled courses (first page).
func (c *Client) ListActiveCourses(ctx context.Context) ([]Course, error) {
	q := url.Values{}
	q.Set("enrollment_state", "active")
	q.Set("per_page", strconv.Itoa(c.perPage))

	var out []Course
	if err := c.get(ctx, "/api/v1/courses", q, &out); err != nil {
		return nil, fmt.Errorf("list active courses: %w", err)
	}
	return out, nil
}

// FetchAnnouncements returns the first page of announcements for courseID,
// in whatever order Canvas returns them.
func (c *Client) FetchAnnouncements(ctx context.Context, courseID int64) ([]Announcement, error) {
	q := url.Values{}
	q.Set("only_announcements", "true")
	q.Set("per_page", strconv.Itoa(c.perPage))

	var out []Announcement
	path := "/api/v1/courses/" + strconv.FormatInt(courseID, 10) + "/discussion_topics"
	if err := c.get(ctx, path, q, &out); err != nil {
		return nil, fmt.Errorf("fetch announcements for course %d: %w", courseID, err)
	}
	return out, nil
}

// FetchCourseName returns the course's name, or "course_<id>" on any failure.
func (c *Client) FetchCourseName(ctx context.Context, courseID int64) string {
	var out Course
	if err := c.get(ctx, "/api/v1/courses/"+strconv.FormatInt(courseID, 10), nil, &out); err != nil {
		c.log.Warn("course name lookup failed; using placeholder", logx.Int64("course_id", courseID), logx.Err(err))
		return PlaceholderName(courseID)
	}
	if strings.TrimSpace(out.Name) == "" {
		return PlaceholderName(courseID)
	}
	return out.Name
}

// AnnouncementURL returns the announcement's html_url, or the canonical
// discussion topic URL built from the course id.
func (c *Client) AnnouncementURL(a Announcement, courseID int64) string {
	if a.HTMLURL != "" {
		return a.HTMLURL
	}
	return c.base + "/courses/" + strconv.FormatInt(courseID, 10) + "/discussion_topics/" + a.ID.String()
}
