package notifier

import "time"

const (
	DefaultMention = "@everyone"
	DefaultColor   = 0x3498db
	DefaultTitle   = "(no title)"
	DefaultFooter  = "Canvas Announcement"
	headline       = "🚨 New Canvas Announcement!"
)

// Config controls webhook delivery.
type Config struct {
	WebhookURL string
	// Mention is used for courses missing from Roles.
	Mention    string
	Roles      map[int64]string
	Color      int
	Timeout    time.Duration
	RatePerSec int
}

// Attachment is rendered as a "[name](url)" embed field.
type Attachment struct {
	Name string
	URL  string
}

// Message is one announcement notification.
type Message struct {
	CourseID    int64
	CourseName  string
	Title       string
	Body        string
	URL         string
	Author      string
	Attachments []Attachment
	PostedAt    string
	// Key identifies the announcement in events (seen-set key).
	Key string
}

// HistoryItem is one delivered announcement, newest last.
type HistoryItem struct {
	At       time.Time `json:"at"`
	CourseID int64     `json:"course_id"`
	Title    string    `json:"title"`
}

// NotificationEvent is emitted on the event bus for notifier lifecycle events.
type NotificationEvent struct {
	CourseID int64     `json:"course_id"`
	Key      string    `json:"key"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}

// ---- Discord webhook payload ----

type payload struct {
	Content string  `json:"content"`
	Embeds  []embed `json:"embeds,omitempty"`
}

type embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description"`
	URL         string       `json:"url,omitempty"`
	Color       int          `json:"color"`
	Footer      embedFooter  `json:"footer"`
	Timestamp   string       `json:"timestamp,omitempty"`
	Author      *embedAuthor `json:"author,omitempty"`
	Fields      []embedField `json:"fields,omitempty"`
}

type embedFooter struct {
	Text string `json:"text"`
}

type embedAuthor struct {
	Name string `json:"name"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}
