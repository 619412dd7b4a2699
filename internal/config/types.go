package config

import "strings"

type Config struct {
	Canvas  CanvasConfig   `json:"canvas"`
	Discord DiscordConfig  `json:"discord"`
	Courses []CourseConfig `json:"courses,omitempty"`
	Poll    PollConfig     `json:"poll"`
	Storage StorageConfig  `json:"storage"`
	Logging LoggingConfig  `json:"logging"`
	Health  HealthConfig   `json:"health,omitempty"`
}

// CanvasConfig points at the Canvas LMS instance.
//
// Token is a personal access token; prefer CANVAS_TOKEN in the environment
// over writing it into the file.
type CanvasConfig struct {
	Domain string `json:"domain"`
	Token  string `json:"token,omitempty"`
	// Timeout is a Go duration string (default "30s").
	Timeout string `json:"timeout,omitempty"`
	PerPage int    `json:"per_page,omitempty"`
}

type DiscordConfig struct {
	WebhookURL string `json:"webhook_url,omitempty"`
	// Mention is used for courses without an explicit role (default "@everyone").
	Mention    string `json:"mention,omitempty"`
	Color      int    `json:"color,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// CourseConfig is one statically configured course.
//
// An empty course list makes the bot discover the token owner's active courses.
type CourseConfig struct {
	ID   int64  `json:"id"`
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
}

// PollConfig controls the poll loop.
//
// Interval accepts a Go duration ("60s"), HH:MM ("00:05") or a cron
// expression ("*/2 * * * *", "@every 1m").
type PollConfig struct {
	Interval string `json:"interval,omitempty"`
	Pace     string `json:"pace,omitempty"`
	// InitialSend=false marks everything found at startup as seen without sending.
	InitialSend bool `json:"initial_send"`
}

// StorageConfig selects the seen-set backend.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./seen_announcements.json" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	File    LoggingFile    `json:"file"`
	Webhook LoggingWebhook `json:"webhook"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingWebhook forwards high-severity log lines to a Discord channel.
type LoggingWebhook struct {
	Enabled    bool   `json:"enabled"`
	URL        string `json:"url,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// HealthConfig controls the optional liveness listener.
//
// Some hosts only keep a process alive while it answers HTTP; PORT in the
// environment overrides the port of Addr.
type HealthConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Metrics bool   `json:"metrics,omitempty"`
}

// RoleFor returns the configured mention for courseID, if any.
func (c *Config) RoleFor(courseID int64) (string, bool) {
	for _, cc := range c.Courses {
		if cc.ID != courseID {
			continue
		}
		if r := strings.TrimSpace(cc.Role); r != "" {
			return r, true
		}
	}
	return "", false
}
