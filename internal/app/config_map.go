package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"canvasbot/internal/canvas"
	"canvasbot/internal/config"
	"canvasbot/internal/health"
	"canvasbot/internal/notifier"
	"canvasbot/internal/poller"
	"canvasbot/internal/storage"
	logx "canvasbot/pkg/logx"
)

// validate is the full check used at startup and before committing a
// reloaded config: file-level rules plus everything the mappers parse.
func validate(cfg *Config) error {
	errs := []error{config.Validate(cfg)}
	if cfg == nil {
		return errors.Join(errs...)
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapPollerConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func mapStorageConfig(cfg *Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "file", "json":
		if path == "" {
			path = "./seen_announcements.json"
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapCanvasConfig(cfg *Config) (canvas.Config, error) {
	timeout, err := parseDurationOrDefault("canvas.timeout", cfg.Canvas.Timeout, 30*time.Second)
	if err != nil {
		return canvas.Config{}, err
	}
	return canvas.Config{
		Domain:  strings.TrimSpace(cfg.Canvas.Domain),
		Token:   strings.TrimSpace(cfg.Canvas.Token),
		Timeout: timeout,
		PerPage: cfg.Canvas.PerPage,
	}, nil
}

func mapNotifierConfig(cfg *Config) (notifier.Config, error) {
	timeout, err := parseDurationOrDefault("discord.timeout", cfg.Discord.Timeout, 15*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	roles := make(map[int64]string, len(cfg.Courses))
	for _, c := range cfg.Courses {
		if r, ok := cfg.RoleFor(c.ID); ok {
			roles[c.ID] = r
		}
	}
	return notifier.Config{
		WebhookURL: strings.TrimSpace(cfg.Discord.WebhookURL),
		Mention:    cfg.Discord.Mention,
		Roles:      roles,
		Color:      cfg.Discord.Color,
		Timeout:    timeout,
		RatePerSec: cfg.Discord.RatePerSec,
	}, nil
}

// mapAlertConfig builds the operator log webhook sender config.
// ok is false when webhook logging is off.
func mapAlertConfig(cfg *Config) (notifier.Config, bool) {
	wh := cfg.Logging.Webhook
	if !wh.Enabled || strings.TrimSpace(wh.URL) == "" {
		return notifier.Config{}, false
	}
	return notifier.Config{
		WebhookURL: strings.TrimSpace(wh.URL),
		Timeout:    10 * time.Second,
		RatePerSec: max(1, wh.RatePerSec),
	}, true
}

func mapPollerConfig(cfg *Config) (poller.Config, error) {
	sched, err := poller.ParseSchedule(cfg.Poll.Interval)
	if err != nil {
		return poller.Config{}, fmt.Errorf("poll.interval: %w", err)
	}
	pace, err := parseDurationOrDefault("poll.pace", cfg.Poll.Pace, time.Second)
	if err != nil {
		return poller.Config{}, err
	}
	courses := make([]poller.Course, 0, len(cfg.Courses))
	for _, c := range cfg.Courses {
		courses = append(courses, poller.Course{ID: c.ID, Name: strings.TrimSpace(c.Name)})
	}
	return poller.Config{
		Courses:     courses,
		Schedule:    sched,
		Pace:        pace,
		InitialSend: cfg.Poll.InitialSend,
	}, nil
}

func mapHealthConfig(cfg *Config) health.Config {
	return health.Config{
		Enabled: cfg.Health.Enabled,
		Addr:    cfg.Health.Addr,
		Metrics: cfg.Health.Metrics,
	}
}

func mapLogConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Webhook: logx.WebhookConfig{
			Enabled:    cfg.Logging.Webhook.Enabled,
			MinLevel:   cfg.Logging.Webhook.MinLevel,
			RatePerSec: cfg.Logging.Webhook.RatePerSec,
		},
	}
}
