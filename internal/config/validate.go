package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	logx "canvasbot/pkg/logx"
)

// Validate checks fields that don't need other packages to interpret.
// Schedule strings are validated where they are parsed (poller).
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if strings.TrimSpace(cfg.Canvas.Domain) == "" {
		errs = append(errs, errors.New("canvas.domain is required"))
	}
	if strings.TrimSpace(cfg.Canvas.Token) == "" {
		errs = append(errs, fmt.Errorf("canvas.token is required (or set %s)", EnvCanvasToken))
	}
	if cfg.Canvas.PerPage < 0 {
		errs = append(errs, errors.New("canvas.per_page must be >= 0"))
	}
	if _, err := ParseDurationField("canvas.timeout", cfg.Canvas.Timeout); err != nil {
		errs = append(errs, err)
	}

	if err := validateWebhookURL("discord.webhook_url", cfg.Discord.WebhookURL); err != nil {
		errs = append(errs, fmt.Errorf("%w (or set %s)", err, EnvDiscordWebhook))
	}
	if cfg.Discord.RatePerSec < 0 {
		errs = append(errs, errors.New("discord.rate_per_sec must be >= 0"))
	}
	if _, err := ParseDurationField("discord.timeout", cfg.Discord.Timeout); err != nil {
		errs = append(errs, err)
	}

	seen := make(map[int64]bool, len(cfg.Courses))
	for i, c := range cfg.Courses {
		if c.ID <= 0 {
			errs = append(errs, fmt.Errorf("courses[%d].id must be > 0", i))
			continue
		}
		if seen[c.ID] {
			errs = append(errs, fmt.Errorf("courses[%d].id %d is duplicated", i, c.ID))
		}
		seen[c.ID] = true
	}

	if _, err := ParseDurationField("poll.pace", cfg.Poll.Pace); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		errs = append(errs, err)
	}

	if !logx.ValidLevel(cfg.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if cfg.Logging.Webhook.Enabled {
		if err := validateWebhookURL("logging.webhook.url", cfg.Logging.Webhook.URL); err != nil {
			errs = append(errs, err)
		}
		if !logx.ValidLevel(cfg.Logging.Webhook.MinLevel) {
			errs = append(errs, fmt.Errorf("logging.webhook.min_level: unknown level %q", cfg.Logging.Webhook.MinLevel))
		}
	}

	return errors.Join(errs...)
}

func validateWebhookURL(path, raw string) error {
	s := strings.TrimSpace(raw)
	if s == "" {
		return fmt.Errorf("%s is required", path)
	}
	u, err := url.Parse(s)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s: scheme must be http or https", path)
	}
	if u.Host == "" {
		return fmt.Errorf("%s: host is required", path)
	}
	return nil
}
