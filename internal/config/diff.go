package config

import (
	"reflect"
	"strings"

	logx "canvasbot/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging (never includes tokens or webhook URLs).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if strings.TrimSpace(oldCfg.Canvas.Domain) != strings.TrimSpace(newCfg.Canvas.Domain) ||
		oldCfg.Canvas.Token != newCfg.Canvas.Token ||
		strings.TrimSpace(oldCfg.Canvas.Timeout) != strings.TrimSpace(newCfg.Canvas.Timeout) ||
		oldCfg.Canvas.PerPage != newCfg.Canvas.PerPage {
		changed = append(changed, "canvas")
		attrs = append(attrs,
			logx.String("canvas.domain", strings.TrimSpace(newCfg.Canvas.Domain)),
			logx.Bool("canvas.token_changed", oldCfg.Canvas.Token != newCfg.Canvas.Token),
		)
	}

	if oldCfg.Discord != newCfg.Discord {
		changed = append(changed, "discord")
		attrs = append(attrs,
			logx.Bool("discord.webhook_changed", oldCfg.Discord.WebhookURL != newCfg.Discord.WebhookURL),
			logx.String("discord.mention", newCfg.Discord.Mention),
			logx.Int("discord.rate_per_sec", newCfg.Discord.RatePerSec),
		)
	}

	if !reflect.DeepEqual(oldCfg.Courses, newCfg.Courses) {
		changed = append(changed, "courses")
		attrs = append(attrs, logx.Int("courses.count", len(newCfg.Courses)))
	}

	if oldCfg.Poll != newCfg.Poll {
		changed = append(changed, "poll")
		attrs = append(attrs,
			logx.String("poll.interval", newCfg.Poll.Interval),
			logx.String("poll.pace", newCfg.Poll.Pace),
			logx.Bool("poll.initial_send", newCfg.Poll.InitialSend),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.webhook_enabled", newCfg.Logging.Webhook.Enabled),
		)
	}

	if oldCfg.Health != newCfg.Health {
		changed = append(changed, "health")
		attrs = append(attrs,
			logx.Bool("health.enabled", newCfg.Health.Enabled),
			logx.String("health.addr", newCfg.Health.Addr),
		)
	}

	return changed, attrs
}

// RestartRequired filters sections down to those that can't be applied live.
// Logging and discord are hot-reloadable.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "logging", "discord":
		default:
			out = append(out, s)
		}
	}
	return out
}
