package config

import (
	"net"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override file values. Secrets usually live here.
const (
	EnvConfigPath     = "CANVASBOT_CONFIG"
	EnvCanvasDomain   = "CANVAS_DOMAIN"
	EnvCanvasToken    = "CANVAS_TOKEN"
	EnvDiscordWebhook = "DISCORD_WEBHOOK"
	EnvPort           = "PORT"
)

// LoadDotEnv loads .env from the working directory if present.
// Variables already set in the process environment win.
func LoadDotEnv() {
	for _, p := range []string{".env", "../.env"} {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
			return
		}
	}
}

// applyEnv overlays environment values onto cfg.
func applyEnv(cfg *Config, getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(getenv(EnvCanvasDomain)); v != "" {
		cfg.Canvas.Domain = v
	}
	if v := strings.TrimSpace(getenv(EnvCanvasToken)); v != "" {
		cfg.Canvas.Token = v
	}
	if v := strings.TrimSpace(getenv(EnvDiscordWebhook)); v != "" {
		cfg.Discord.WebhookURL = v
	}
	if v := strings.TrimSpace(getenv(EnvPort)); v != "" {
		host := ""
		if h, _, err := net.SplitHostPort(strings.TrimSpace(cfg.Health.Addr)); err == nil {
			host = h
		}
		cfg.Health.Addr = net.JoinHostPort(host, v)
		cfg.Health.Enabled = true
	}
}

// Path returns the config path from CANVASBOT_CONFIG, or ./config.yaml.
func Path() string {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return "./config.yaml"
}
