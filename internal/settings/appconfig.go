package settings

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// AppConfig is the static operator configuration, read once at startup
// from an optional config.yml and overridable by environment variables.
type AppConfig struct {
	DataDir       string              `yaml:"data_dir"`
	Port          int                 `yaml:"port"`
	LogLevel      string              `yaml:"log_level"`
	LogToFile     bool                `yaml:"log_to_file"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

// NotificationsConfig enables outbound notification providers. An empty
// events list means every event notifies.
type NotificationsConfig struct {
	Webhook  *WebhookConfig  `yaml:"webhook"`
	Discord  *DiscordConfig  `yaml:"discord"`
	Telegram *TelegramConfig `yaml:"telegram"`
}

// WebhookConfig configures the generic HTTP webhook provider.
type WebhookConfig struct {
	URL    string   `yaml:"url"`
	Method string   `yaml:"method"`
	Events []string `yaml:"events"`
}

// DiscordConfig configures the Discord webhook provider.
type DiscordConfig struct {
	WebhookURL string   `yaml:"webhook_url"`
	Events     []string `yaml:"events"`
}

// TelegramConfig configures the Telegram bot provider.
type TelegramConfig struct {
	Token  string   `yaml:"token"`
	ChatID string   `yaml:"chat_id"`
	Events []string `yaml:"events"`
}

// LoadAppConfig reads config.yml if present and applies env overrides.
func LoadAppConfig(path string) (AppConfig, error) {
	cfg := AppConfig{
		Port:      8080,
		LogLevel:  "INFO",
		LogToFile: true,
	}

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("reading %s: %w", path, err)
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil || p <= 0 || p > 65535 {
			return cfg, fmt.Errorf("invalid PORT value %q", port)
		}
		cfg.Port = p
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if url := os.Getenv("WEBHOOK_URL"); url != "" {
		if cfg.Notifications.Webhook == nil {
			cfg.Notifications.Webhook = &WebhookConfig{}
		}
		cfg.Notifications.Webhook.URL = url
	}
	if cfg.DataDir == "" {
		cfg.DataDir = DataDir()
	}

	return cfg, nil
}
