// Package config loads server configuration from a yaml file with environment
// overrides for the secrets.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type TelegramConfig struct {
	BotToken       string `yaml:"bot_token"`
	AdminChatID    int64  `yaml:"admin_chat_id"`
	InitDataMaxAge string `yaml:"init_data_max_age"`
}

type Config struct {
	Mode        string         `yaml:"mode"`
	Server      ServerConfig   `yaml:"server"`
	DatabaseURL string         `yaml:"database_url"`
	Telegram    TelegramConfig `yaml:"telegram"`
}

// Load reads the yaml file at path (missing file is fine, env can carry
// everything), applies env overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Mode: "dev",
		Server: ServerConfig{
			Addr: ":8080",
		},
		Telegram: TelegramConfig{
			InitDataMaxAge: "24h",
		},
	}

	if buf, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("BOT_TOKEN"); v != "" {
		cfg.Telegram.BotToken = v
	}
	if v := os.Getenv("ADMIN_CHAT_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid ADMIN_CHAT_ID: %w", err)
		}
		cfg.Telegram.AdminChatID = id
	}
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("database_url is required (config file or DATABASE_URL)")
	}
	if cfg.Telegram.BotToken == "" {
		return nil, errors.New("telegram bot_token is required (config file or BOT_TOKEN)")
	}
	if cfg.Telegram.AdminChatID == 0 {
		return nil, errors.New("telegram admin_chat_id is required (config file or ADMIN_CHAT_ID)")
	}
	if _, err := cfg.InitDataMaxAge(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// InitDataMaxAge returns the freshness window for identity assertions.
func (c *Config) InitDataMaxAge() (time.Duration, error) {
	d, err := time.ParseDuration(c.Telegram.InitDataMaxAge)
	if err != nil {
		return 0, fmt.Errorf("invalid init_data_max_age %q: %w", c.Telegram.InitDataMaxAge, err)
	}
	return d, nil
}
