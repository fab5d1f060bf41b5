package config

import (
	"errors"
	"fmt"
	"strings"
)

type Config struct {
	Telegram TelegramConfig  `json:"telegram"`
	Accounts []AccountConfig `json:"accounts"`
	Queue    QueueConfig     `json:"queue"`
	Media    MediaConfig     `json:"media,omitempty"`
	Server   ServerConfig    `json:"server,omitempty"`
	Logging  LoggingConfig   `json:"logging"`
	Storage  StorageConfig   `json:"storage"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// ChannelID is the source channel whose posts are relayed.
	ChannelID int64 `json:"channel_id"`
	// OwnerID may forward channel posts to the bot directly.
	OwnerID int64 `json:"owner_id"`
	// GroupLog is an optional chat id for the Telegram log sink.
	GroupLog string `json:"group_log,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// AccountConfig holds OAuth 1.0a credentials for one downstream
// publishing account. Account index (1-based position in the list) is
// part of the durable per-account status records, so reordering accounts
// in a live deployment changes their identity.
type AccountConfig struct {
	Name         string `json:"name,omitempty"`
	APIKey       string `json:"api_key"`
	APISecret    string `json:"api_secret"`
	AccessToken  string `json:"access_token"`
	AccessSecret string `json:"access_secret"`
	// RatePerMin caps publish calls for this account. 0 means default.
	RatePerMin int `json:"rate_per_min,omitempty"`
}

type QueueConfig struct {
	// Spacing is the minimum gap between reserved post slots.
	// Go duration string, default "2h".
	Spacing string `json:"spacing,omitempty"`
	// Footer is appended to every relayed post.
	Footer string `json:"footer,omitempty"`
}

type MediaConfig struct {
	// Dir is the scratch directory for staged media. Default "./media".
	Dir string `json:"dir,omitempty"`
	// SweepSpec is a cron spec for the scratch janitor. Default hourly.
	SweepSpec string `json:"sweep_spec,omitempty"`
	// MaxAge prunes staged files older than this. Default "48h".
	MaxAge string `json:"max_age,omitempty"`
}

type ServerConfig struct {
	Enabled bool `json:"enabled"`
	// Addr defaults to "127.0.0.1:3001".
	Addr string `json:"addr,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type StorageConfig struct {
	// Path of the sqlite database file.
	Path string `json:"path"`
	// BusyTimeout is a Go duration string (sqlite busy_timeout pragma).
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// Validate checks fields that would otherwise fail far from startup.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if c.Telegram.ChannelID == 0 {
		return errors.New("telegram.channel_id is required")
	}
	if len(c.Accounts) == 0 {
		return errors.New("at least one account is required")
	}
	for i, a := range c.Accounts {
		if strings.TrimSpace(a.APIKey) == "" || strings.TrimSpace(a.APISecret) == "" ||
			strings.TrimSpace(a.AccessToken) == "" || strings.TrimSpace(a.AccessSecret) == "" {
			return fmt.Errorf("accounts[%d]: incomplete credentials", i)
		}
	}
	if _, err := ParseDurationField("queue.spacing", c.Queue.Spacing); err != nil {
		return err
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	return nil
}
