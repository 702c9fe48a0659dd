// Package config loads the scanner configuration: a YAML file, secrets from
// .env and the environment, struct-tag defaults and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"signal-radar/internal/api"
	"signal-radar/internal/classifier"
	"signal-radar/internal/digest"
	"signal-radar/internal/indicator"
	"signal-radar/internal/markethours"
	"signal-radar/internal/notification"
	"signal-radar/internal/pipeline"
	"signal-radar/internal/retry"
	"signal-radar/internal/schedule"
	redisstore "signal-radar/internal/store/redis"
)

// Config is the whole scanner configuration. One instance is built at
// startup and passed down explicitly.
type Config struct {
	Service  string `yaml:"service" default:"signal-radar"`
	LogLevel string `yaml:"log_level" default:"info" validate:"oneof=debug info warn error"`

	Source     SourceConfig          `yaml:"source"`
	Indicators indicator.Params      `yaml:"indicators"`
	Rules      classifier.Config     `yaml:"rules"`
	Buckets    []digest.BucketConfig `yaml:"buckets" validate:"required,min=1,dive"`
	Digest     digest.Options        `yaml:"digest"`
	Channels   []ChannelConfig       `yaml:"channels" validate:"required,min=1,dive"`
	Dedup      DedupConfig           `yaml:"dedup"`
	State      StateConfig           `yaml:"state"`
	Pipeline   pipeline.Config       `yaml:"pipeline"`
	Dispatch   retry.Policy          `yaml:"dispatch"`
	Fetch      retry.Policy          `yaml:"fetch"`
	Calendar   markethours.Config    `yaml:"calendar"`
	Schedule   schedule.Config       `yaml:"schedule"`
	API        APIConfig             `yaml:"api"`
}

// SourceConfig selects the bar source.
type SourceConfig struct {
	Kind string `yaml:"kind" default:"csv" validate:"oneof=csv sqlite"`
	Path string `yaml:"path" default:"data/bars.csv" validate:"required"`
}

type DedupConfig struct {
	MaxSize int `yaml:"max_size" default:"50000" validate:"gte=0"`
}

// StateConfig selects where dedup and cooldown state lives.
type StateConfig struct {
	Backend string `yaml:"backend" default:"file" validate:"oneof=file sqlite redis memory"`

	// Path is the directory (file) or database file (sqlite).
	Path string `yaml:"path" default:"data/state"`

	Redis          redisstore.Config `yaml:"redis"`
	ResetOnCorrupt bool              `yaml:"reset_on_corrupt"`

	// FallbackChannel receives CRITICAL alerts when state cannot be loaded.
	FallbackChannel string `yaml:"fallback_channel"`
}

type APIConfig struct {
	Enabled    bool `yaml:"enabled"`
	api.Config `yaml:",inline"`
}

// Channel types.
const (
	ChannelTelegram  = "telegram"
	ChannelWebhook   = "webhook"
	ChannelEmail     = "email"
	ChannelKafka     = "kafka"
	ChannelLog       = "log"
	ChannelWebsocket = "websocket"
)

// ChannelConfig declares one named notification channel. Only the block
// matching Type is read.
type ChannelConfig struct {
	Name string `yaml:"name" validate:"required"`
	Type string `yaml:"type" validate:"oneof=telegram webhook email kafka log websocket"`

	Telegram  *TelegramConfig           `yaml:"telegram" default:"-" validate:"required_if=Type telegram"`
	Webhook   *WebhookConfig            `yaml:"webhook" default:"-" validate:"required_if=Type webhook"`
	Email     *notification.EmailConfig `yaml:"email" default:"-" validate:"required_if=Type email"`
	Kafka     *notification.KafkaConfig `yaml:"kafka" default:"-" validate:"required_if=Type kafka"`
	Websocket *WebsocketConfig          `yaml:"websocket" default:"-"`
}

type TelegramConfig struct {
	BotToken string `yaml:"bot_token" validate:"required"`
	ChatID   string `yaml:"chat_id" validate:"required"`
	APIBase  string `yaml:"api_base" default:"https://api.telegram.org"`
}

type WebhookConfig struct {
	URL string `yaml:"url" validate:"required,url"`
}

type WebsocketConfig struct {
	ReplaySize     int  `yaml:"replay_size" default:"100" validate:"min=1"`
	RequireClients bool `yaml:"require_clients"`
}

var validate = validator.New()

// Load reads .env (if present), the YAML file at path and environment
// overrides, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	// .env is optional; real environment variables win over it.
	_ = godotenv.Load()

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse builds a Config from YAML bytes plus the process environment.
func Parse(b []byte) (*Config, error) {
	var c Config
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.applyChannelDefaults(); err != nil {
		return nil, err
	}
	c.applyEnv()

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &c, nil
}

// applyChannelDefaults fills defaults for list elements and optional blocks,
// which yaml allocates after the top-level defaults pass.
func (c *Config) applyChannelDefaults() error {
	for i := range c.Channels {
		ch := &c.Channels[i]
		var targets []interface{}
		if ch.Telegram != nil {
			targets = append(targets, ch.Telegram)
		}
		if ch.Email != nil {
			targets = append(targets, ch.Email)
		}
		if ch.Kafka != nil {
			targets = append(targets, ch.Kafka)
		}
		if ch.Type == ChannelWebsocket && ch.Websocket == nil {
			ch.Websocket = &WebsocketConfig{}
		}
		if ch.Websocket != nil {
			targets = append(targets, ch.Websocket)
		}
		for _, t := range targets {
			if err := defaults.Set(t); err != nil {
				return fmt.Errorf("channel %s defaults: %w", ch.Name, err)
			}
		}
	}
	return nil
}

// applyEnv overrides secrets and deployment knobs from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.State.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.State.Redis.Password = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		if c.State.Backend == "sqlite" {
			c.State.Path = v
		}
		if c.Source.Kind == "sqlite" {
			c.Source.Path = v
		}
	}
	if v := os.Getenv("BARS_PATH"); v != "" {
		c.Source.Path = v
	}
	if n, err := strconv.Atoi(os.Getenv("SHARD_INDEX")); err == nil {
		c.Pipeline.ShardIndex = n
	}
	if n, err := strconv.Atoi(os.Getenv("SHARD_TOTAL")); err == nil {
		c.Pipeline.ShardTotal = n
	}

	for i := range c.Channels {
		ch := &c.Channels[i]
		switch ch.Type {
		case ChannelTelegram:
			if ch.Telegram == nil {
				ch.Telegram = &TelegramConfig{APIBase: "https://api.telegram.org"}
			}
			envInto(&ch.Telegram.BotToken, "TELEGRAM_BOT_TOKEN")
			envInto(&ch.Telegram.ChatID, "TELEGRAM_CHAT_ID")
		case ChannelEmail:
			if ch.Email == nil {
				ch.Email = &notification.EmailConfig{Port: 587}
			}
			envInto(&ch.Email.Host, "SMTP_HOST")
			envInto(&ch.Email.Username, "SMTP_USER")
			envInto(&ch.Email.Password, "SMTP_PASS")
			envInto(&ch.Email.From, "MAIL_FROM")
			if p, err := strconv.Atoi(os.Getenv("SMTP_PORT")); err == nil {
				ch.Email.Port = p
			}
			if v := os.Getenv("MAIL_TO"); v != "" && len(ch.Email.To) == 0 {
				ch.Email.To = splitList(v)
			}
		case ChannelKafka:
			if v := os.Getenv("KAFKA_BROKERS"); v != "" && ch.Kafka != nil {
				ch.Kafka.Brokers = splitList(v)
			}
		}
	}
}

// envInto sets *dst from the environment when dst is empty.
func envInto(dst *string, key string) {
	if *dst == "" {
		*dst = os.Getenv(key)
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate runs struct-tag validation plus cross-field checks.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	var errs []error
	if err := c.Rules.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := digest.ValidateBuckets(c.Buckets); err != nil {
		errs = append(errs, err)
	}

	names := make(map[string]string, len(c.Channels))
	websockets := 0
	for _, ch := range c.Channels {
		if _, dup := names[ch.Name]; dup {
			errs = append(errs, fmt.Errorf("channel %q declared twice", ch.Name))
		}
		names[ch.Name] = ch.Type
		if ch.Type == ChannelWebsocket {
			websockets++
		}
	}
	if websockets > 1 {
		errs = append(errs, errors.New("at most one websocket channel is supported"))
	}
	for _, b := range c.Buckets {
		for _, name := range b.Channels {
			if _, ok := names[name]; !ok {
				errs = append(errs, fmt.Errorf("bucket %q references unknown channel %q", b.Name, name))
			}
		}
	}
	if fb := c.State.FallbackChannel; fb != "" {
		if _, ok := names[fb]; !ok {
			errs = append(errs, fmt.Errorf("state.fallback_channel %q is not a declared channel", fb))
		}
	}
	if (c.State.Backend == "file" || c.State.Backend == "sqlite") && c.State.Path == "" {
		errs = append(errs, fmt.Errorf("state.path is required for the %s backend", c.State.Backend))
	}
	return errors.Join(errs...)
}
