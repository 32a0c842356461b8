// Package config loads remindflow settings from a YAML file, an optional
// .env file and REMINDFLOW_* environment variables, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"remindflow/internal/domain"
	"remindflow/internal/notify"
)

const EnvPrefix = "REMINDFLOW_"

type Config struct {
	HTTP       HTTP       `yaml:"http" envPrefix:"HTTP_"`
	Log        Log        `yaml:"log" envPrefix:"LOG_"`
	Storage    Storage    `yaml:"storage" envPrefix:"STORAGE_"`
	Redis      Redis      `yaml:"redis" envPrefix:"REDIS_"`
	Scheduler  Scheduler  `yaml:"scheduler" envPrefix:"SCHEDULER_"`
	Dispatcher Dispatcher `yaml:"dispatcher" envPrefix:"DISPATCHER_"`
	Desktop    Desktop    `yaml:"desktop" envPrefix:"DESKTOP_"`
	SMS        SMS        `yaml:"sms" envPrefix:"SMS_"`
	Email      Email      `yaml:"email" envPrefix:"EMAIL_"`
}

type HTTP struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

type Log struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"` // console or json
}

type Storage struct {
	Path string `yaml:"path" env:"PATH"`
}

// Redis backs the in_app channel. An empty Addr disables it.
type Redis struct {
	Addr      string        `yaml:"addr" env:"ADDR"`
	Password  string        `yaml:"password" env:"PASSWORD"`
	DB        int           `yaml:"db" env:"DB"`
	KeyPrefix string        `yaml:"key_prefix" env:"KEY_PREFIX"`
	InboxSize int           `yaml:"inbox_size" env:"INBOX_SIZE"`
	InboxTTL  time.Duration `yaml:"inbox_ttl" env:"INBOX_TTL"`
}

type Scheduler struct {
	TickInterval   time.Duration `yaml:"tick_interval" env:"TICK_INTERVAL"`
	Workers        int           `yaml:"workers" env:"WORKERS"`
	DefaultTimeout time.Duration `yaml:"default_timeout" env:"DEFAULT_TIMEOUT"`
	LoadLimit      int           `yaml:"load_limit" env:"LOAD_LIMIT"`
	SyncInterval   time.Duration `yaml:"sync_interval" env:"SYNC_INTERVAL"`
}

type Dispatcher struct {
	Workers   int     `yaml:"workers" env:"WORKERS"`
	BusBuffer int64   `yaml:"bus_buffer" env:"BUS_BUFFER"`
	Default   Channel `yaml:"default" envPrefix:"DEFAULT_"`
	// Channels overrides Default per channel; zero fields inherit.
	Channels map[string]Channel `yaml:"channels"`
}

// Channel is one delivery policy. Pointer fields tell an explicit zero
// (no retries, immediate retry) apart from an unset value.
type Channel struct {
	MaxRetries  *int           `yaml:"max_retries" env:"MAX_RETRIES"`
	BaseDelay   *time.Duration `yaml:"base_delay" env:"BASE_DELAY"`
	Multiplier  float64        `yaml:"multiplier" env:"MULTIPLIER"`
	SendTimeout time.Duration  `yaml:"send_timeout" env:"SEND_TIMEOUT"`
	RatePerSec  float64        `yaml:"rate_per_sec" env:"RATE_PER_SEC"`
	Burst       int            `yaml:"burst" env:"BURST"`
}

// Desktop runs Command with Args, then title and content. An empty
// Command disables the channel.
type Desktop struct {
	Command string   `yaml:"command" env:"COMMAND"`
	Args    []string `yaml:"args" env:"ARGS"`
}

type SMS struct {
	WebhookURL string        `yaml:"webhook_url" env:"WEBHOOK_URL"`
	Token      string        `yaml:"token" env:"TOKEN"`
	Timeout    time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

type Email struct {
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	Username string `yaml:"username" env:"USERNAME"`
	Password string `yaml:"password" env:"PASSWORD"`
	From     string `yaml:"from" env:"FROM"`
}

func Default() *Config {
	def := notify.DefaultPolicy()
	return &Config{
		HTTP:    HTTP{Addr: ":8080", ShutdownTimeout: 5 * time.Second},
		Log:     Log{Level: "info", Format: "console"},
		Storage: Storage{Path: "remindflow.db"},
		Redis:   Redis{KeyPrefix: "remindflow:inbox:", InboxSize: 100},
		Scheduler: Scheduler{
			TickInterval:   time.Second,
			Workers:        8,
			DefaultTimeout: 30 * time.Second,
			SyncInterval:   30 * time.Second,
		},
		Dispatcher: Dispatcher{
			Workers:   16,
			BusBuffer: 256,
			Default: Channel{
				MaxRetries:  &def.MaxRetries,
				BaseDelay:   &def.BaseDelay,
				Multiplier:  def.Multiplier,
				SendTimeout: def.SendTimeout,
			},
		},
		SMS:   SMS{Timeout: 30 * time.Second},
		Email: Email{Port: 25},
	}
}

// Load reads path (skipped when empty or missing), applies .env and
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			log.Warn().Str("path", path).Msg("config file not found, using defaults")
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate fills unset values with defaults and rejects impossible ones.
func (c *Config) Validate() error {
	def := Default()
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = def.HTTP.Addr
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		c.HTTP.ShutdownTimeout = def.HTTP.ShutdownTimeout
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "":
		c.Log.Format = def.Log.Format
	case "console", "json":
	default:
		return fmt.Errorf("log.format: want console or json, got %q", c.Log.Format)
	}
	if c.Storage.Path == "" {
		c.Storage.Path = def.Storage.Path
	}

	if c.Scheduler.TickInterval < 0 || c.Scheduler.DefaultTimeout < 0 {
		return errors.New("scheduler: durations must not be negative")
	}
	if c.Scheduler.TickInterval == 0 {
		c.Scheduler.TickInterval = def.Scheduler.TickInterval
	}
	if c.Scheduler.DefaultTimeout == 0 {
		c.Scheduler.DefaultTimeout = def.Scheduler.DefaultTimeout
	}
	if c.Scheduler.Workers <= 0 {
		c.Scheduler.Workers = def.Scheduler.Workers
	}
	if c.Scheduler.LoadLimit < 0 {
		return fmt.Errorf("scheduler.load_limit: must be >= 0, got %d", c.Scheduler.LoadLimit)
	}

	if c.Dispatcher.Workers <= 0 {
		c.Dispatcher.Workers = def.Dispatcher.Workers
	}
	if c.Dispatcher.BusBuffer <= 0 {
		c.Dispatcher.BusBuffer = def.Dispatcher.BusBuffer
	}
	c.Dispatcher.Default = c.Dispatcher.Default.inherit(def.Dispatcher.Default)
	if err := c.Dispatcher.Default.validate("dispatcher.default"); err != nil {
		return err
	}
	for name, ch := range c.Dispatcher.Channels {
		if !domain.Channel(name).Valid() {
			return fmt.Errorf("dispatcher.channels: unknown channel %q", name)
		}
		if err := ch.validate("dispatcher.channels." + name); err != nil {
			return err
		}
	}

	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = def.Redis.KeyPrefix
	}
	if c.Redis.InboxSize <= 0 {
		c.Redis.InboxSize = def.Redis.InboxSize
	}
	if c.SMS.Timeout <= 0 {
		c.SMS.Timeout = def.SMS.Timeout
	}
	if c.Email.Port == 0 {
		c.Email.Port = def.Email.Port
	}
	if c.Email.Host != "" && c.Email.From == "" {
		return errors.New("email.from: required when email.host is set")
	}
	return nil
}

func (c Channel) inherit(base Channel) Channel {
	if c.MaxRetries == nil {
		c.MaxRetries = base.MaxRetries
	}
	if c.BaseDelay == nil {
		c.BaseDelay = base.BaseDelay
	}
	if c.Multiplier == 0 {
		c.Multiplier = base.Multiplier
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = base.SendTimeout
	}
	if c.RatePerSec == 0 {
		c.RatePerSec = base.RatePerSec
	}
	if c.Burst == 0 {
		c.Burst = base.Burst
	}
	return c
}

func (c Channel) validate(field string) error {
	switch {
	case c.MaxRetries != nil && *c.MaxRetries < 0:
		return fmt.Errorf("%s.max_retries: must be >= 0, got %d", field, *c.MaxRetries)
	case c.BaseDelay != nil && *c.BaseDelay < 0, c.SendTimeout < 0:
		return fmt.Errorf("%s: durations must not be negative", field)
	case c.Multiplier != 0 && c.Multiplier < 1:
		return fmt.Errorf("%s.multiplier: must be >= 1, got %v", field, c.Multiplier)
	case c.RatePerSec < 0 || c.Burst < 0:
		return fmt.Errorf("%s: rate_per_sec and burst must not be negative", field)
	}
	return nil
}

func (c Channel) policy() notify.Policy {
	p := notify.Policy{
		BaseDelay:   notify.DefaultPolicy().BaseDelay,
		Multiplier:  c.Multiplier,
		SendTimeout: c.SendTimeout,
		RatePerSec:  c.RatePerSec,
		Burst:       c.Burst,
	}
	if c.MaxRetries != nil {
		p.MaxRetries = *c.MaxRetries
	}
	if c.BaseDelay != nil {
		p.BaseDelay = *c.BaseDelay
	}
	return p
}

// Policies converts the dispatcher section into delivery policies. Channel
// entries inherit unset fields from the default.
func (d Dispatcher) Policies() notify.Config {
	out := notify.Config{
		Default:  d.Default.policy(),
		Channels: make(map[domain.Channel]notify.Policy, len(d.Channels)),
	}
	for name, ch := range d.Channels {
		out.Channels[domain.Channel(name)] = ch.inherit(d.Default).policy()
	}
	return out
}
