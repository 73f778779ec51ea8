// Package config loads service settings from an optional YAML file, a
// .env file and the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Pacing is the default pacing for one kind of job.
type Pacing struct {
	BatchSize int `yaml:"batch_size"`
	DelayMs   int `yaml:"delay_ms"`
}

type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		LogLevel string `yaml:"log_level"`
	} `yaml:"server"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix"`
	} `yaml:"redis"`
	Jobs struct {
		Import Pacing `yaml:"import"`
		Notify Pacing `yaml:"notify"`
		// OnDisconnect is "continue" or "abort".
		OnDisconnect string        `yaml:"on_disconnect"`
		PreviewTTL   time.Duration `yaml:"preview_ttl"`
		MaxItems     int           `yaml:"max_items"`
	} `yaml:"jobs"`
	Handoff struct {
		TTL          time.Duration `yaml:"ttl"`
		PollInterval time.Duration `yaml:"poll_interval"`
		// Store is "redis" or "memory".
		Store string `yaml:"store"`
	} `yaml:"handoff"`
	RateLimit struct {
		Rate  float64 `yaml:"rate"`
		Burst float64 `yaml:"burst"`
		// TrustedProxies are addresses or CIDRs allowed to set X-Forwarded-For.
		TrustedProxies []string `yaml:"trusted_proxies"`
	} `yaml:"rate_limit"`
	Mail struct {
		Stream      string        `yaml:"stream"`
		Group       string        `yaml:"group"`
		Workers     int           `yaml:"workers"`
		SMTPAddr    string        `yaml:"smtp_addr"`
		From        string        `yaml:"from"`
		Username    string        `yaml:"username"`
		Password    string        `yaml:"password"`
		SendTimeout time.Duration `yaml:"send_timeout"`
	} `yaml:"mail"`
}

// Default returns the built-in settings.
func Default() Config {
	var c Config
	c.Server.Addr = ":8080"
	c.Server.LogLevel = "info"
	c.Redis.Addr = "localhost:6379"
	c.Redis.Prefix = "rollcall:"
	c.Jobs.Import = Pacing{BatchSize: 25, DelayMs: 0}
	c.Jobs.Notify = Pacing{BatchSize: 10, DelayMs: 1000}
	c.Jobs.OnDisconnect = "continue"
	c.Jobs.PreviewTTL = 30 * time.Minute
	c.Jobs.MaxItems = 10000
	c.Handoff.TTL = 5 * time.Minute
	c.Handoff.PollInterval = 2 * time.Second
	c.Handoff.Store = "redis"
	c.RateLimit.Rate = 0.5
	c.RateLimit.Burst = 5
	c.Mail.Stream = "rollcall:mail"
	c.Mail.Group = "rollcall:relay"
	c.Mail.Workers = 4
	c.Mail.From = "noreply@rollcall.local"
	c.Mail.SendTimeout = 30 * time.Second
	return c
}

// Load reads defaults, then the YAML file at path (if non-empty), then
// .env, then environment overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	// A missing .env is normal outside development.
	_ = godotenv.Load(".env")

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = d
		}
	}

	str("ROLLCALL_ADDR", &c.Server.Addr)
	str("ROLLCALL_LOG_LEVEL", &c.Server.LogLevel)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	num("REDIS_DB", &c.Redis.DB)
	num("ROLLCALL_IMPORT_BATCH_SIZE", &c.Jobs.Import.BatchSize)
	num("ROLLCALL_IMPORT_DELAY_MS", &c.Jobs.Import.DelayMs)
	num("ROLLCALL_NOTIFY_BATCH_SIZE", &c.Jobs.Notify.BatchSize)
	num("ROLLCALL_NOTIFY_DELAY_MS", &c.Jobs.Notify.DelayMs)
	str("ROLLCALL_ON_DISCONNECT", &c.Jobs.OnDisconnect)
	dur("ROLLCALL_HANDOFF_TTL", &c.Handoff.TTL)
	str("ROLLCALL_HANDOFF_STORE", &c.Handoff.Store)
	if v, ok := os.LookupEnv("ROLLCALL_TRUSTED_PROXIES"); ok && v != "" {
		c.RateLimit.TrustedProxies = strings.Split(v, ",")
	}
	num("ROLLCALL_MAIL_WORKERS", &c.Mail.Workers)
	str("SMTP_ADDR", &c.Mail.SMTPAddr)
	str("SMTP_FROM", &c.Mail.From)
	str("SMTP_USERNAME", &c.Mail.Username)
	str("SMTP_PASSWORD", &c.Mail.Password)
	return errors.Join(errs...)
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}
	for name, p := range map[string]Pacing{"import": c.Jobs.Import, "notify": c.Jobs.Notify} {
		if p.BatchSize < 1 {
			errs = append(errs, fmt.Errorf("jobs.%s.batch_size must be >= 1", name))
		}
		if p.DelayMs < 0 {
			errs = append(errs, fmt.Errorf("jobs.%s.delay_ms must be >= 0", name))
		}
	}
	switch c.Jobs.OnDisconnect {
	case "continue", "abort":
	default:
		errs = append(errs, fmt.Errorf("jobs.on_disconnect must be 'continue' or 'abort', got %q", c.Jobs.OnDisconnect))
	}
	if c.Jobs.PreviewTTL <= 0 {
		errs = append(errs, errors.New("jobs.preview_ttl must be positive"))
	}
	if c.Jobs.MaxItems < 1 {
		errs = append(errs, errors.New("jobs.max_items must be >= 1"))
	}
	if c.Handoff.TTL <= 0 || c.Handoff.PollInterval <= 0 {
		errs = append(errs, errors.New("handoff.ttl and handoff.poll_interval must be positive"))
	}
	if c.Handoff.Store != "redis" && c.Handoff.Store != "memory" {
		errs = append(errs, fmt.Errorf("handoff.store must be 'redis' or 'memory', got %q", c.Handoff.Store))
	}
	if c.RateLimit.Rate <= 0 || c.RateLimit.Burst < 1 {
		errs = append(errs, errors.New("rate_limit.rate must be positive and rate_limit.burst >= 1"))
	}
	if _, err := c.TrustedProxies(); err != nil {
		errs = append(errs, err)
	}
	if c.Mail.Workers < 1 {
		errs = append(errs, errors.New("mail.workers must be >= 1"))
	}
	return errors.Join(errs...)
}

// TrustedProxies parses rate_limit.trusted_proxies. A bare address is a
// single-host prefix.
func (c Config) TrustedProxies() ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, raw := range c.RateLimit.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if addr, err := netip.ParseAddr(raw); err == nil {
			out = append(out, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("rate_limit.trusted_proxies: %q is not an address or CIDR", raw)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

// LogLevel maps the configured level name to a slog.Level.
func (c Config) LogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.Server.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// NewLogger builds the text logger used by every binary.
func (c Config) NewLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: c.LogLevel()}))
}
