package config

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/PipeOpsHQ/netspy/internal/body"
	"github.com/PipeOpsHQ/netspy/internal/retention"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Capture controls what the interceptor records. A value is read once at the
// start of each exchange.
type Capture struct {
	NotificationsEnabled bool             `env:"NETSPY_NOTIFICATIONS" envDefault:"true" json:"notifications_enabled"`
	MaxContentLength     int64            `env:"NETSPY_MAX_CONTENT_LENGTH" envDefault:"250000" json:"max_content_length"`
	Retention            retention.Policy `env:"NETSPY_RETENTION" envDefault:"1w" json:"retention"`
	RetainBinary         bool             `env:"NETSPY_RETAIN_BINARY" json:"retain_binary"`
	RedactHeaders        []string         `env:"NETSPY_REDACT_HEADERS" envSeparator:"," json:"redact_headers"`
}

func DefaultCapture() Capture {
	return Capture{
		NotificationsEnabled: true,
		MaxContentLength:     body.DefaultMaxContentLength,
		Retention:            retention.DefaultPolicy,
	}
}

func (c Capture) Validate() error {
	if c.MaxContentLength < 0 {
		return fmt.Errorf("max content length must not be negative, got %d", c.MaxContentLength)
	}
	if _, err := retention.ParsePolicy(c.Retention.String()); err != nil {
		return err
	}
	return nil
}

// BodyOptions returns the codec options for this configuration.
func (c Capture) BodyOptions() body.Options {
	return body.Options{MaxContentLength: c.MaxContentLength, RetainBinary: c.RetainBinary}
}

// Config is the process configuration.
type Config struct {
	Addr         string `env:"NETSPY_ADDR" envDefault:":8080"`
	DatabasePath string `env:"DATABASE_PATH" envDefault:"netspy.db"`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	LogFile      string `env:"LOG_FILE"`

	// PruneInterval overrides the policy's cleanup interval when set.
	PruneInterval time.Duration `env:"NETSPY_PRUNE_INTERVAL"`
	SweepInterval time.Duration `env:"NETSPY_SWEEP_INTERVAL" envDefault:"1h"`

	HubRate  float64 `env:"NETSPY_HUB_RATE" envDefault:"4"`
	HubBurst int     `env:"NETSPY_HUB_BURST" envDefault:"1"`

	ReplayTimeout time.Duration `env:"NETSPY_REPLAY_TIMEOUT" envDefault:"30s"`

	Capture Capture
}

// Load reads an optional .env file, then the environment.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && len(files) > 0 {
		return Config{}, fmt.Errorf("load env file: %w", err)
	}
	return Parse()
}

// Parse reads the configuration from the environment only.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.Capture.RedactHeaders = normalizeNames(cfg.Capture.RedactHeaders)
	if err := cfg.Capture.Validate(); err != nil {
		return Config{}, err
	}
	if cfg.HubRate <= 0 || cfg.HubBurst < 1 {
		return Config{}, fmt.Errorf("notification rate must be positive with a burst of at least 1, got %v/%d", cfg.HubRate, cfg.HubBurst)
	}
	return cfg, nil
}

func normalizeNames(names []string) []string {
	var out []string
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// Settings holds the live capture configuration. Changes apply to exchanges
// that start afterwards.
type Settings struct {
	v atomic.Pointer[Capture]
}

func NewSettings(c Capture) *Settings {
	s := &Settings{}
	s.Store(c)
	return s
}

func (s *Settings) Load() Capture {
	c := s.v.Load()
	if c == nil {
		return DefaultCapture()
	}
	return *c
}

func (s *Settings) Store(c Capture) {
	c.RedactHeaders = normalizeNames(append([]string(nil), c.RedactHeaders...))
	s.v.Store(&c)
}

// Update applies fn to a copy of the current configuration and stores it if
// it is valid. Concurrent updates are last-writer-wins.
func (s *Settings) Update(fn func(*Capture)) (Capture, error) {
	next := s.Load()
	next.RedactHeaders = append([]string(nil), next.RedactHeaders...)
	fn(&next)
	if err := next.Validate(); err != nil {
		return s.Load(), err
	}
	s.Store(next)
	return s.Load(), nil
}

// Policy reads the retention policy; suitable for retention.NewManager.
func (s *Settings) Policy() retention.Policy { return s.Load().Retention }
