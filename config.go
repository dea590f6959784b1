package cloudname

import (
	"fmt"
	"math/rand"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config controls supervisor timing and the namespace layout.
type Config struct {
	// Root is the namespace root under which every coordinate lives.
	Root string `yaml:"root"`

	// Timing
	ConnectTimeout     time.Duration `yaml:"connectTimeout"`
	TickInterval       time.Duration `yaml:"tickInterval"`
	MaxConnectingTicks int           `yaml:"maxConnectingTicks"`

	// Reconnect is the cooldown applied before opening a fresh session once the
	// previous one is closed. Attempts are unbounded.
	Reconnect BackoffConfig `yaml:"reconnect"`

	// EventBuffer is the per-observer queue length for supervisor events.
	EventBuffer int `yaml:"eventBuffer"`
}

// BackoffConfig describes an exponential backoff policy.
type BackoffConfig struct {
	Base       time.Duration `yaml:"base"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
	// Jitter spreads each wait by up to this fraction in either direction.
	Jitter float64 `yaml:"jitter"`
}

// Next returns the next backoff duration for the given retry count.
func (b BackoffConfig) Next(retry int) time.Duration {
	if retry <= 0 {
		return b.Base
	}
	d := float64(b.Base)
	for i := 0; i < retry; i++ {
		d *= b.Multiplier
		if d >= float64(b.Max) {
			return b.Max
		}
	}
	return time.Duration(d)
}

// DefaultConfig returns the timings the supervisor was designed around: a 2s
// tick, a stuck handshake abandoned after ~20s and a 10s reconnect cooldown.
func DefaultConfig() Config {
	return Config{
		Root:               DefaultRoot,
		ConnectTimeout:     30 * time.Second,
		TickInterval:       2 * time.Second,
		MaxConnectingTicks: 10,
		Reconnect: BackoffConfig{
			Base:       10 * time.Second,
			Max:        time.Minute,
			Multiplier: 1.5,
			Jitter:     0.1,
		},
		EventBuffer: 16,
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate ensures config values are safe.
func (c Config) Validate() error {
	if err := validateRoot(c.Root); err != nil {
		return err
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("ConnectTimeout must be >0")
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("TickInterval must be >0")
	}
	if c.MaxConnectingTicks <= 0 {
		return fmt.Errorf("MaxConnectingTicks must be >0")
	}
	if c.EventBuffer <= 0 {
		return fmt.Errorf("EventBuffer must be >0")
	}
	if err := c.Reconnect.validate(); err != nil {
		return fmt.Errorf("Reconnect invalid: %w", err)
	}
	return nil
}

func (b BackoffConfig) validate() error {
	if b.Base <= 0 {
		return fmt.Errorf("Base must be >0")
	}
	if b.Max <= 0 {
		return fmt.Errorf("Max must be >0")
	}
	if b.Multiplier < 1 {
		return fmt.Errorf("Multiplier must be >=1")
	}
	if b.Base > b.Max {
		return fmt.Errorf("Base must be <= Max")
	}
	if b.Jitter < 0 || b.Jitter >= 1 {
		return fmt.Errorf("Jitter must be in [0,1)")
	}
	return nil
}

func jitter(base time.Duration, ratio float64) time.Duration {
	if ratio <= 0 {
		return base
	}
	delta := int64(float64(base) * ratio)
	if delta == 0 {
		return base
	}
	offset := rand.Int63n(2*delta+1) - delta
	return time.Duration(int64(base) + offset)
}
