package modem

import (
	"time"
)

// Config carries the modem and session tuning knobs.
type Config struct {
	// Dialer opens the transport to the device. Required.
	Dialer Dialer
	// ATTimeout bounds ordinary command exchanges.
	ATTimeout time.Duration
	// InitTimeout bounds the whole initialization sequence.
	InitTimeout time.Duration
	// SessionTimeout bounds a single AT+SBDIX exchange. Satellite
	// sessions can take tens of seconds.
	SessionTimeout time.Duration
	// SessionAttempts is the retry budget for transient session
	// failures (no satellite visibility, gateway busy).
	SessionAttempts int
	// IORetries is the retry budget for transport-level failures.
	// Kept separate from SessionAttempts so a broken serial link is
	// not mistaken for bad satellite visibility.
	IORetries int
	// BackoffBase is the delay before the first session retry; it
	// doubles per attempt up to BackoffCap.
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

func (c *Config) validate() error {
	if c.Dialer == nil {
		return ErrNoDialer
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.ATTimeout == 0 {
		c.ATTimeout = 5 * time.Second
	}
	if c.InitTimeout == 0 {
		c.InitTimeout = 30 * time.Second
	}
	if c.SessionTimeout == 0 {
		c.SessionTimeout = 90 * time.Second
	}
	if c.SessionAttempts == 0 {
		c.SessionAttempts = 4
	}
	if c.IORetries == 0 {
		c.IORetries = 2
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffCap == 0 {
		c.BackoffCap = 30 * time.Second
	}
}

// ConfigBuilder assembles a Config with a fluent interface.
type ConfigBuilder struct {
	config Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{}
}

func (b *ConfigBuilder) WithDialer(d Dialer) *ConfigBuilder {
	b.config.Dialer = d
	return b
}

func (b *ConfigBuilder) WithATTimeout(d time.Duration) *ConfigBuilder {
	b.config.ATTimeout = d
	return b
}

func (b *ConfigBuilder) WithInitTimeout(d time.Duration) *ConfigBuilder {
	b.config.InitTimeout = d
	return b
}

func (b *ConfigBuilder) WithSessionTimeout(d time.Duration) *ConfigBuilder {
	b.config.SessionTimeout = d
	return b
}

func (b *ConfigBuilder) WithSessionAttempts(n int) *ConfigBuilder {
	b.config.SessionAttempts = n
	return b
}

func (b *ConfigBuilder) WithIORetries(n int) *ConfigBuilder {
	b.config.IORetries = n
	return b
}

func (b *ConfigBuilder) WithBackoff(base, cap time.Duration) *ConfigBuilder {
	b.config.BackoffBase = base
	b.config.BackoffCap = cap
	return b
}

// Build validates the assembled Config and fills in defaults.
func (b *ConfigBuilder) Build() (Config, error) {
	if err := b.config.validate(); err != nil {
		return Config{}, err
	}
	b.config.setDefaults()
	return b.config, nil
}
