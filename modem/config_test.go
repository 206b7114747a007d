package modem_test

import (
	"testing"
	"time"

	"i4.energy/across/sbdgw/modem"
)

func TestConfig(t *testing.T) {
	t.Run("ErrNoDialer when no dialer provided", func(t *testing.T) {
		_, err := modem.NewConfigBuilder().Build()

		if err != modem.ErrNoDialer {
			t.Errorf("expected ErrNoDialer, got: %v", err)
		}
	})

	t.Run("Defaults applied on Build", func(t *testing.T) {
		config, err := modem.NewConfigBuilder().
			WithDialer(testDialer{}).
			Build()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if config.SessionAttempts == 0 {
			t.Error("expected default session attempt budget")
		}
		if config.IORetries == 0 {
			t.Error("expected default I/O retry budget")
		}
		if config.SessionTimeout < 30*time.Second {
			t.Errorf("session timeout default too short for satellite sessions: %v", config.SessionTimeout)
		}
		if config.BackoffBase == 0 || config.BackoffCap < config.BackoffBase {
			t.Errorf("bad backoff defaults: base=%v cap=%v", config.BackoffBase, config.BackoffCap)
		}
	})
}
