package session

import (
	"time"

	"github.com/talkincode/toughwa/config"
)

// Options are the timings and budgets of the session manager.
type Options struct {
	// DrainInterval is waited after a connection is torn down before a new
	// one for the same id may be created
	DrainInterval time.Duration
	// SettleInterval is waited between teardown and reopen on reconnect
	SettleInterval time.Duration
	// AutoReconnectDelay delays the automatic resume after a generic close
	AutoReconnectDelay time.Duration
	// MaxAutoReconnects bounds consecutive automatic resumes without reaching connected
	MaxAutoReconnects int
	// FreshPairingWindow is how long after pairing a stream error still
	// counts as a half-paired session
	FreshPairingWindow time.Duration
	// MinCredentialBytes is the smallest credentials blob considered complete
	MinCredentialBytes int
}

func DefaultOptions() Options {
	return OptionsFromConfig(config.DefaultAppConfig.Session)
}

func OptionsFromConfig(c config.SessionConfig) Options {
	return Options{
		DrainInterval:      c.DrainInterval(),
		SettleInterval:     c.SettleInterval(),
		AutoReconnectDelay: c.AutoReconnectDelay(),
		MaxAutoReconnects:  c.MaxAutoReconnects,
		FreshPairingWindow: c.FreshPairingWindow(),
		MinCredentialBytes: c.MinCredentialBytes,
	}
}
