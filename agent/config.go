package agent

import (
	"fmt"
)

// Config is the agent-level configuration that wraps a membership.Config +
// cluster.Config pair with the handful of settings only the agent itself
// cares about (where to persist tags/keyring, RPC bind address, and so
// on). Loading this from a file or flags is an external-collaborator
// concern (see spec's Non-goals); Config itself and its Validate are core.
type Config struct {
	NodeName string
	Role     string

	BindAddr string
	BindPort int

	AdvertiseAddr string
	AdvertisePort int

	RPCAddr         string
	RPCAuthKey      string
	RPCMaxFrameSize int

	Tags     map[string]string
	TagsFile string

	EncryptKey  string
	KeyringFile string

	SnapshotPath string

	EventHandlers []string

	LogLevel string

	ReplayOnJoin bool
}

// DefaultConfig returns the agent-level defaults layered on top of
// cluster.DefaultConfig/membership.DefaultConfig.
func DefaultConfig() *Config {
	return &Config{
		BindAddr:        "0.0.0.0",
		BindPort:        7946,
		RPCAddr:         "127.0.0.1:7373",
		RPCMaxFrameSize: 1 << 20,
		LogLevel:        "INFO",
	}
}

// Validate checks the fatal misconfigurations named in the error taxonomy
// that aren't already caught by membership.Config.Validate: mutually
// exclusive tags/tags-file and encrypt-key/keyring-file options, and bad
// key length (delegated to membership.NewKeyring, which enforces 16/32
// bytes, but checked eagerly here so the error surfaces before any network
// setup happens).
func (c *Config) Validate() error {
	if len(c.Tags) > 0 && c.TagsFile != "" {
		return fmt.Errorf("agent: cannot use tags and a tags file at the same time")
	}
	if c.EncryptKey != "" && c.KeyringFile != "" {
		return fmt.Errorf("agent: cannot use encrypt_key and a keyring file at the same time")
	}
	if c.EncryptKey != "" {
		key, err := keyFromString(c.EncryptKey)
		if err != nil {
			return err
		}
		if len(key) != 16 && len(key) != 32 {
			return fmt.Errorf("agent: encryption key must be 16 or 32 bytes, got %d", len(key))
		}
	}
	if !validateLevelFilter(newLevelFilter(nil, c.LogLevel)) {
		return fmt.Errorf("agent: unknown log level %q", c.LogLevel)
	}
	return nil
}
