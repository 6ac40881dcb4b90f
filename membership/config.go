package membership

import (
	"fmt"
	"io"
	"time"

	sockaddr "github.com/hashicorp/go-sockaddr"
)

// Config tunes the failure-detection and gossip behavior of a Membership
// instance. The zero value is not useful; start from DefaultConfig.
type Config struct {
	// Name uniquely identifies this node in the cluster.
	Name string

	// BindAddr/BindPort is where this node listens for UDP and TCP
	// cluster traffic.
	BindAddr string
	BindPort int

	// AdvertiseAddr/AdvertisePort is what's told to other nodes to
	// contact this node; defaults to Bind if empty.
	AdvertiseAddr string
	AdvertisePort int

	// ProbeInterval is the time between probe cycles.
	ProbeInterval time.Duration

	// ProbeTimeout is how long to wait for an ack before considering a
	// direct probe failed and falling back to indirect probing.
	ProbeTimeout time.Duration

	// IndirectChecks is the number (k) of peers asked to relay an
	// indirect probe.
	IndirectChecks int

	// SuspicionMult scales the suspicion timeout relative to a
	// theoretical gossip propagation time.
	SuspicionMult int

	// SuspicionMaxTimeoutMult bounds how much additional confirmations
	// can shrink the suspicion timeout: the floor is the full suspicion
	// timeout divided by this value.
	SuspicionMaxTimeoutMult int

	// RetransmitMult scales the number of retransmits for a broadcast
	// relative to log(cluster size).
	RetransmitMult int

	// GossipInterval is the time between gossip message sends.
	GossipInterval time.Duration

	// GossipNodes is the number of peers to gossip to per GossipInterval.
	GossipNodes int

	// PushPullInterval is the time between full state syncs. Zero
	// disables periodic push/pull (only join-time sync happens).
	PushPullInterval time.Duration

	// UDPBufferSize bounds a single outbound UDP packet including any
	// piggy-backed gossip.
	UDPBufferSize int

	// EncryptionEnabled reports whether a Keyring was supplied at
	// construction and the wire envelope should be used.
	EncryptionEnabled bool

	// DegradedThreshold is the number of consecutive probe cycles with no
	// reachable Alive peer at which the membership.degraded metric is
	// emitted. GetHealthScore reports the raw count from the first such
	// cycle on, whatever this threshold is.
	DegradedThreshold int

	// ProtocolVersion/DelegateVersion advertise this node's current wire
	// capability; Min/Max are compile-time constants (see versions.go).
	ProtocolVersion uint8
	DelegateVersion uint8

	// LogOutput is where this instance's own logger writes; os.Stderr if
	// nil.
	LogOutput io.Writer
}

// DefaultConfig returns tuning parameters matching a LAN-scale deployment.
func DefaultConfig() *Config {
	return &Config{
		BindAddr:                "0.0.0.0",
		BindPort:                7946,
		ProbeInterval:           1 * time.Second,
		ProbeTimeout:            500 * time.Millisecond,
		IndirectChecks:          3,
		SuspicionMult:           4,
		SuspicionMaxTimeoutMult: 6,
		RetransmitMult:          4,
		GossipInterval:          200 * time.Millisecond,
		GossipNodes:             3,
		PushPullInterval:        30 * time.Second,
		UDPBufferSize:           1400,
		DegradedThreshold:       3,
		ProtocolVersion:         ProtocolVersion2Compatible,
		DelegateVersion:         1,
	}
}

// Validate checks the config for the fatal misconfigurations named in the
// error taxonomy, such as a missing Name or an invalid bind address.
// Encryption options are not checked here; bad key length is validated by
// the Keyring constructor itself.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("membership: Name is required")
	}
	if _, err := sockaddr.NewIPAddr(fmt.Sprintf("%s:%d", c.BindAddr, c.BindPort)); err != nil {
		return fmt.Errorf("membership: invalid bind address %q: %w", c.BindAddr, err)
	}
	if c.ProbeInterval <= 0 || c.ProbeTimeout <= 0 {
		return fmt.Errorf("membership: probe interval and timeout must be positive")
	}
	if c.ProbeTimeout >= c.ProbeInterval {
		return fmt.Errorf("membership: probe timeout must be less than probe interval")
	}
	return nil
}
