package cluster

import (
	"io"
	"os"
	"time"

	"github.com/flocknet/flock/membership"
)

// Config tunes the overlay built on top of membership.Membership: event
// buffering/coalescing, intent buffering, query defaults, and the optional
// snapshot/keyring files.
type Config struct {
	// NodeName must match the underlying membership.Config.Name.
	NodeName string

	MemberlistConfig *membership.Config

	// Keyring, if non-nil, enables wire encryption and is the keyring the
	// internal key-rotation queries (see keymanager.go) operate on.
	Keyring *membership.Keyring

	// Tags is the initial opaque key/value metadata advertised for this
	// node; re-encoded to bytes and installed as the membership Node's Meta.
	Tags map[string]string

	// EventBuffer bounds how many recent user-event lamport-times are
	// retained for replay-rejection (recentEvents filter sizes at 2x this).
	EventBuffer int

	// QueryBuffer bounds the equivalent retention window for query IDs.
	QueryBuffer int

	// RecentIntentBuffer bounds the out-of-order intent ring; join and
	// leave intents share this one buffer.
	RecentIntentBuffer int

	// QueryTimeoutMult sets the default per-query timeout as this many
	// multiples of 200ms; cluster size is not taken into account.
	QueryTimeoutMult int

	// QueryResponseSizeLimit bounds a single query response payload.
	QueryResponseSizeLimit int

	// UserEventSizeLimit bounds the combined name+payload size of a single
	// UserEvent broadcast.
	UserEventSizeLimit int

	// CoalescePeriod/QuiescentPeriod configure member-event coalescing;
	// zero on either disables it.
	CoalescePeriod   time.Duration
	QuiescentPeriod  time.Duration

	// UserCoalescePeriod/UserQuiescentPeriod configure user-event
	// coalescing for events marked Coalesce=true.
	UserCoalescePeriod  time.Duration
	UserQuiescentPeriod time.Duration

	// ReapInterval is how often left/failed members past their tombstone
	// deadline are pruned from the roster.
	ReapInterval time.Duration

	// TombstoneTimeout is how long a Left/Failed member is kept visible
	// (for late-arriving intents and UI purposes) before being reaped.
	TombstoneTimeout time.Duration

	// ReconnectInterval/ReconnectTimeout govern re-attempting contact with
	// Failed (not Left) members, as a safety net for asymmetric network
	// partitions membership's own gossip can't repair on its own.
	ReconnectInterval time.Duration
	ReconnectTimeout  time.Duration

	// PartitionCount/PartitionInterval: if PartitionCount distinct nodes
	// are marked Failed within PartitionInterval, a partition event fires
	// (see partition.go). PartitionInterval should be comfortably shorter
	// than ReapInterval so the heuristic sees a consistent window.
	PartitionCount    int
	PartitionInterval time.Duration

	// QueueDepthWarning is carried in the config but nothing reads it; no
	// queue-depth warning is logged.
	QueueDepthWarning int

	// SnapshotPath, if non-empty, persists alive-peer/clock/coordinate
	// state so a restart can rejoin without a seed list and without
	// replaying already-delivered events (see snapshot.go).
	SnapshotPath string

	// SnapshotMaxSize bounds the snapshot file in bytes before it is
	// compacted down to just its current live state.
	SnapshotMaxSize int

	// KeyringFile, if non-empty, persists keyring changes made via the
	// internal key-rotation queries (see keymanager.go) so they survive
	// an agent restart.
	KeyringFile string

	LogOutput io.Writer
}

// DefaultConfig returns tuning parameters suitable for a small-to-medium LAN
// cluster, layering cluster-level defaults on top of membership's.
func DefaultConfig() *Config {
	return &Config{
		MemberlistConfig:        membership.DefaultConfig(),
		EventBuffer:             512,
		QueryBuffer:             512,
		RecentIntentBuffer:      128,
		QueryTimeoutMult:        16,
		QueryResponseSizeLimit:  1024,
		UserEventSizeLimit:      128,
		CoalescePeriod:          3 * time.Second,
		QuiescentPeriod:         time.Second,
		UserCoalescePeriod:      3 * time.Second,
		UserQuiescentPeriod:     time.Second,
		ReapInterval:            15 * time.Second,
		TombstoneTimeout:        24 * time.Hour,
		ReconnectInterval:       30 * time.Second,
		ReconnectTimeout:        24 * time.Hour,
		PartitionCount:          3,
		PartitionInterval:       10 * time.Second,
		QueueDepthWarning:       128,
		SnapshotMaxSize:         128 * 1024,
		LogOutput:               os.Stderr,
	}
}
