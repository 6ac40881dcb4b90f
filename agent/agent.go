package agent

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/hashicorp/go-uuid"

	"github.com/flocknet/flock/cluster"
	"github.com/flocknet/flock/eventbus"
	"github.com/flocknet/flock/membership"
)

// Agent starts and manages a cluster.Cluster, adding the file-backed niceties
// (tag and keyring persistence, telemetry) that sit above the overlay
// itself. Other packages (notably rpc.Server) subscribe to Bus() rather than
// going through a separate handler-registration API, since eventbus.Bus
// already is that registry.
type Agent struct {
	conf      *cluster.Config
	agentConf *Config

	// runID is a fresh random identifier minted each time the process
	// starts, so log lines and stats from one incarnation of a node can be
	// told apart from a previous crash/restart at the same node name.
	runID string

	bus *eventbus.Bus

	logger    *log.Logger
	gate      *GatedWriter
	logWriter *LogWriter

	c *cluster.Cluster

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex
}

// Create builds an Agent from agentConf/conf but does not start the
// underlying cluster yet (see Start); this split exists so tags can be
// restored from a tags file, and the bus can gain subscribers, before any
// traffic starts flowing.
func Create(agentConf *Config, conf *cluster.Config, logOutput io.Writer) (*Agent, error) {
	if logOutput == nil {
		logOutput = os.Stderr
	}
	if err := agentConf.Validate(); err != nil {
		return nil, err
	}

	gate := &GatedWriter{Writer: logOutput}
	logWriter := newLogWriter(gate)

	conf.MemberlistConfig.LogOutput = logWriter
	conf.LogOutput = logWriter

	conf.NodeName = agentConf.NodeName
	conf.MemberlistConfig.Name = agentConf.NodeName
	if agentConf.BindAddr != "" {
		conf.MemberlistConfig.BindAddr = agentConf.BindAddr
	}
	if agentConf.BindPort != 0 {
		conf.MemberlistConfig.BindPort = agentConf.BindPort
	}
	if agentConf.AdvertiseAddr != "" {
		conf.MemberlistConfig.AdvertiseAddr = agentConf.AdvertiseAddr
	}
	if agentConf.AdvertisePort != 0 {
		conf.MemberlistConfig.AdvertisePort = agentConf.AdvertisePort
	}

	runID, err := uuid.GenerateUUID()
	if err != nil {
		return nil, fmt.Errorf("agent: generating run id: %w", err)
	}

	a := &Agent{
		conf:       conf,
		agentConf:  agentConf,
		runID:      runID,
		bus:        eventbus.New(log.New(logWriter, "", log.LstdFlags), 1024),
		logger:     log.New(logWriter, "", log.LstdFlags),
		gate:       gate,
		logWriter:  logWriter,
		shutdownCh: make(chan struct{}),
	}

	if agentConf.TagsFile != "" {
		if len(agentConf.Tags) > 0 {
			return nil, fmt.Errorf("agent: tags config not allowed while using a tags file")
		}
		tags, err := loadTagsFile(agentConf.TagsFile)
		if err != nil {
			return nil, err
		}
		conf.Tags = tags
	}

	if agentConf.KeyringFile != "" {
		keyring, err := loadKeyringFile(agentConf.KeyringFile)
		if err != nil {
			return nil, err
		}
		conf.Keyring = keyring
		conf.KeyringFile = agentConf.KeyringFile
	} else if agentConf.EncryptKey != "" {
		key, err := keyFromString(agentConf.EncryptKey)
		if err != nil {
			return nil, err
		}
		keyring, err := membership.NewKeyring([][]byte{key})
		if err != nil {
			return nil, err
		}
		conf.Keyring = keyring
	}

	conf.SnapshotPath = agentConf.SnapshotPath

	return a, nil
}

// Bus returns the event bus cluster membership/user events are published
// to; rpc.Server subscribes here for the "stream" and "monitor" commands.
func (a *Agent) Bus() *eventbus.Bus { return a.bus }

// LogWriter returns the fan-out writer every log line passes through;
// rpc.Server registers a LogHandler here to serve the "monitor" command.
func (a *Agent) LogWriter() *LogWriter { return a.logWriter }

// RunID returns the random identifier minted for this process's lifetime,
// distinguishing this incarnation of the node from any previous restart at
// the same name.
func (a *Agent) RunID() string { return a.runID }

// Start creates the cluster overlay and begins gossiping. Log lines
// written during Create are held by the gated writer until this point,
// so a caller that wants to register a monitor handler before any
// cluster traffic starts doesn't miss early startup logs.
func (a *Agent) Start() error {
	a.logger.Printf("[INFO] agent: starting")
	a.gate.Flush()
	setupTelemetry(a.conf.NodeName)

	c, err := cluster.Create(a.conf, a.bus)
	if err != nil {
		return fmt.Errorf("agent: creating cluster: %w", err)
	}
	a.c = c
	return nil
}

// Join asks the cluster to contact each address in addrs, returning the
// number that succeeded. The addresses in addrs are tried first; if none
// of them succeeds and the agent was created with a non-empty SnapshotPath,
// the recovered previously-alive peers are tried next as a fallback, so a
// restart can rejoin without a seed list at all.
func (a *Agent) Join(addrs []string, replay bool) (int, error) {
	a.logger.Printf("[INFO] agent: joining: %v replay: %v", addrs, replay)
	ignoreOld := !replay
	n, err := a.c.Join(addrs, ignoreOld)
	if n == 0 {
		if previous := a.c.PreviousNodes(); len(previous) > 0 {
			fallback := make([]string, 0, len(previous))
			for _, p := range previous {
				fallback = append(fallback, p.Addr)
			}
			n, err = a.c.Join(fallback, ignoreOld)
		}
	}
	if n > 0 {
		a.logger.Printf("[INFO] agent: joined: %d nodes", n)
	}
	if err != nil {
		a.logger.Printf("[WARN] agent: error joining: %v", err)
	}
	return n, err
}

// ForceLeave ejects node from the roster without waiting on the failure
// detector.
func (a *Agent) ForceLeave(node string) error {
	a.logger.Printf("[INFO] agent: force leaving node: %s", node)
	err := a.c.ForceLeave(node, false)
	if err != nil {
		a.logger.Printf("[WARN] agent: failed to remove node: %v", err)
	}
	return err
}

// UserEvent broadcasts a named application event.
func (a *Agent) UserEvent(name string, payload []byte, coalesce bool) error {
	a.logger.Printf("[DEBUG] agent: requesting user event send: %s coalesce=%v", name, coalesce)
	if err := a.c.UserEvent(name, payload, coalesce); err != nil {
		a.logger.Printf("[WARN] agent: failed to send user event: %v", err)
		return err
	}
	return nil
}

// Query issues a cluster-wide query, rejecting the internal query prefix
// except for the harmless zero-payload ping probe used to test reachability.
func (a *Agent) Query(name string, payload []byte, params *cluster.QueryParam) (*cluster.QueryResponse, error) {
	if strings.HasPrefix(name, cluster.InternalQueryPrefix) {
		if name != cluster.InternalQueryPrefix+"ping" || payload != nil {
			return nil, fmt.Errorf("agent: queries cannot use the %q prefix", cluster.InternalQueryPrefix)
		}
	}
	a.logger.Printf("[DEBUG] agent: requesting query send: %s", name)
	resp, err := a.c.Query(name, payload, params)
	if err != nil {
		a.logger.Printf("[WARN] agent: failed to start query: %v", err)
	}
	return resp, err
}

// SetTags replaces the local tag set, persisting to the tags file first
// (if configured) and then handing the tags to Cluster.SetTags, whose
// comment says what peers see of the change.
func (a *Agent) SetTags(tags map[string]string) error {
	if a.agentConf.TagsFile != "" {
		if err := writeTagsFile(a.agentConf.TagsFile, tags); err != nil {
			a.logger.Printf("[ERR] agent: %v", err)
			return err
		}
	}
	return a.c.SetTags(tags)
}

// RotateKey installs newKey cluster-wide and promotes it to primary,
// returning the per-node response of the use-key step.
func (a *Agent) RotateKey(newKey string) (*cluster.ModifyKeyResponse, error) {
	km := a.c.KeyManager()
	if _, err := km.InstallKey(newKey); err != nil {
		return nil, err
	}
	return km.UseKey(newKey)
}

// Cluster returns the underlying cluster.Cluster.
func (a *Agent) Cluster() *cluster.Cluster { return a.c }

// Leave broadcasts a graceful departure.
func (a *Agent) Leave() error {
	if a.c == nil {
		return nil
	}
	a.logger.Printf("[INFO] agent: requesting graceful leave")
	return a.c.Leave()
}

// Shutdown tears down the cluster and the agent's own event bus. Idempotent.
func (a *Agent) Shutdown() error {
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()
	if a.shutdown {
		return nil
	}
	a.shutdown = true

	if a.c != nil {
		if err := a.c.Shutdown(); err != nil {
			return err
		}
	}
	a.bus.Shutdown()
	close(a.shutdownCh)
	a.logger.Printf("[INFO] agent: shutdown complete")
	return nil
}

// ShutdownCh returns a channel closed when the agent has shut down.
func (a *Agent) ShutdownCh() <-chan struct{} { return a.shutdownCh }

// MarshalTags turns a tag map into "key=value" strings, for CLI display.
func MarshalTags(tags map[string]string) []string {
	result := make([]string, 0, len(tags))
	for k, v := range tags {
		result = append(result, fmt.Sprintf("%s=%s", k, v))
	}
	return result
}

// UnmarshalTags parses "key=value" strings into a tag map.
func UnmarshalTags(tags []string) (map[string]string, error) {
	result := make(map[string]string, len(tags))
	for _, tag := range tags {
		parts := strings.SplitN(tag, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("agent: invalid tag %q, expected key=value", tag)
		}
		result[parts[0]] = parts[1]
	}
	return result, nil
}
