package coordinate

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Client manages the estimated network coordinate for a given node, and
// adjusts it as the node observes round trip times and estimated
// coordinates from other nodes. The core algorithm is based on Vivaldi, see
// the documentation for Config for more details.
type Client struct {
	coord *Coordinate

	config *Config

	adjustmentIndex uint

	adjustmentSamples []float64

	// samples holds recent raw RTT observations per remote node, used to
	// median-filter jitter out of a single ping before it is fed into the
	// Vivaldi update. Keyed by whatever identifier the caller uses for the
	// remote node (its name).
	samples map[string][]float64

	stats ClientStats

	mutex sync.RWMutex
}

// ClientStats tracks lifetime counters about the client's behavior that are
// useful for diagnostics but don't affect the algorithm itself.
type ClientStats struct {
	// Resets counts how many times the coordinate has been reset to the
	// origin because an update produced a non-finite component.
	Resets int
}

// rttFilterSamples is the number of recent RTT observations kept per node
// before a new sample pushes the oldest one out; the median of this window
// is what actually reaches updateVivaldi.
const rttFilterSamples = 3

// rttFilterMin and rttFilterMax bound what is accepted as a plausible RTT
// observation; anything outside this range is dropped rather than allowed
// to drag the coordinate toward a bogus position.
const (
	rttFilterMin = 0 * time.Second
	rttFilterMax = 10 * time.Second
)

// NewClient creates a new Client and verifies the configuration is valid.
func NewClient(config *Config) (*Client, error) {
	if !(config.Dimensionality > 0) {
		return nil, fmt.Errorf("dimensionality must be >0")
	}

	return &Client{
		coord:             NewCoordinate(config),
		config:            config,
		adjustmentIndex:   0,
		adjustmentSamples: make([]float64, config.AdjustmentWindowSize),
		samples:           make(map[string][]float64),
	}, nil
}

// GetCoordinate returns a copy of the coordinate for this client.
func (c *Client) GetCoordinate() *Coordinate {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return c.coord.Clone()
}

// Stats returns a copy of the client's lifetime counters.
func (c *Client) Stats() ClientStats {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return c.stats
}

// ForgetNode drops any filtering state kept for the named node. Call this
// when a node leaves the cluster so a stale RTT history doesn't leak memory
// or bias a future re-join.
func (c *Client) ForgetNode(name string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	delete(c.samples, name)
}

// filteredRTT folds a new raw observation for name into its sample window
// and returns the median of the window. Observations outside
// [rttFilterMin, rttFilterMax] are rejected outright (the previous filter
// state for the node is left untouched) since they are almost always a
// stalled probe or clock glitch rather than real network behavior.
func (c *Client) filteredRTT(name string, rtt time.Duration) (time.Duration, bool) {
	if rtt < rttFilterMin || rtt > rttFilterMax {
		return 0, false
	}

	window := append(c.samples[name], rtt.Seconds())
	if len(window) > rttFilterSamples {
		window = window[len(window)-rttFilterSamples:]
	}
	c.samples[name] = window

	sorted := append([]float64(nil), window...)
	sort.Float64s(sorted)
	median := sorted[len(sorted)/2]
	return time.Duration(median * float64(time.Second)), true
}

// updateVivaldi updates the Vivaldi portion of the client's coordinate. This
// assumes that the mutex has been locked already.
func (c *Client) updateVivaldi(other *Coordinate, rttSeconds float64) {
	const zeroThreshold = 1.0e-6

	dist := c.coord.DistanceTo(other).Seconds()
	if rttSeconds < zeroThreshold {
		rttSeconds = zeroThreshold
	}
	wrongness := math.Abs(dist-rttSeconds) / rttSeconds

	totalError := c.coord.Error + other.Error
	if totalError < zeroThreshold {
		totalError = zeroThreshold
	}
	weight := c.coord.Error / totalError

	c.coord.Error = c.config.VivaldiCE*weight*wrongness + c.coord.Error*(1.0-c.config.VivaldiCE*weight)
	if c.coord.Error > c.config.VivaldiErrorMax {
		c.coord.Error = c.config.VivaldiErrorMax
	}

	delta := c.config.VivaldiCC * weight
	force := delta * (rttSeconds - dist)
	c.coord = c.coord.ApplyForce(force, other)
}

// updateAdjustment updates the adjustment portion of the client's
// coordinate, if the feature is enabled. This assumes that the mutex has
// been locked already.
func (c *Client) updateAdjustment(other *Coordinate, rttSeconds float64) {
	if c.config.AdjustmentWindowSize == 0 {
		return
	}

	dist := c.coord.rawDistanceTo(other)
	c.adjustmentSamples[c.adjustmentIndex] = rttSeconds - dist
	c.adjustmentIndex = (c.adjustmentIndex + 1) % c.config.AdjustmentWindowSize

	sum := 0.0
	for _, sample := range c.adjustmentSamples {
		sum += sample
	}
	c.coord.Adjustment = sum / (2.0 * float64(c.config.AdjustmentWindowSize))
}

// resetIfInvalid resets the coordinate to the origin if any update produced
// a non-finite component. A single bad RTT sample or a buggy peer shouldn't
// be allowed to poison the estimate permanently.
func (c *Client) resetIfInvalid() {
	if c.coord.IsValid() {
		return
	}
	c.coord = NewCoordinate(c.config)
	c.stats.Resets++
}

// Update takes other, a coordinate for another node, and rtt, a round trip
// time observation for a ping to that node, and updates the estimated
// position of the client's coordinate. name identifies the remote node for
// the purposes of median-filtering the RTT; an observation rejected by the
// filter is silently ignored.
func (c *Client) Update(name string, other *Coordinate, rtt time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	filtered, ok := c.filteredRTT(name, rtt)
	if !ok {
		return
	}

	rttSeconds := filtered.Seconds()
	c.updateVivaldi(other, rttSeconds)
	c.updateAdjustment(other, rttSeconds)
	c.resetIfInvalid()
}

// DistanceTo returns the estimated RTT from the client's coordinate to
// other, the coordinate for another node.
func (c *Client) DistanceTo(other *Coordinate) time.Duration {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return c.coord.DistanceTo(other)
}
