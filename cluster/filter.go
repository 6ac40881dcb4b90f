package cluster

import (
	"crypto/sha256"
	"sync"
)

// recentEntry is one slot of the recent-message filter: a user event or
// query already applied, keyed by lamport time plus a content hash so two
// distinct events at the same time don't collide.
type recentEntry struct {
	ltime LamportTime
	name  string
	hash  [32]byte
	used  bool
}

// recentFilter is a fixed-size ring buffer of recently-processed user
// events/queries, used to reject duplicate gossip deliveries (the same
// broadcast arriving via more than one peer). Sized at construction;
// the spec's default is 2x the event buffer.
type recentFilter struct {
	mu      sync.Mutex
	entries []recentEntry
	index   int
}

func newRecentFilter(size int) *recentFilter {
	if size <= 0 {
		size = 1
	}
	return &recentFilter{entries: make([]recentEntry, size)}
}

func contentHash(name string, payload []byte) [32]byte {
	h := sha256.New()
	h.Write([]byte(name))
	h.Write(payload)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Seen reports whether (ltime, name, payload) was already recorded.
func (f *recentFilter) Seen(ltime LamportTime, name string, payload []byte) bool {
	hash := contentHash(name, payload)
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		if e.used && e.ltime == ltime && e.name == name && e.hash == hash {
			return true
		}
	}
	return false
}

// Record inserts (ltime, name, payload) into the ring, evicting the oldest
// entry if full.
func (f *recentFilter) Record(ltime LamportTime, name string, payload []byte) {
	hash := contentHash(name, payload)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[f.index] = recentEntry{ltime: ltime, name: name, hash: hash, used: true}
	f.index = (f.index + 1) % len(f.entries)
}

// tombstoneFilter tracks the deadline past which a Left/Failed member
// should be reaped from the visible roster.
type tombstoneFilter struct {
	mu        sync.Mutex
	deadlines map[string]int64 // name -> unix nanos deadline
}

func newTombstoneFilter() *tombstoneFilter {
	return &tombstoneFilter{deadlines: make(map[string]int64)}
}

func (t *tombstoneFilter) Set(name string, deadlineUnixNano int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deadlines[name] = deadlineUnixNano
}

func (t *tombstoneFilter) Clear(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.deadlines, name)
}

// Expired returns the names whose deadline is at or before now, removing
// them from the tracked set.
func (t *tombstoneFilter) Expired(nowUnixNano int64) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for name, deadline := range t.deadlines {
		if nowUnixNano >= deadline {
			out = append(out, name)
			delete(t.deadlines, name)
		}
	}
	return out
}

// nodeIntent records the newest join or leave intent Lamport time seen for
// a node, so an older or repeated intent can be recognised and ignored.
// Buffered intents are not replayed when the membership Alive/Dead
// transition arrives. One slot per node; a newer intent for the same node
// replaces an older buffered one.
type nodeIntent struct {
	LTime LamportTime
	Node  string
}

// intentBuffer is a small fixed-size ring of the most recent join or leave
// intents, keyed by node name for O(1) "is there a pending intent for this
// node" lookups as well as ring-buffer recency eviction.
type intentBuffer struct {
	mu      sync.Mutex
	byNode  map[string]nodeIntent
	order   []string
	size    int
}

func newIntentBuffer(size int) *intentBuffer {
	if size <= 0 {
		size = 1
	}
	return &intentBuffer{byNode: make(map[string]nodeIntent), size: size}
}

// Witness buffers the intent if newer than what's known for node, applying
// ring-buffer eviction of the oldest entry when full. Returns true if it
// replaced-or-inserted (i.e. the caller should consider this the current
// buffered intent for node).
func (b *intentBuffer) Witness(node string, ltime LamportTime) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.byNode[node]; ok {
		if ltime <= existing.LTime {
			return false
		}
		b.byNode[node] = nodeIntent{LTime: ltime, Node: node}
		return true
	}

	if len(b.order) >= b.size {
		oldest := b.order[0]
		b.order = b.order[1:]
		delete(b.byNode, oldest)
	}
	b.byNode[node] = nodeIntent{LTime: ltime, Node: node}
	b.order = append(b.order, node)
	return true
}

// Consume returns and removes the buffered intent for node, if any.
func (b *intentBuffer) Consume(node string) (nodeIntent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	intent, ok := b.byNode[node]
	if ok {
		delete(b.byNode, node)
		for i, n := range b.order {
			if n == node {
				b.order = append(b.order[:i], b.order[i+1:]...)
				break
			}
		}
	}
	return intent, ok
}
