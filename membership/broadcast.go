package membership

import (
	"container/heap"
	"math"
	"sync"
)

// Broadcast is satisfied by anything that can be queued for gossip
// dissemination: the cluster overlay's own message kinds implement this
// directly so they ride the same queue as membership's Alive/Suspect/Dead
// broadcasts.
type Broadcast interface {
	// Invalidates reports whether this broadcast supersedes (and should
	// evict) another queued broadcast.
	Invalidates(other Broadcast) bool

	// Message returns the encoded wire payload.
	Message() []byte

	// Finished is called once the broadcast's retransmit budget is
	// exhausted, or it is invalidated.
	Finished()
}

// namedBroadcast is implemented by broadcasts that are deduplicated by an
// explicit token rather than by Invalidates-based scanning; membership's
// own Alive/Suspect/Dead broadcasts dedupe on node name this way.
type namedBroadcast interface {
	Broadcast
	token() string
}

// simpleBroadcast wraps a raw payload with a dedup token, used for
// membership's own Alive/Suspect/Dead broadcasts.
type simpleBroadcast struct {
	tok      string
	msg      []byte
	notify   chan struct{}
}

// newSimpleBroadcast builds a token-deduplicated broadcast; notify may be
// nil if the caller doesn't need a completion signal.
func newSimpleBroadcast(tok string, msg []byte, notify chan struct{}) *simpleBroadcast {
	return &simpleBroadcast{tok: tok, msg: msg, notify: notify}
}

func (b *simpleBroadcast) token() string              { return b.tok }
func (b *simpleBroadcast) Invalidates(o Broadcast) bool {
	if other, ok := o.(namedBroadcast); ok {
		return b.tok == other.token()
	}
	return false
}
func (b *simpleBroadcast) Message() []byte { return b.msg }
func (b *simpleBroadcast) Finished() {
	if b.notify != nil {
		close(b.notify)
	}
}

// broadcastItem is the heap element: a queued Broadcast plus its current
// transmit count and monotonic sequence number used to break ties FIFO.
type broadcastItem struct {
	b             Broadcast
	transmits     int
	seq           uint64
	index         int
}

// broadcastHeap implements container/heap.Interface ordered by ascending
// (transmits, seq), i.e. least-sent and oldest wins.
type broadcastHeap []*broadcastItem

func (h broadcastHeap) Len() int { return len(h) }
func (h broadcastHeap) Less(i, j int) bool {
	if h[i].transmits != h[j].transmits {
		return h[i].transmits < h[j].transmits
	}
	return h[i].seq < h[j].seq
}
func (h broadcastHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *broadcastHeap) Push(x interface{}) {
	item := x.(*broadcastItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *broadcastHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// Queue is the gossip broadcast priority queue described by the spec: a
// same-token enqueue replaces the prior entry, and GetBroadcasts pops in
// ascending (transmit-count, enqueue-order) until the byte budget is
// exhausted, discarding (and firing Finished on) anything that has met its
// retransmit limit.
type Queue struct {
	mu             sync.Mutex
	heap           broadcastHeap
	byToken        map[string]*broadcastItem
	seq            uint64
	retransmitMult int

	// NumNodes is consulted to compute the retransmit ceiling
	// ceil(log2(n+1)) * RetransmitMult; set by the owning Membership.
	NumNodes func() int
}

// NewQueue constructs an empty broadcast queue.
func NewQueue(retransmitMult int, numNodes func() int) *Queue {
	return &Queue{
		byToken:        make(map[string]*broadcastItem),
		retransmitMult: retransmitMult,
		NumNodes:       numNodes,
	}
}

// QueueBroadcast enqueues b, replacing and finishing any existing entry
// that b.Invalidates (or, for named broadcasts, that shares its token).
func (q *Queue) QueueBroadcast(b Broadcast) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if nb, ok := b.(namedBroadcast); ok {
		if old, exists := q.byToken[nb.token()]; exists {
			q.removeLocked(old)
			old.b.Finished()
		}
	} else {
		for _, item := range q.heap {
			if b.Invalidates(item.b) {
				q.removeLocked(item)
				item.b.Finished()
			}
		}
	}

	q.seq++
	item := &broadcastItem{b: b, transmits: 0, seq: q.seq}
	heap.Push(&q.heap, item)
	if nb, ok := b.(namedBroadcast); ok {
		q.byToken[nb.token()] = item
	}
}

// removeLocked removes item from the heap; callers hold q.mu.
func (q *Queue) removeLocked(item *broadcastItem) {
	if item.index < 0 || item.index >= len(q.heap) {
		return
	}
	heap.Remove(&q.heap, item.index)
	if nb, ok := item.b.(namedBroadcast); ok {
		delete(q.byToken, nb.token())
	}
}

// retransmitLimit returns ceil(log2(n+1)) * retransmitMult, the
// log-proportional retransmit bound required by the spec.
func (q *Queue) retransmitLimit() int {
	n := 1
	if q.NumNodes != nil {
		if v := q.NumNodes(); v > 0 {
			n = v
		}
	}
	limit := int(math.Ceil(math.Log2(float64(n + 1))))
	if limit < 1 {
		limit = 1
	}
	return limit * q.retransmitMult
}

// GetBroadcasts pops broadcasts in priority order until adding another
// would exceed limit bytes (each charged an extra overhead bytes), returning
// their encoded payloads. Popped broadcasts are either re-enqueued with an
// incremented transmit count or discarded (firing Finished) once they reach
// the retransmit limit.
func (q *Queue) GetBroadcasts(overhead, limit int) [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return nil
	}

	maxRetransmits := q.retransmitLimit()
	var out [][]byte
	var reinsert []*broadcastItem
	used := 0

	for len(q.heap) > 0 {
		item := heap.Pop(&q.heap).(*broadcastItem)
		msg := item.b.Message()
		cost := len(msg) + overhead
		if used+cost > limit {
			// Doesn't fit; put it back for next round untouched.
			heap.Push(&q.heap, item)
			break
		}
		used += cost
		out = append(out, msg)
		item.transmits++

		if item.transmits >= maxRetransmits {
			if nb, ok := item.b.(namedBroadcast); ok {
				delete(q.byToken, nb.token())
			}
			item.b.Finished()
		} else {
			reinsert = append(reinsert, item)
		}
	}

	for _, item := range reinsert {
		heap.Push(&q.heap, item)
	}
	return out
}

// Len reports the number of broadcasts currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Reset clears the queue, firing Finished on everything still pending.
// Used on Shutdown.
func (q *Queue) Reset() {
	q.mu.Lock()
	items := q.heap
	q.heap = nil
	q.byToken = make(map[string]*broadcastItem)
	q.mu.Unlock()

	for _, item := range items {
		item.b.Finished()
	}
}
