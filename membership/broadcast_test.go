package membership

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQueueGetBroadcastsOrdersByFewestTransmits(t *testing.T) {
	q := NewQueue(1, func() int { return 1 })

	q.QueueBroadcast(newSimpleBroadcast("a", []byte("A"), nil))
	q.QueueBroadcast(newSimpleBroadcast("b", []byte("B"), nil))

	msgs := q.GetBroadcasts(0, 1)
	require.Len(t, msgs, 1)
	require.Equal(t, []byte("A"), msgs[0])

	msgs = q.GetBroadcasts(0, 1)
	require.Len(t, msgs, 1)
	require.Equal(t, []byte("B"), msgs[0])
}

func TestQueueRespectsByteLimit(t *testing.T) {
	q := NewQueue(1, func() int { return 1 })
	q.QueueBroadcast(newSimpleBroadcast("a", []byte("AAAA"), nil))
	q.QueueBroadcast(newSimpleBroadcast("b", []byte("BBBB"), nil))

	msgs := q.GetBroadcasts(0, 4)
	require.Len(t, msgs, 1)
}

func TestQueueNamedBroadcastDedupes(t *testing.T) {
	q := NewQueue(1, func() int { return 1 })

	finished := make(chan struct{})
	q.QueueBroadcast(newSimpleBroadcast("node1", []byte("old"), finished))
	q.QueueBroadcast(newSimpleBroadcast("node1", []byte("new"), nil))

	select {
	case <-finished:
	default:
		t.Fatalf("expected old broadcast for the same token to be finished")
	}

	require.Equal(t, 1, q.Len())
	msgs := q.GetBroadcasts(0, 1024)
	require.Equal(t, []byte("new"), msgs[0])
}

func TestQueueRetransmitLimitEvictsExhaustedBroadcast(t *testing.T) {
	q := NewQueue(1, func() int { return 1 })
	q.QueueBroadcast(newSimpleBroadcast("a", []byte("A"), nil))

	// n=1 -> ceil(log2(2))*1 == 1 retransmit allowed.
	msgs := q.GetBroadcasts(0, 1024)
	require.Len(t, msgs, 1)
	require.Equal(t, 0, q.Len())
}

func TestQueueReset(t *testing.T) {
	q := NewQueue(1, func() int { return 1 })
	finished := make(chan struct{})
	q.QueueBroadcast(newSimpleBroadcast("a", []byte("A"), finished))

	q.Reset()
	require.Equal(t, 0, q.Len())
	select {
	case <-finished:
	default:
		t.Fatalf("expected Reset to finish pending broadcasts")
	}
}
