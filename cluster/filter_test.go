package cluster

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecentFilterSeenAndRecord(t *testing.T) {
	f := newRecentFilter(2)
	require.False(t, f.Seen(1, "deploy", []byte("v1")))

	f.Record(1, "deploy", []byte("v1"))
	require.True(t, f.Seen(1, "deploy", []byte("v1")))
	require.False(t, f.Seen(1, "deploy", []byte("v2")))
}

func TestRecentFilterEvictsOldestOnOverflow(t *testing.T) {
	f := newRecentFilter(2)
	f.Record(1, "a", []byte("x"))
	f.Record(2, "b", []byte("x"))
	f.Record(3, "c", []byte("x"))

	require.False(t, f.Seen(1, "a", []byte("x")))
	require.True(t, f.Seen(2, "b", []byte("x")))
	require.True(t, f.Seen(3, "c", []byte("x")))
}

func TestTombstoneFilterExpiredRemoves(t *testing.T) {
	tf := newTombstoneFilter()
	tf.Set("node1", 100)
	tf.Set("node2", 200)

	expired := tf.Expired(150)
	require.ElementsMatch(t, []string{"node1"}, expired)

	// Already removed, a second call at a later time doesn't return it again.
	expired = tf.Expired(150)
	require.Empty(t, expired)

	expired = tf.Expired(300)
	require.ElementsMatch(t, []string{"node2"}, expired)
}

func TestTombstoneFilterClear(t *testing.T) {
	tf := newTombstoneFilter()
	tf.Set("node1", 100)
	tf.Clear("node1")
	require.Empty(t, tf.Expired(1000))
}

func TestIntentBufferWitnessAndConsume(t *testing.T) {
	b := newIntentBuffer(2)
	require.True(t, b.Witness("node1", 5))

	intent, ok := b.Consume("node1")
	require.True(t, ok)
	require.Equal(t, LamportTime(5), intent.LTime)

	_, ok = b.Consume("node1")
	require.False(t, ok)
}

func TestIntentBufferIgnoresStaleWitness(t *testing.T) {
	b := newIntentBuffer(2)
	b.Witness("node1", 5)
	require.False(t, b.Witness("node1", 3))

	intent, ok := b.Consume("node1")
	require.True(t, ok)
	require.Equal(t, LamportTime(5), intent.LTime)
}

func TestIntentBufferEvictsOldestOnOverflow(t *testing.T) {
	b := newIntentBuffer(2)
	b.Witness("node1", 1)
	b.Witness("node2", 1)
	b.Witness("node3", 1)

	_, ok := b.Consume("node1")
	require.False(t, ok)

	_, ok = b.Consume("node2")
	require.True(t, ok)
	_, ok = b.Consume("node3")
	require.True(t, ok)
}
