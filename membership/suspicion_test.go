package membership

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSuspicionFiresAtMaxWithNoConfirmations(t *testing.T) {
	fired := make(chan int, 1)
	start := time.Now()
	newSuspicion("node0", 3, 25*time.Millisecond, 200*time.Millisecond, func(n int) {
		fired <- n
	})

	select {
	case n := <-fired:
		require.Equal(t, 0, n)
		require.WithinDuration(t, start.Add(200*time.Millisecond), time.Now(), 150*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("suspicion never fired")
	}
}

func TestSuspicionConfirmSpeedsUpFire(t *testing.T) {
	fired := make(chan int, 1)
	start := time.Now()
	s := newSuspicion("node0", 3, 10*time.Millisecond, 2*time.Second, func(n int) {
		fired <- n
	})

	require.True(t, s.Confirm("node1"))
	require.True(t, s.Confirm("node2"))

	select {
	case n := <-fired:
		require.Equal(t, 2, n)
		require.Less(t, time.Since(start), time.Second)
	case <-time.After(2 * time.Second):
		t.Fatal("confirmations did not speed up firing")
	}
}

func TestSuspicionConfirmIgnoresDuplicateAndExcess(t *testing.T) {
	s := newSuspicion("node0", 2, 10*time.Millisecond, 2*time.Second, func(int) {})
	defer s.Stop()

	require.True(t, s.Confirm("node1"))
	require.False(t, s.Confirm("node1"))
	require.False(t, s.Confirm("node2"))
	require.Equal(t, int64(1), atomic.LoadInt64(&s.k))
}

func TestSuspicionStopPreventsFire(t *testing.T) {
	fired := make(chan int, 1)
	s := newSuspicion("node0", 3, 200*time.Millisecond, 200*time.Millisecond, func(n int) {
		fired <- n
	})
	s.Stop()

	select {
	case <-fired:
		t.Fatal("suspicion fired after Stop")
	case <-time.After(300 * time.Millisecond):
	}
}
