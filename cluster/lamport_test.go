package cluster

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLamportClockIncrement(t *testing.T) {
	var l LamportClock
	require.Equal(t, LamportTime(0), l.Time())
	require.Equal(t, LamportTime(1), l.Increment())
	require.Equal(t, LamportTime(2), l.Increment())
	require.Equal(t, LamportTime(2), l.Time())
}

func TestLamportClockWitnessAdvances(t *testing.T) {
	var l LamportClock
	l.Increment()

	l.Witness(41)
	require.Equal(t, LamportTime(42), l.Time())
}

func TestLamportClockWitnessIgnoresStale(t *testing.T) {
	var l LamportClock
	for i := 0; i < 10; i++ {
		l.Increment()
	}

	l.Witness(3)
	require.Equal(t, LamportTime(10), l.Time())
}
