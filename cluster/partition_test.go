package cluster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPartitionRingDetectsOnceFull(t *testing.T) {
	p := newPartitionRing(3, time.Minute)
	require.False(t, p.detected())

	p.suspect("a")
	require.False(t, p.detected())
	p.suspect("b")
	require.False(t, p.detected())
	p.suspect("c")
	require.True(t, p.detected())

	require.ElementsMatch(t, []string{"a", "b", "c"}, p.partitioned())
}

func TestPartitionRingUnsuspectClearsSlot(t *testing.T) {
	p := newPartitionRing(2, time.Minute)
	p.suspect("a")
	p.suspect("b")
	require.True(t, p.detected())

	p.unsuspect("a")
	require.False(t, p.detected())
}

func TestPartitionRingExpiresOldFailures(t *testing.T) {
	p := newPartitionRing(2, 10*time.Millisecond)
	p.suspect("a")
	time.Sleep(20 * time.Millisecond)
	p.suspect("b")

	require.False(t, p.detected())
}

func TestNoopPartitionDetectorNeverFires(t *testing.T) {
	var d partitionDetector = noopPartitionDetector{}
	d.suspect("a")
	require.False(t, d.detected())
	require.Nil(t, d.partitioned())
}

func TestNewPartitionDetectorDisabledByConfig(t *testing.T) {
	conf := DefaultConfig()
	conf.PartitionCount = 0
	d := newPartitionDetector(conf)
	_, ok := d.(noopPartitionDetector)
	require.True(t, ok)
}
