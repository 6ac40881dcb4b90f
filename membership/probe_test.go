package membership

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flocknet/flock/testutil"
)

func testMembership(t *testing.T) (*Membership, string) {
	ip, returnIP := testutil.TakeIP()
	t.Cleanup(returnIP)
	addr := ip.String()

	conf := DefaultConfig()
	conf.Name = addr
	conf.BindAddr = addr
	conf.BindPort = 7946
	conf.LogOutput = os.Stderr

	m, err := Create(conf, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { m.Shutdown() })

	return m, addr
}

// TestTCPPingNodeRoundTrip exercises the TCP-ping disambiguation path end
// to end: m1 dials m2's real stream listener, which must recognize the
// tagged ping frame (rather than misread it as a push/pull header) and
// answer with an ack.
func TestTCPPingNodeRoundTrip(t *testing.T) {
	m1, _ := testMembership(t)
	m2, _ := testMembership(t)

	n, err := m1.Join([]string{m2.config.Name + ":7946"})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.Eventually(t, func() bool {
		m1.nodeLock.RLock()
		defer m1.nodeLock.RUnlock()
		_, ok := m1.nodeMap[m2.config.Name]
		return ok
	}, 5*time.Second, 50*time.Millisecond)

	m1.nodeLock.RLock()
	target := m1.nodeMap[m2.config.Name]
	m1.nodeLock.RUnlock()
	require.NotNil(t, target)

	ok := m1.tcpPingNode(target, m1.nextSeqNo(), 2*time.Second)
	require.True(t, ok, "tcp ping should succeed against a live peer")
}

// TestHandleConnStillServesPushPull confirms the byte-peeking dispatch in
// handleConn doesn't break the ordinary push/pull exchange it still needs
// to serve alongside the new TCP-ping responder.
func TestHandleConnStillServesPushPull(t *testing.T) {
	m1, _ := testMembership(t)
	m2, _ := testMembership(t)

	err := m1.pushPullNode(m2.config.Name+":7946", true)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		m1.nodeLock.RLock()
		defer m1.nodeLock.RUnlock()
		_, ok := m1.nodeMap[m2.config.Name]
		return ok
	}, 5*time.Second, 50*time.Millisecond)
}
