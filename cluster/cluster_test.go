package cluster

import (
	"log"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flocknet/flock/eventbus"
	"github.com/flocknet/flock/membership"
	"github.com/flocknet/flock/testutil"
)

func testCluster(t *testing.T) (*Cluster, string) {
	ip, returnIP := testutil.TakeIP()
	t.Cleanup(returnIP)
	addr := ip.String()

	mconf := membership.DefaultConfig()
	mconf.Name = addr
	mconf.BindAddr = addr
	mconf.BindPort = 7946
	mconf.LogOutput = os.Stderr

	cconf := DefaultConfig()
	cconf.NodeName = addr
	cconf.MemberlistConfig = mconf
	cconf.LogOutput = os.Stderr

	bus := eventbus.New(log.New(os.Stderr, "", 0), 64)
	t.Cleanup(bus.Shutdown)

	c, err := Create(cconf, bus)
	require.NoError(t, err)
	t.Cleanup(func() { c.Shutdown() })

	return c, addr
}

func TestClusterJoinAndMembers(t *testing.T) {
	c1, _ := testCluster(t)
	c2, addr2 := testCluster(t)

	members := c1.Members()
	require.Len(t, members, 1)
	require.Equal(t, members[0].Name, c1.LocalMember().Name)

	n, err := c1.Join([]string{addr2 + ":7946"}, false)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.Eventually(t, func() bool {
		return len(c1.Members()) == 2 && len(c2.Members()) == 2
	}, 5*time.Second, 50*time.Millisecond)
}

func TestClusterSetTags(t *testing.T) {
	c, _ := testCluster(t)

	require.NoError(t, c.SetTags(map[string]string{"role": "db"}))
	require.Eventually(t, func() bool {
		return c.LocalMember().Tags["role"] == "db"
	}, time.Second, 10*time.Millisecond)
}

func TestClusterUserEvent(t *testing.T) {
	c, _ := testCluster(t)
	require.NoError(t, c.UserEvent("deploy", []byte("v1"), false))
}

func TestClusterUserEventSizeLimit(t *testing.T) {
	c, _ := testCluster(t)
	limit := c.config.UserEventSizeLimit

	atLimit := make([]byte, limit-len("deploy"))
	require.NoError(t, c.UserEvent("deploy", atLimit, false))

	overLimit := make([]byte, limit-len("deploy")+1)
	require.Error(t, c.UserEvent("deploy", overLimit, false))
}

func TestClusterStats(t *testing.T) {
	c, _ := testCluster(t)

	stats := c.Stats()
	require.Contains(t, stats, "cluster")
	require.Equal(t, "1", stats["cluster"]["member_count"])
	require.Contains(t, stats, "coordinate")
}
