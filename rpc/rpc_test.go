package rpc

import (
	"net"
	"testing"
	"time"

	"github.com/flocknet/flock/agent"
	"github.com/flocknet/flock/cluster"
	"github.com/flocknet/flock/testutil"
)

// testAgent builds and starts an agent.Agent bound to a free loopback
// alias, returning it alongside its bind address.
func testAgent(t *testing.T) (*agent.Agent, string) {
	ip, returnIP := testutil.TakeIP()
	t.Cleanup(returnIP)

	bindAddr := ip.String()

	aconf := agent.DefaultConfig()
	aconf.NodeName = bindAddr
	aconf.BindAddr = bindAddr
	aconf.BindPort = 7946

	cconf := cluster.DefaultConfig()
	a, err := agent.Create(aconf, cconf, testlogWriter(t))
	if err != nil {
		t.Fatalf("agent.Create: %v", err)
	}
	if err := a.Start(); err != nil {
		t.Fatalf("agent.Start: %v", err)
	}
	t.Cleanup(func() { a.Shutdown() })
	return a, bindAddr
}

// testServer starts an rpc.Server fronting a fresh agent on a free TCP
// port, returning a connected, handshaken Client.
func testServer(t *testing.T, authKey string) (*Server, *Client, *agent.Agent) {
	a, _ := testAgent(t)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s := NewServer(a, l, authKey, 0, testlogWriter(t))
	go s.Run()
	t.Cleanup(func() { s.Shutdown() })

	c, err := NewClient(l.Addr().String(), authKey)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	return s, c, a
}

func TestClientHandshakeAndMembers(t *testing.T) {
	_, c, _ := testServer(t, "")

	members, err := c.Members()
	if err != nil {
		t.Fatalf("Members: %v", err)
	}
	if len(members) != 1 {
		t.Fatalf("expected 1 member, got %d", len(members))
	}
}

func TestClientAuthRequired(t *testing.T) {
	_, _, a := testServer(t, "secret")

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := NewServer(a, l, "secret", 0, testlogWriter(t))
	go s.Run()
	defer s.Shutdown()

	// Wrong key should fail cleanly and leave the connection unauthenticated.
	if _, err := NewClient(l.Addr().String(), "wrong"); err == nil {
		t.Fatalf("expected auth failure with wrong key")
	}

	// Correct key should succeed.
	c, err := NewClient(l.Addr().String(), "secret")
	if err != nil {
		t.Fatalf("NewClient with correct key: %v", err)
	}
	defer c.Close()

	if _, err := c.Members(); err != nil {
		t.Fatalf("Members after auth: %v", err)
	}
}

func TestClientJoin(t *testing.T) {
	_, c1, _ := testServer(t, "")
	a2, addr2 := testAgent(t)
	_ = a2

	n, err := c1.Join([]string{addr2 + ":7946"}, false)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 successful join, got %d", n)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		members, err := c1.Members()
		if err != nil {
			t.Fatalf("Members: %v", err)
		}
		if len(members) == 2 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("members never converged to 2")
}

func TestClientUserEventAndStream(t *testing.T) {
	_, c, _ := testServer(t, "")

	events := make(chan StreamEvent, 8)
	handle, err := c.Stream("user", events)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer c.Stop(handle)

	if err := c.UserEvent("deploy", []byte("v1"), false); err != nil {
		t.Fatalf("UserEvent: %v", err)
	}

	select {
	case ev := <-events:
		if ev.User == nil || ev.User.Name != "deploy" {
			t.Fatalf("unexpected event: %#v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for streamed user event")
	}
}

func TestClientMonitor(t *testing.T) {
	_, c, a := testServer(t, "")

	lines := make(chan string, 32)
	handle, err := c.Monitor("DEBUG", lines)
	if err != nil {
		t.Fatalf("Monitor: %v", err)
	}
	defer c.Stop(handle)

	a.UserEvent("ping", nil, false)

	select {
	case <-lines:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a monitored log line")
	}
}

func TestClientStop(t *testing.T) {
	_, c, _ := testServer(t, "")

	events := make(chan StreamEvent, 1)
	handle, err := c.Stream("*", events)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if err := c.Stop(handle); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestClientSetTags(t *testing.T) {
	_, c, a := testServer(t, "")

	if err := c.SetTags(map[string]string{"role": "web"}, nil); err != nil {
		t.Fatalf("SetTags: %v", err)
	}

	members, err := c.Members()
	if err != nil {
		t.Fatalf("Members: %v", err)
	}
	if members[0].Tags["role"] != "web" {
		t.Fatalf("tag not applied: %#v", members[0].Tags)
	}
	_ = a
}

func TestClientStats(t *testing.T) {
	_, c, _ := testServer(t, "")

	stats, err := c.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if _, ok := stats["cluster"]; !ok {
		t.Fatalf("expected a \"cluster\" stats section, got %#v", stats)
	}
}

func TestClientOversizedFrameRejected(t *testing.T) {
	a, _ := testAgent(t)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := NewServer(a, l, "", 64, testlogWriter(t))
	go s.Run()
	t.Cleanup(func() { s.Shutdown() })

	c, err := NewClient(l.Addr().String(), "")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer c.Close()

	err = c.UserEvent("deploy", make([]byte, 1024), false)
	if err == nil {
		t.Fatalf("expected an error for an oversized frame")
	}
	if err.Error() != frameTooLarge {
		t.Fatalf("expected error %q, got %q", frameTooLarge, err.Error())
	}
}

func testlogWriter(t *testing.T) *testWriter {
	return &testWriter{t: t}
}

// testWriter routes log output through t.Log so `go test -v` attributes it
// to the right subtest instead of interleaving on stderr.
type testWriter struct {
	t *testing.T
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.t.Logf("%s", p)
	return len(p), nil
}
