// Command flockd wires an agent.Agent and its RPC front door together and
// blocks until a signal asks it to leave. It deliberately has no
// subcommand parser or config-file loader; that belongs to a separate
// CLI layer, not this package.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hashicorp/go-syslog"
	"github.com/sean-/seed"

	"github.com/flocknet/flock/agent"
	"github.com/flocknet/flock/cluster"
	"github.com/flocknet/flock/rpc"
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	seed.Init()

	var (
		nodeName   = flag.String("node", "", "node name (defaults to hostname)")
		bindAddr   = flag.String("bind", "0.0.0.0:7946", "address to bind gossip transport to")
		rpcAddr    = flag.String("rpc-addr", "127.0.0.1:7373", "address to bind the RPC control channel to")
		rpcAuthKey = flag.String("rpc-auth", "", "shared secret RPC clients must present")
		encryptKey = flag.String("encrypt", "", "base64 key for gossip encryption")
		logLevel   = flag.String("log-level", "INFO", "log level: DEBUG, INFO, WARN, or ERR")
		syslogOn   = flag.Bool("syslog", false, "also send log output to the local syslog daemon")
		joinAddrs  stringSliceFlag
	)
	flag.Var(&joinAddrs, "join", "address of an existing member to contact (may be repeated)")
	flag.Parse()

	if *nodeName == "" {
		host, err := os.Hostname()
		if err != nil {
			fmt.Fprintf(os.Stderr, "flockd: could not determine hostname: %v\n", err)
			return 1
		}
		*nodeName = host
	}

	filter := agent.NewLevelFilter(strings.ToUpper(*logLevel))
	filter.Writer = os.Stderr
	if !agent.ValidateLevelFilter(filter) {
		fmt.Fprintf(os.Stderr, "flockd: unknown log level %q\n", *logLevel)
		return 1
	}

	var logOutput io.Writer = filter
	if *syslogOn {
		sl, err := gsyslog.NewLogger(gsyslog.LOG_NOTICE, "DAEMON", "flockd")
		if err != nil {
			fmt.Fprintf(os.Stderr, "flockd: syslog setup failed: %v\n", err)
			return 1
		}
		syslogFilter := agent.NewLevelFilter(strings.ToUpper(*logLevel))
		logOutput = io.MultiWriter(filter, agent.NewSyslogWrapper(sl, syslogFilter))
	}

	agentConf := agent.DefaultConfig()
	agentConf.NodeName = *nodeName
	agentConf.RPCAddr = *rpcAddr
	agentConf.RPCAuthKey = *rpcAuthKey
	agentConf.EncryptKey = *encryptKey
	agentConf.LogLevel = strings.ToUpper(*logLevel)

	host, port, err := splitHostPort(*bindAddr, 7946)
	if err != nil {
		fmt.Fprintf(os.Stderr, "flockd: invalid -bind: %v\n", err)
		return 1
	}
	agentConf.BindAddr = host
	agentConf.BindPort = port

	clusterConf := cluster.DefaultConfig()

	a, err := agent.Create(agentConf, clusterConf, logOutput)
	if err != nil {
		fmt.Fprintf(os.Stderr, "flockd: %v\n", err)
		return 1
	}
	if err := a.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "flockd: %v\n", err)
		return 1
	}

	if len(joinAddrs) > 0 {
		if n, err := a.Join(joinAddrs, false); err != nil {
			log.Printf("[WARN] flockd: join error: %v", err)
		} else {
			log.Printf("[INFO] flockd: joined %d/%d given addresses", n, len(joinAddrs))
		}
	}

	rpcListener, err := net.Listen("tcp", agentConf.RPCAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "flockd: starting RPC listener: %v\n", err)
		a.Shutdown()
		return 1
	}

	server := rpc.NewServer(a, rpcListener, agentConf.RPCAuthKey, agentConf.RPCMaxFrameSize, logOutput)
	go func() {
		if err := server.Run(); err != nil {
			log.Printf("[ERR] flockd: rpc server: %v", err)
		}
	}()

	log.Printf("[INFO] flockd: listening gossip=%s rpc=%s", *bindAddr, agentConf.RPCAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("[INFO] flockd: received %s, leaving", sig)
	case <-a.ShutdownCh():
	}

	if err := a.Leave(); err != nil {
		log.Printf("[WARN] flockd: error leaving: %v", err)
	}
	if err := server.Shutdown(); err != nil {
		log.Printf("[WARN] flockd: error shutting down rpc server: %v", err)
	}
	if err := a.Shutdown(); err != nil {
		log.Printf("[WARN] flockd: error during shutdown: %v", err)
		return 1
	}
	return 0
}

// splitHostPort parses "host:port", defaulting port to defPort if omitted.
func splitHostPort(addr string, defPort int) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, defPort, nil
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}

// stringSliceFlag collects repeated -join flags into a slice.
type stringSliceFlag []string

func (s *stringSliceFlag) String() string { return strings.Join(*s, ",") }

func (s *stringSliceFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}
