package agent

import (
	"time"

	metrics "github.com/armon/go-metrics"
)

// setupTelemetry installs the process-wide go-metrics sink: an in-memory
// aggregator over 10-second intervals retained for a minute, dumped to
// stderr on SIGUSR1 via metrics.DefaultInmemSignal. Every IncrCounter call
// in membership/probe.go, state.go, and membership.go feeds this sink once
// installed.
func setupTelemetry(nodeName string) *metrics.InmemSink {
	inm := metrics.NewInmemSink(10*time.Second, time.Minute)
	metrics.DefaultInmemSignal(inm)

	conf := metrics.DefaultConfig("flock-agent")
	conf.EnableHostname = false
	conf.HostName = nodeName
	metrics.NewGlobal(conf, inm)

	return inm
}
