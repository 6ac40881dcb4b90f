package agent

import (
	"io"
	"sync"
)

// LogHandler receives every log line written through a LogWriter, after
// its own level filtering (if any) has already been applied by the
// caller that registered it.
type LogHandler interface {
	HandleLog(line string)
}

// LogWriter is an io.Writer that both forwards to an underlying
// destination (the agent's own file/stderr output) and fans each line out
// to any handlers registered for the lifetime of the process; it backs
// the RPC "monitor" command, which needs a per-connection feed of log
// lines with its own minimum level, independent of what the agent itself
// logs at.
type LogWriter struct {
	underlying io.Writer

	mu       sync.Mutex
	handlers map[LogHandler]struct{}
}

func newLogWriter(underlying io.Writer) *LogWriter {
	return &LogWriter{
		underlying: underlying,
		handlers:   make(map[LogHandler]struct{}),
	}
}

func (w *LogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	for h := range w.handlers {
		h.HandleLog(string(p))
	}
	w.mu.Unlock()
	return w.underlying.Write(p)
}

// RegisterHandler adds h to the fan-out set; idempotent.
func (w *LogWriter) RegisterHandler(h LogHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[h] = struct{}{}
}

// DeregisterHandler removes h from the fan-out set.
func (w *LogWriter) DeregisterHandler(h LogHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.handlers, h)
}
