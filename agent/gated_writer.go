package agent

import (
	"io"
	"sync"

	"github.com/armon/circbuf"
)

// gatedBufferSize bounds how much startup log output GatedWriter will hold
// before Flush is called; past this it silently drops the oldest bytes
// rather than growing without limit if something never flushes.
const gatedBufferSize = 512 * 1024

// GatedWriter buffers every Write until Flush is called, then replays the
// buffered output to the underlying Writer and passes every subsequent
// Write straight through. This lets startup log lines queue up quietly
// while the agent is still validating its configuration, so a fatal
// config error never gets lost in the middle of unrelated startup
// chatter.
type GatedWriter struct {
	Writer io.Writer

	mu     sync.Mutex
	buf    *circbuf.Buffer
	flowed bool
}

// Write implements io.Writer.
func (w *GatedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.flowed {
		return w.Writer.Write(p)
	}

	if w.buf == nil {
		buf, err := circbuf.NewBuffer(gatedBufferSize)
		if err != nil {
			return 0, err
		}
		w.buf = buf
	}
	return w.buf.Write(p)
}

// Flush writes the buffered output to the underlying Writer and switches
// to passthrough mode for all future writes. Idempotent.
func (w *GatedWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.flowed = true
	if w.buf != nil {
		w.Writer.Write(w.buf.Bytes())
		w.buf = nil
	}
}
