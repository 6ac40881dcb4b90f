package agent

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	lines []string
}

func (h *recordingHandler) HandleLog(line string) {
	h.lines = append(h.lines, line)
}

func TestLogWriterForwardsToUnderlying(t *testing.T) {
	var out bytes.Buffer
	w := newLogWriter(&out)

	_, err := w.Write([]byte("hello\n"))
	require.NoError(t, err)
	require.Equal(t, "hello\n", out.String())
}

func TestLogWriterFansOutToHandlers(t *testing.T) {
	var out bytes.Buffer
	w := newLogWriter(&out)

	h1, h2 := &recordingHandler{}, &recordingHandler{}
	w.RegisterHandler(h1)
	w.RegisterHandler(h2)

	_, err := w.Write([]byte("[INFO] a line\n"))
	require.NoError(t, err)

	require.Equal(t, []string{"[INFO] a line\n"}, h1.lines)
	require.Equal(t, []string{"[INFO] a line\n"}, h2.lines)
}

func TestLogWriterDeregisterStopsDelivery(t *testing.T) {
	var out bytes.Buffer
	w := newLogWriter(&out)

	h := &recordingHandler{}
	w.RegisterHandler(h)
	w.DeregisterHandler(h)

	_, err := w.Write([]byte("line\n"))
	require.NoError(t, err)
	require.Empty(t, h.lines)
}
