package agent

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGatedWriterBuffersUntilFlush(t *testing.T) {
	var out bytes.Buffer
	w := &GatedWriter{Writer: &out}

	n, err := w.Write([]byte("hello "))
	require.NoError(t, err)
	require.Equal(t, 6, n)
	require.Empty(t, out.Bytes())

	_, err = w.Write([]byte("world"))
	require.NoError(t, err)
	require.Empty(t, out.Bytes())

	w.Flush()
	require.Equal(t, "hello world", out.String())
}

func TestGatedWriterPassesThroughAfterFlush(t *testing.T) {
	var out bytes.Buffer
	w := &GatedWriter{Writer: &out}
	w.Flush()

	_, err := w.Write([]byte("live"))
	require.NoError(t, err)
	require.Equal(t, "live", out.String())
}

func TestGatedWriterFlushWithNothingBuffered(t *testing.T) {
	var out bytes.Buffer
	w := &GatedWriter{Writer: &out}
	w.Flush()
	require.Empty(t, out.Bytes())
}
