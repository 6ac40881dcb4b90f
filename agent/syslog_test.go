package agent

import (
	"testing"

	gsyslog "github.com/hashicorp/go-syslog"
	"github.com/stretchr/testify/require"
)

type fakeSyslogger struct {
	lastPriority gsyslog.Priority
	lastMessage  []byte
	writes       int
}

func (f *fakeSyslogger) WriteLevel(p gsyslog.Priority, b []byte) error {
	f.lastPriority = p
	f.lastMessage = append([]byte(nil), b...)
	f.writes++
	return nil
}

func (f *fakeSyslogger) Write(b []byte) (int, error) { return len(b), nil }
func (f *fakeSyslogger) Close() error                { return nil }

func TestParseLogLevel(t *testing.T) {
	level, ok := parseLogLevel([]byte("[WARN] something happened"))
	require.True(t, ok)
	require.Equal(t, "WARN", level)

	_, ok = parseLogLevel([]byte("no brackets here"))
	require.False(t, ok)
}

func TestSyslogWrapperMapsLevelToPriority(t *testing.T) {
	cases := []struct {
		line string
		pri  gsyslog.Priority
	}{
		{"[DEBUG] x", gsyslog.LOG_DEBUG},
		{"[INFO] x", gsyslog.LOG_INFO},
		{"[WARN] x", gsyslog.LOG_WARNING},
		{"[ERR] x", gsyslog.LOG_ERR},
		{"[UNKNOWN] x", gsyslog.LOG_NOTICE},
	}

	for _, tc := range cases {
		f := &fakeSyslogger{}
		filter := newLevelFilter(nil, "DEBUG")
		s := NewSyslogWrapper(f, filter)

		n, err := s.Write([]byte(tc.line))
		require.NoError(t, err)
		require.Equal(t, len(tc.line), n)
		require.Equal(t, tc.pri, f.lastPriority)
	}
}

func TestSyslogWrapperDropsBelowMinLevel(t *testing.T) {
	f := &fakeSyslogger{}
	filter := newLevelFilter(nil, "WARN")
	s := NewSyslogWrapper(f, filter)

	n, err := s.Write([]byte("[DEBUG] should be filtered"))
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Equal(t, 0, f.writes)

	n, err = s.Write([]byte("[ERR] should pass"))
	require.NoError(t, err)
	require.NotZero(t, n)
	require.Equal(t, 1, f.writes)
}
