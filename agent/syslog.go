package agent

import (
	"github.com/hashicorp/go-syslog"
	"github.com/hashicorp/logutils"
)

// SyslogWrapper filters log lines at filter's MinLevel, same as any other
// writer behind a LevelFilter, then maps the line's own "[LEVEL]" prefix
// onto a syslog priority so "docker logs"-style local tailing and syslog
// severity-based alerting both see the right thing.
type SyslogWrapper struct {
	l      gsyslog.Syslogger
	filter *logutils.LevelFilter
}

// NewSyslogWrapper wraps l, an already-opened syslog connection, with
// filter.
func NewSyslogWrapper(l gsyslog.Syslogger, filter *logutils.LevelFilter) *SyslogWrapper {
	return &SyslogWrapper{l: l, filter: filter}
}

func (s *SyslogWrapper) Write(p []byte) (int, error) {
	if !s.filter.Check(p) {
		return 0, nil
	}

	pri := gsyslog.LOG_NOTICE
	if level, ok := parseLogLevel(p); ok {
		switch logutils.LogLevel(level) {
		case "DEBUG":
			pri = gsyslog.LOG_DEBUG
		case "INFO":
			pri = gsyslog.LOG_INFO
		case "WARN":
			pri = gsyslog.LOG_WARNING
		case "ERR":
			pri = gsyslog.LOG_ERR
		}
	}

	if err := s.l.WriteLevel(pri, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// parseLogLevel extracts the bracketed level prefix a log.Logger line
// begins with, e.g. "[INFO] agent: starting" -> "INFO", false if the line
// doesn't carry one.
func parseLogLevel(p []byte) (string, bool) {
	if len(p) < 1 || p[0] != '[' {
		return "", false
	}
	for i := 1; i < len(p); i++ {
		if p[i] == ']' {
			return string(p[1:i]), true
		}
	}
	return "", false
}
