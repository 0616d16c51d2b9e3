//go:build !windows

package ops

import "log/syslog"

// SyslogWriter opens a connection to the system log at the daemon
// facility, used as the logging sink once the gateway has detached from
// its controlling terminal (spec: "or the system log after
// daemonization").
func SyslogWriter(tag string) (*syslog.Writer, error) {
	return syslog.New(syslog.LOG_DAEMON|syslog.LOG_INFO, tag)
}
