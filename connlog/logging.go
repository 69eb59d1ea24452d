// Package connlog sets up the leveled, optionally syslog-backed logging
// shared by every component of the connection fabric.
package connlog

import (
	stdlog "log"
	"log/syslog"
	"os"

	"github.com/op/go-logging"
)

var stderrFormat = logging.MustStringFormatter(
	`%{color}%{time:15:04:05.000} %{level:.6s} %{module} ▶ %{message}%{color:reset}`,
)
var syslogFormat = logging.MustStringFormatter(
	`%{time:15:04:05.000} %{level:.6s} %{module} ▶ %{message}`,
)

// Setup configures the global go-logging backend once for the process and
// returns a logger scoped to module. Safe to call once per process; callers
// that need a differently-named logger should use New after Setup.
func Setup(prefix string, defaultLevel logging.Level, trySyslog bool) *logging.Logger {
	var backend logging.Backend
	if trySyslog {
		var err error
		backend, err = logging.NewSyslogBackendPriority(prefix, syslog.LOG_NOTICE)
		if err == nil {
			logging.SetFormatter(syslogFormat)
			if sb, ok := backend.(*logging.SyslogBackend); ok {
				stdlog.SetOutput(sb.Writer)
			}
		} else {
			backend = nil
		}
	}
	if backend == nil {
		backend = logging.NewLogBackend(os.Stderr, prefix, 0)
		logging.SetFormatter(stderrFormat)
	}
	leveled := logging.AddModuleLevel(backend)
	switch os.Getenv("CONNFABRIC_LOG_LEVEL") {
	case "CRITICAL":
		leveled.SetLevel(logging.CRITICAL, "")
	case "ERROR":
		leveled.SetLevel(logging.ERROR, "")
	case "WARNING":
		leveled.SetLevel(logging.WARNING, "")
	case "NOTICE":
		leveled.SetLevel(logging.NOTICE, "")
	case "INFO":
		leveled.SetLevel(logging.INFO, "")
	case "DEBUG":
		leveled.SetLevel(logging.DEBUG, "")
	default:
		leveled.SetLevel(defaultLevel, "")
	}
	logging.SetBackend(leveled)
	return New(prefix)
}

// New returns a logger for the named module, independent of Setup having run
// (go-logging lazily attaches to whatever backend is current).
func New(module string) *logging.Logger {
	return logging.MustGetLogger(module)
}
