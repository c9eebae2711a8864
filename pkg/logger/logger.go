package logger

import (
	"github.com/go-kit/kit/log/level"
)

// LogLevelFromString maps a log level string to a filter option,
// defaulting to all.
func LogLevelFromString(l string) level.Option {
	switch l {
	case "debug":
		return level.AllowDebug()
	case "info":
		return level.AllowInfo()
	case "warn":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	default:
		return level.AllowAll()
	}
}
