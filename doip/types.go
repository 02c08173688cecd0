package doip

import (
	"go.uber.org/zap"
)

// Logger interface should be implemented by the client.
// *zap.SugaredLogger satisfies it.
type Logger interface {
	Debug(v ...interface{})
	Debugf(format string, v ...interface{})
	Info(v ...interface{})
	Infof(format string, v ...interface{})
	Warnf(format string, v ...interface{})
}

// NewLogger creates a logger that discards everything.
func NewLogger() Logger {
	return zap.NewNop().Sugar()
}
