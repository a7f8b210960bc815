package workflows

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/zane-ops/zane/pkg/log"
)

// temporalLogger adapts the process zerolog logger to the SDK's
// key-value logging interface, so workflow and worker internals land
// in the same stream as everything else.
type temporalLogger struct {
	log zerolog.Logger
}

// NewTemporalLogger returns the logger handed to the Temporal client.
func NewTemporalLogger() *temporalLogger {
	return &temporalLogger{log: log.WithComponent("temporal")}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.emit(l.log.Debug(), msg, keyvals)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.emit(l.log.Info(), msg, keyvals)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.emit(l.log.Warn(), msg, keyvals)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.emit(l.log.Error(), msg, keyvals)
}

func (l *temporalLogger) emit(e *zerolog.Event, msg string, keyvals []interface{}) {
	for i := 0; i+1 < len(keyvals); i += 2 {
		e = e.Interface(fmt.Sprint(keyvals[i]), keyvals[i+1])
	}
	if len(keyvals)%2 != 0 {
		e = e.Interface("extra", keyvals[len(keyvals)-1])
	}
	e.Msg(msg)
}
