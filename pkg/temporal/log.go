package temporal

import (
	"github.com/rs/zerolog"
	"go.temporal.io/sdk/log"
)

// logAdapter routes SDK logs to zerolog.
type logAdapter struct {
	log zerolog.Logger
}

var _ log.Logger = logAdapter{}

func newLogAdapter(l zerolog.Logger) logAdapter {
	return logAdapter{log: l}
}

func (a logAdapter) Debug(msg string, keyvals ...any) { a.emit(a.log.Debug(), msg, keyvals) }
func (a logAdapter) Info(msg string, keyvals ...any)  { a.emit(a.log.Info(), msg, keyvals) }
func (a logAdapter) Warn(msg string, keyvals ...any)  { a.emit(a.log.Warn(), msg, keyvals) }
func (a logAdapter) Error(msg string, keyvals ...any) { a.emit(a.log.Error(), msg, keyvals) }

func (a logAdapter) emit(e *zerolog.Event, msg string, keyvals []any) {
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		if err, ok := keyvals[i+1].(error); ok {
			e = e.AnErr(key, err)
			continue
		}
		e = e.Interface(key, keyvals[i+1])
	}
	e.Msg(msg)
}
