package kafkabus

import (
	"strconv"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// logger routes franz-go client logs into zap.
type logger struct {
	l *zap.Logger
}

func newLogger(l *zap.Logger) *logger {
	if l == nil {
		l = zap.NewNop()
	}

	return &logger{
		l: l.Named("kgo"),
	}
}

func (l *logger) Level() kgo.LogLevel {
	switch l.l.Level() {
	case zap.DebugLevel:
		return kgo.LogLevelDebug
	case zap.InfoLevel:
		return kgo.LogLevelInfo
	case zap.WarnLevel:
		return kgo.LogLevelWarn
	case zap.ErrorLevel, zap.PanicLevel, zap.DPanicLevel, zap.FatalLevel:
		return kgo.LogLevelError
	case zapcore.InvalidLevel:
		return kgo.LogLevelNone
	default:
		return kgo.LogLevelDebug
	}
}

func (l *logger) Log(level kgo.LogLevel, msg string, keyvals ...any) {
	zf := fields(keyvals)

	switch level {
	case kgo.LogLevelInfo:
		l.l.Info(msg, zf...)
	case kgo.LogLevelWarn:
		l.l.Warn(msg, zf...)
	case kgo.LogLevelError:
		l.l.Error(msg, zf...)
	default:
		l.l.Debug(msg, zf...)
	}
}

// fields pairs kgo key/values. Non-string keys are stringified, a trailing
// key without a value is kept with a "<missing>" marker.
func fields(keyvals []any) []zap.Field {
	if len(keyvals) == 0 {
		return nil
	}

	out := make([]zap.Field, 0, (len(keyvals)+1)/2)
	for i := 0; i < len(keyvals); i += 2 {
		key := keyName(keyvals[i], i)

		if i+1 >= len(keyvals) {
			out = append(out, zap.String(key, "<missing>"))
			break
		}

		out = append(out, zap.Any(key, keyvals[i+1]))
	}

	return out
}

func keyName(k any, pos int) string {
	switch v := k.(type) {
	case string:
		return v
	case int:
		return strconv.Itoa(v)
	default:
		return "key" + strconv.Itoa(pos)
	}
}
