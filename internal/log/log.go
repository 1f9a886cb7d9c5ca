// Package log is a thin slog wrapper matching the call-site idiom used
// throughout the teacher codebase (log.Debug("msg", log.String("k", "v"))).
package log

import (
	"log/slog"
	"os"
)

var base = slog.New(slog.NewTextHandler(os.Stderr, nil))

// String builds a string slog.Attr. Named to mirror the teacher's
// log.String/log.Err helper call sites.
func String(key, value string) slog.Attr {
	return slog.String(key, value)
}

// Int builds an int slog.Attr.
func Int(key string, value int) slog.Attr {
	return slog.Int(key, value)
}

// Err builds an error slog.Attr under the conventional "error" key.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}

func attrsToAny(attrs []slog.Attr) []any {
	out := make([]any, len(attrs))
	for i, a := range attrs {
		out[i] = a
	}
	return out
}

func Debug(msg string, attrs ...slog.Attr) { base.Debug(msg, attrsToAny(attrs)...) }
func Info(msg string, attrs ...slog.Attr)  { base.Info(msg, attrsToAny(attrs)...) }
func Warn(msg string, attrs ...slog.Attr)  { base.Warn(msg, attrsToAny(attrs)...) }
func Error(msg string, attrs ...slog.Attr) { base.Error(msg, attrsToAny(attrs)...) }

// SetHandler swaps the base logger's handler, used by callers (and tests)
// that want to redirect or silence output.
func SetHandler(h slog.Handler) {
	base = slog.New(h)
}
