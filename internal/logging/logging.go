// Package logging wraps a process-wide zerolog logger behind a small
// key/value facade. Output is one JSON line per entry on stderr:
//
//	{"level":"info","user":"u_1","time":"2025-01-01T00:00:00Z","message":"sync pass finished"}
package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu     sync.Mutex
	logger = zerolog.New(os.Stderr).Level(zerolog.InfoLevel).With().Timestamp().Logger()
)

// SetLevel changes the minimum emitted level. Unknown strings fall back to info.
func SetLevel(raw string) {
	level := zerolog.InfoLevel
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		level = zerolog.DebugLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	mu.Lock()
	defer mu.Unlock()
	logger = logger.Level(level)
}

// SetOutput redirects log output, used by tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	logger = logger.Output(w)
}

func Debug(msg string, kv ...any) {
	l := current()
	emit(l.Debug(), msg, kv)
}

func Info(msg string, kv ...any) {
	l := current()
	emit(l.Info(), msg, kv)
}

// Error logs a message with an optional error value attached.
func Error(msg string, err error, kv ...any) {
	l := current()
	evt := l.Error()
	if err != nil {
		evt = evt.Err(err)
	}
	emit(evt, msg, kv)
}

func current() zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return logger
}

func emit(evt *zerolog.Event, msg string, kv []any) {
	// Pairs of key, value; a trailing odd argument is dropped.
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		evt = evt.Interface(key, kv[i+1])
	}
	evt.Msg(msg)
}
