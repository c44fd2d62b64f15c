// Package logging provides the master's structured, non-blocking logger.
//
// The shape mirrors a conventional package-level logger: Init/New construct it,
// one method exists per level, and a single goroutine serializes writes so that
// concurrent rescues and drain steps never interleave partial lines. The backend
// is zerolog rather than the standard library's log.Logger so that -log-json can
// switch straight into structured output without a second code path.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

func sprintf(format string, args ...interface{}) string {
	return fmt.Sprintf(format, args...)
}

// Logger is the package-level logger. Init must be called before use.
var Logger *logger

type logger struct {
	msgCh  chan logEntry
	donech chan struct{}
	impl   zerolog.Logger
	level  zerolog.Level
}

type logEntry struct {
	level zerolog.Level
	msg   string
	crit  bool
}

// Options configures the logger's verbosity and output encoding.
type Options struct {
	Level string // debug, info, warning, error
	JSON  bool
}

// Init constructs the package-level Logger. Safe to call once at process startup.
func Init(opts Options) {
	Logger = New(opts)
}

func levelFromString(s string) zerolog.Level {
	switch s {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// New builds a logger writing to stdout, buffering up to 10000 pending log lines
// the same way the synchronized stdout writer in a conventional CLI tool does.
func New(opts Options) *logger {
	var w io.Writer = os.Stdout
	if !opts.JSON {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	l := &logger{
		msgCh:  make(chan logEntry, 10000),
		donech: make(chan struct{}),
		impl:   zerolog.New(w).With().Timestamp().Logger(),
		level:  levelFromString(opts.Level),
	}
	go l.drain()
	return l
}

func (l *logger) enqueue(level zerolog.Level, crit bool, msg string) {
	if level < l.level {
		return
	}
	l.msgCh <- logEntry{level: level, msg: msg, crit: crit}
}

func (l *logger) drain() {
	defer close(l.donech)
	for e := range l.msgCh {
		ev := l.impl.WithLevel(e.level)
		if e.crit {
			ev = ev.Bool("critical", true)
		}
		ev.Msg(e.msg)
	}
}

func (l *logger) Debug(msg string)   { l.enqueue(zerolog.DebugLevel, false, msg) }
func (l *logger) Info(msg string)    { l.enqueue(zerolog.InfoLevel, false, msg) }
func (l *logger) Warning(msg string) { l.enqueue(zerolog.WarnLevel, false, msg) }
func (l *logger) Error(msg string)   { l.enqueue(zerolog.ErrorLevel, false, msg) }

// Critical surfaces a message that requires operator attention: queued job
// messages, duplicate completions, and permanently-failed jobs are all logged
// here. zerolog has no distinct "critical" level, so this rides ErrorLevel with
// a critical=true field instead of inventing a level log shippers don't know.
func (l *logger) Critical(msg string) { l.enqueue(zerolog.ErrorLevel, true, msg) }

// Close flushes and stops the writer goroutine. Safe to call once.
func (l *logger) Close() {
	close(l.msgCh)
	<-l.donech
}

func (l *logger) Debugf(format string, args ...interface{})    { l.Debug(sprintf(format, args...)) }
func (l *logger) Infof(format string, args ...interface{})     { l.Info(sprintf(format, args...)) }
func (l *logger) Warningf(format string, args ...interface{})  { l.Warning(sprintf(format, args...)) }
func (l *logger) Errorf(format string, args ...interface{})    { l.Error(sprintf(format, args...)) }
func (l *logger) Criticalf(format string, args ...interface{}) { l.Critical(sprintf(format, args...)) }
