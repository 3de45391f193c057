package cron

import (
	"fmt"
	"io"
	"time"

	orchestrator "github.com/goliatone/go-orchestrator"
)

// LogLevel controls how chatty the underlying cron runner is.
type LogLevel int

const (
	LogLevelSilent LogLevel = iota
	LogLevelError
	LogLevelInfo
	LogLevelDebug
)

// Parser selects the cron expression dialect.
type Parser int

const (
	// DefaultParser accepts five field specs and descriptors like @every.
	DefaultParser Parser = iota
	StandardParser
	// SecondsParser requires a leading seconds field.
	SecondsParser
)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLocation sets the timezone expressions are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		s.location = loc
	}
}

func WithLogger(logger orchestrator.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithLogWriter sends plain cron log lines to writer. WithLogger wins when
// both are set.
func WithLogWriter(writer io.Writer) Option {
	return func(s *Scheduler) {
		s.logWriter = writer
	}
}

func WithLogLevel(level LogLevel) Option {
	return func(s *Scheduler) {
		s.logLevel = level
	}
}

// WithErrorHandler receives errors returned by jobs.
func WithErrorHandler(handler func(error)) Option {
	return func(s *Scheduler) {
		s.errorHandler = handler
	}
}

func WithParser(p Parser) Option {
	return func(s *Scheduler) {
		s.parser = p
	}
}

// loggerAdapter exposes an orchestrator logger as a robfig cron logger.
type loggerAdapter struct {
	logger orchestrator.Logger
	level  LogLevel
}

func (l *loggerAdapter) Info(msg string, keysAndValues ...any) {
	if l.level >= LogLevelInfo {
		l.logger.Info("%s %s", msg, formatKV(keysAndValues))
	}
}

func (l *loggerAdapter) Error(err error, msg string, keysAndValues ...any) {
	if l.level >= LogLevelError {
		l.logger.Error("%s: %v %s", msg, err, formatKV(keysAndValues))
	}
}

func formatKV(kv []any) string {
	out := ""
	for i := 0; i+1 < len(kv); i += 2 {
		if out != "" {
			out += " "
		}
		out += fmt.Sprintf("%v=%v", kv[i], kv[i+1])
	}
	return out
}
