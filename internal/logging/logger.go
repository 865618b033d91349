// Package logging provides structured logging for the device mapper.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// LogLevel selects the minimum severity a logger emits.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (lv LogLevel) threshold() zerolog.Level {
	switch lv {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Config holds logging configuration.
type Config struct {
	Level   LogLevel
	Format  string // "json" or "text"
	Output  io.Writer
	Sync    bool // synchronous writes, for tests
	NoColor bool // disable ANSI colors in text format
}

// DefaultConfig returns the stderr text-format defaults.
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: "text",
		Output: os.Stderr,
	}
}

// logQueueDepth bounds the records buffered between emission and the
// sink before drops start.
const logQueueDepth = 1024

// queueWriter decouples log emission from the sink so the dispatch
// paths never stall on slow output.
type queueWriter struct {
	queue chan []byte
}

func startQueueWriter(sink io.Writer, depth int) *queueWriter {
	q := &queueWriter{queue: make(chan []byte, depth)}
	go func() {
		for rec := range q.queue {
			sink.Write(rec)
		}
	}()
	return q
}

func (q *queueWriter) Write(p []byte) (int, error) {
	select {
	case q.queue <- append([]byte(nil), p...):
	default:
		// full queue: losing a record beats stalling an I/O path
	}
	return len(p), nil
}

// Logger is a leveled, structured logger carrying mapper context.
type Logger struct {
	zlog zerolog.Logger
}

// NewLogger builds a logger from config; nil means defaults. Unless
// Sync is set, records pass through a bounded queue and emission never
// blocks.
func NewLogger(cfg *Config) *Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	sink := cfg.Output
	if !cfg.Sync {
		sink = startQueueWriter(sink, logQueueDepth)
	}
	if cfg.Format != "json" {
		sink = zerolog.ConsoleWriter{Out: sink, NoColor: cfg.NoColor}
	}

	zlog := zerolog.New(sink).With().Timestamp().Logger().Level(cfg.Level.threshold())
	return &Logger{zlog: zlog}
}

var (
	defMu sync.Mutex
	def   *Logger
)

// Default returns the process-wide logger, creating it on first use.
func Default() *Logger {
	defMu.Lock()
	defer defMu.Unlock()
	if def == nil {
		def = NewLogger(nil)
	}
	return def
}

// SetDefault replaces the process-wide logger.
func SetDefault(l *Logger) {
	defMu.Lock()
	def = l
	defMu.Unlock()
}

// WithDevice binds a device minor to all records.
func (l *Logger) WithDevice(minor int) *Logger {
	return &Logger{zlog: l.zlog.With().Int("minor", minor).Logger()}
}

// WithTarget binds a target type name to all records.
func (l *Logger) WithTarget(name string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("target", name).Logger()}
}

// WithSector binds a sector address to all records.
func (l *Logger) WithSector(sector uint64) *Logger {
	return &Logger{zlog: l.zlog.With().Uint64("sector", sector).Logger()}
}

// WithError binds an error to all records.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{zlog: l.zlog.With().Err(err).Logger()}
}

func (l *Logger) at(lv LogLevel) *zerolog.Event {
	switch lv {
	case LevelDebug:
		return l.zlog.Debug()
	case LevelWarn:
		return l.zlog.Warn()
	case LevelError:
		return l.zlog.Error()
	default:
		return l.zlog.Info()
	}
}

// emit writes one record with alternating key/value pairs appended as
// fields. Keys that are not strings are skipped along with their value.
func (l *Logger) emit(lv LogLevel, msg string, kv []any) {
	ev := l.at(lv)
	for i := 0; i+1 < len(kv); i += 2 {
		if key, ok := kv[i].(string); ok {
			ev = ev.Interface(key, kv[i+1])
		}
	}
	ev.Msg(msg)
}

func (l *Logger) Debug(msg string, kv ...any) { l.emit(LevelDebug, msg, kv) }
func (l *Logger) Info(msg string, kv ...any)  { l.emit(LevelInfo, msg, kv) }
func (l *Logger) Warn(msg string, kv ...any)  { l.emit(LevelWarn, msg, kv) }
func (l *Logger) Error(msg string, kv ...any) { l.emit(LevelError, msg, kv) }

// Printf-style variants.
func (l *Logger) Debugf(format string, args ...any) { l.at(LevelDebug).Msgf(format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.at(LevelInfo).Msgf(format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.at(LevelWarn).Msgf(format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.at(LevelError).Msgf(format, args...) }

// Package-level helpers on the default logger.
func Debug(msg string, kv ...any) { Default().Debug(msg, kv...) }
func Info(msg string, kv ...any)  { Default().Info(msg, kv...) }
func Warn(msg string, kv ...any)  { Default().Warn(msg, kv...) }
func Error(msg string, kv ...any) { Default().Error(msg, kv...) }
