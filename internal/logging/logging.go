// Package logging provides structured logging for rv64fuzz using zap.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with fuzzer-specific field helpers.
type Logger struct {
	*zap.Logger
}

var (
	// L is the global logger instance. Init must be called once before use;
	// until then L is a no-op logger so packages can log unconditionally.
	L    = &Logger{Logger: zap.NewNop()}
	once sync.Once
)

// Init initializes the global logger. Safe to call multiple times; only the
// first call takes effect.
func Init(debug bool) {
	once.Do(func() {
		L = New(debug)
	})
}

// New creates a standalone Logger instance.
func New(debug bool) *Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		logger = zap.NewNop()
	}
	return &Logger{Logger: logger}
}

// NewNop creates a no-op logger, for tests.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// WithWorker returns a logger with the worker id preset, so multi-worker
// output stays attributable.
func (l *Logger) WithWorker(id int) *Logger {
	return &Logger{Logger: l.Logger.With(zap.Int("worker", id))}
}

// Fault logs a crash-class exit.
func (l *Logger) Fault(kind string, addr uint64, pc uint64) {
	l.Warn("fault", zap.String("kind", kind), Addr(addr), zap.Uint64("pc", pc))
}

// CoverageHit logs a new-edge coverage event.
func (l *Logger) CoverageHit(from, to uint64) {
	l.Debug("coverage", Addr(from), zap.Uint64("to", to))
}

// Addr creates a hex-formatted address field.
func Addr(addr uint64) zap.Field {
	return zap.String("addr", Hex(addr))
}

// Hex formats a uint64 as a 0x-prefixed hex string.
func Hex(v uint64) string {
	const digits = "0123456789abcdef"
	if v == 0 {
		return "0x0"
	}
	buf := make([]byte, 18)
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	i -= 2
	buf[i], buf[i+1] = '0', 'x'
	return string(buf[i:])
}
