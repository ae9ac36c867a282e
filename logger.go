package remotekit

import (
	"log"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Logger is the minimal logging contract used across the library. Values
// are key-value pairs, zap-sugared style.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// SimpleLogger writes levelled lines via the standard library logger.
type SimpleLogger struct {
	l *log.Logger
}

// NewSimpleLogger creates a console logger suitable for development.
func NewSimpleLogger() *SimpleLogger {
	return &SimpleLogger{l: log.New(os.Stderr, "remotekit ", log.LstdFlags|log.Lmsgprefix)}
}

func (s *SimpleLogger) Debug(msg string, keysAndValues ...any) { s.print("DEBUG", msg, keysAndValues) }
func (s *SimpleLogger) Info(msg string, keysAndValues ...any)  { s.print("INFO", msg, keysAndValues) }
func (s *SimpleLogger) Warn(msg string, keysAndValues ...any)  { s.print("WARN", msg, keysAndValues) }
func (s *SimpleLogger) Error(msg string, keysAndValues ...any) { s.print("ERROR", msg, keysAndValues) }

func (s *SimpleLogger) print(level, msg string, kv []any) {
	if len(kv) == 0 {
		s.l.Printf("%s %s", level, msg)
		return
	}
	s.l.Printf("%s %s %v", level, msg, kv)
}

// ZapLogger adapts a zap.SugaredLogger to the Logger interface.
type ZapLogger struct {
	s *zap.SugaredLogger
}

// NewZapLogger wraps an existing zap logger for use with the library.
func NewZapLogger(l *zap.Logger) *ZapLogger {
	return &ZapLogger{s: l.Sugar()}
}

func (z *ZapLogger) Debug(msg string, keysAndValues ...any) { z.s.Debugw(msg, keysAndValues...) }
func (z *ZapLogger) Info(msg string, keysAndValues ...any)  { z.s.Infow(msg, keysAndValues...) }
func (z *ZapLogger) Warn(msg string, keysAndValues ...any)  { z.s.Warnw(msg, keysAndValues...) }
func (z *ZapLogger) Error(msg string, keysAndValues ...any) { z.s.Errorw(msg, keysAndValues...) }

// DebugConfig gates per-concern debug logging. The master switch defaults
// to off so an attached Logger stays quiet until asked.
type DebugConfig struct {
	Enabled      bool
	LogRequests  bool
	LogRetries   bool
	LogCache     bool
	LogCircuit   bool
	LogRateLimit bool
	LogStream    bool
	LogSSH       bool
	RequestIDGen func() string
}

// DefaultDebugConfig returns a config with everything on except the
// master switch.
func DefaultDebugConfig() *DebugConfig {
	return &DebugConfig{
		Enabled:      false,
		LogRequests:  true,
		LogRetries:   true,
		LogCache:     true,
		LogCircuit:   true,
		LogRateLimit: true,
		LogStream:    true,
		LogSSH:       true,
		RequestIDGen: func() string { return uuid.NewString()[:8] },
	}
}
