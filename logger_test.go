package remotekit

import (
	"testing"

	"go.uber.org/zap"
)

func TestSimpleLoggerLevels(t *testing.T) {
	logger := NewSimpleLogger()

	// must not panic, with or without key-value pairs
	logger.Debug("debug message")
	logger.Info("info message", "key", "value")
	logger.Warn("warn message", "count", 3)
	logger.Error("error message", "err", "boom")
}

func TestZapLoggerAdapter(t *testing.T) {
	zl := zap.NewNop()
	logger := NewZapLogger(zl)

	logger.Debug("debug", "k", 1)
	logger.Info("info", "k", 2)
	logger.Warn("warn", "k", 3)
	logger.Error("error", "k", 4)
}

func TestDefaultDebugConfig(t *testing.T) {
	cfg := DefaultDebugConfig()

	if cfg.Enabled {
		t.Error("Expected master switch off by default")
	}
	if !cfg.LogRequests || !cfg.LogRetries || !cfg.LogCache || !cfg.LogCircuit {
		t.Error("Expected per-concern flags on by default")
	}

	id := cfg.RequestIDGen()
	if len(id) != 8 {
		t.Errorf("Expected 8-character request id, got %q", id)
	}
	if id == cfg.RequestIDGen() {
		t.Error("Expected unique request ids")
	}
}

func TestDebugLogDisabledLoggerNeverCalled(t *testing.T) {
	client := New("https://api.example.com", WithLogger(countingLogger{t}))
	defer client.Close()

	// debug disabled: silent
	client.debugLog(true, "should not be logged")
}

type countingLogger struct{ t *testing.T }

func (c countingLogger) Debug(msg string, kv ...any) { c.t.Errorf("unexpected Debug(%q)", msg) }
func (c countingLogger) Info(msg string, kv ...any)  { c.t.Errorf("unexpected Info(%q)", msg) }
func (c countingLogger) Warn(msg string, kv ...any)  { c.t.Errorf("unexpected Warn(%q)", msg) }
func (c countingLogger) Error(msg string, kv ...any) { c.t.Errorf("unexpected Error(%q)", msg) }
