package logging

import (
	"bytes"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/arkilian/bulkupsert/internal/config"
)

func TestLevel(t *testing.T) {
	tests := map[string]zapcore.Level{
		"debug": zapcore.DebugLevel,
		"DEBUG": zapcore.DebugLevel,
		"info":  zapcore.InfoLevel,
		"warn":  zapcore.WarnLevel,
		"error": zapcore.ErrorLevel,
		"":      zapcore.InfoLevel,
		"loud":  zapcore.InfoLevel,
	}
	for name, want := range tests {
		if got := Level(name); got != want {
			t.Errorf("Level(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(config.LoggingConfig{Level: "info", Format: "json"}, zapcore.AddSync(&buf))

	logger.Named("executor").Info("upsert finished", zap.Int("inserted", 3))
	logger.Debug("hidden")
	_ = logger.Sync()

	out := buf.String()
	for _, want := range []string{`"msg":"upsert finished"`, `"component":"executor"`, `"inserted":3`, `"level":"INFO"`} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %s", out, want)
		}
	}
	if strings.Contains(out, "hidden") {
		t.Error("debug entry written at info level")
	}
}

func TestNew_Console(t *testing.T) {
	var buf bytes.Buffer
	logger := New(config.LoggingConfig{Level: "debug", Format: "console"}, zapcore.AddSync(&buf))

	logger.Debug("visible")
	_ = logger.Sync()

	if !strings.Contains(buf.String(), "visible") || !strings.Contains(buf.String(), " | ") {
		t.Errorf("unexpected console output %q", buf.String())
	}
}
