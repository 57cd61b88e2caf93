package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNew_Levels(t *testing.T) {
	tests := []struct {
		level   string
		dev     bool
		enabled zapcore.Level
		dropped zapcore.Level
	}{
		{"info", false, zapcore.InfoLevel, zapcore.DebugLevel},
		{"DEBUG", true, zapcore.DebugLevel, zapcore.DebugLevel - 1},
		{"warn", false, zapcore.WarnLevel, zapcore.InfoLevel},
		{"error", true, zapcore.ErrorLevel, zapcore.WarnLevel},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger, err := New(tt.level, tt.dev)
			if err != nil {
				t.Fatalf("New(%q) failed: %v", tt.level, err)
			}
			if !logger.Core().Enabled(tt.enabled) {
				t.Errorf("Expected %v enabled", tt.enabled)
			}
			if logger.Core().Enabled(tt.dropped) {
				t.Errorf("Expected %v filtered", tt.dropped)
			}
		})
	}
}

func TestNew_InvalidLevel(t *testing.T) {
	if _, err := New("chatty", false); err == nil {
		t.Error("Expected error for unknown level")
	}
}
