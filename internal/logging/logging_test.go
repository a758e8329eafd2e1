package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		cfg       Config
		wantLevel zapcore.Level
		wantErr   bool
	}{
		{name: "defaults", cfg: Config{}, wantLevel: zapcore.InfoLevel},
		{name: "debug console", cfg: Config{Level: "debug", Format: "console"}, wantLevel: zapcore.DebugLevel},
		{name: "warn json", cfg: Config{Level: "WARN", Format: "JSON"}, wantLevel: zapcore.WarnLevel},
		{name: "bad level", cfg: Config{Level: "loud"}, wantErr: true},
		{name: "bad format", cfg: Config{Format: "xml"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			defer func() { _ = logger.Sync() }()

			if !logger.Core().Enabled(tt.wantLevel) {
				t.Errorf("level %v not enabled", tt.wantLevel)
			}
			if tt.wantLevel > zapcore.DebugLevel && logger.Core().Enabled(tt.wantLevel-1) {
				t.Errorf("level below %v unexpectedly enabled", tt.wantLevel)
			}
		})
	}
}
