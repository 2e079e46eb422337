package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"

	"github.com/leonletto/sigrecv/internal/config"
)

func TestNew(t *testing.T) {
	tests := []struct {
		cfg  config.LogConfig
		want zapcore.Level
	}{
		{config.LogConfig{Level: "debug", Format: "json"}, zapcore.DebugLevel},
		{config.LogConfig{Level: "warn", Format: "text"}, zapcore.WarnLevel},
		{config.LogConfig{Level: "bogus", Format: "json"}, zapcore.InfoLevel},
	}
	for _, tt := range tests {
		logger, err := New(tt.cfg)
		if err != nil {
			t.Fatalf("New(%+v) failed: %v", tt.cfg, err)
		}
		if !logger.Core().Enabled(tt.want) {
			t.Errorf("New(%+v): level %v not enabled", tt.cfg, tt.want)
		}
		if tt.want > zapcore.DebugLevel && logger.Core().Enabled(tt.want-1) {
			t.Errorf("New(%+v): level %v should be disabled", tt.cfg, tt.want-1)
		}
		_ = logger.Sync()
	}
}
