package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"fleet-dispatcher/internal/config"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name      string
		cfg       config.LoggerConfig
		wantLevel zapcore.Level
		wantErr   bool
	}{
		{name: "console debug", cfg: config.LoggerConfig{Level: "debug", Format: "console"}, wantLevel: zapcore.DebugLevel},
		{name: "json warn", cfg: config.LoggerConfig{Level: "warn", Format: "json", OutputPath: "stdout"}, wantLevel: zapcore.WarnLevel},
		{name: "empty format", cfg: config.LoggerConfig{Level: "info"}, wantLevel: zapcore.InfoLevel},
		{name: "bad level", cfg: config.LoggerConfig{Level: "loud", Format: "json"}, wantErr: true},
		{name: "bad format", cfg: config.LoggerConfig{Level: "info", Format: "xml"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, err := NewLogger(tt.cfg, "fleet-test")
			if tt.wantErr {
				if err == nil {
					t.Fatal("NewLogger() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewLogger() error = %v", err)
			}
			if !log.Core().Enabled(tt.wantLevel) {
				t.Errorf("level %v not enabled", tt.wantLevel)
			}
			if tt.wantLevel > zapcore.DebugLevel && log.Core().Enabled(tt.wantLevel-1) {
				t.Errorf("level %v enabled, want disabled", tt.wantLevel-1)
			}
		})
	}
}

func TestNewLogger_JSONFileCarriesService(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.log")

	log, err := NewLogger(config.LoggerConfig{Level: "info", Format: "json", OutputPath: path}, "fleet-test")
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	log.Info("Fleet started")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	line := string(data)
	for _, want := range []string{`"service":"fleet-test"`, `"msg":"Fleet started"`, `"at":`} {
		if !strings.Contains(line, want) {
			t.Errorf("log line %q missing %s", line, want)
		}
	}
}
