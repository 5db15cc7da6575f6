package logger

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNew(t *testing.T) {
	log := New()
	if log.GetLevel() == zerolog.Disabled {
		t.Error("Expected logger to be enabled")
	}
}

func TestNewWithOptions(t *testing.T) {
	tests := []struct {
		name      string
		opts      Options
		wantLevel zerolog.Level
	}{
		{name: "default", opts: Options{}, wantLevel: zerolog.InfoLevel},
		{name: "debug", opts: Options{Level: "debug"}, wantLevel: zerolog.DebugLevel},
		{name: "upper case", opts: Options{Level: "WARN"}, wantLevel: zerolog.WarnLevel},
		{name: "unknown falls back", opts: Options{Level: "chatty"}, wantLevel: zerolog.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			tt.opts.Out = buf
			log := NewWithOptions(tt.opts)
			if log.GetLevel() != tt.wantLevel {
				t.Errorf("level = %v, want %v", log.GetLevel(), tt.wantLevel)
			}
		})
	}
}

func TestNewWithOptions_JSON(t *testing.T) {
	buf := &bytes.Buffer{}
	log := NewWithOptions(Options{Format: "json", Out: buf})
	log.Info().Str("query_id", "q-1").Msg("answered")

	out := buf.String()
	if !strings.HasPrefix(out, "{") {
		t.Fatalf("Expected JSON output, got: %s", out)
	}
	if !strings.Contains(out, `"query_id":"q-1"`) {
		t.Errorf("Expected query_id field, got: %s", out)
	}
}

func TestNewWithWriter(t *testing.T) {
	buf := &bytes.Buffer{}
	log := NewWithWriter(buf)

	log.Info().Msg("test message")

	if !strings.Contains(buf.String(), "test message") {
		t.Errorf("Expected output to contain 'test message', got: %s", buf.String())
	}
}

func TestFromContext(t *testing.T) {
	buf := &bytes.Buffer{}
	ctx := WithContext(context.Background(), NewWithWriter(buf))

	lg := FromContext(ctx)
	lg.Info().Msg("test")

	if buf.Len() == 0 {
		t.Error("Expected log output from retrieved logger")
	}
}

func TestFromContext_DefaultLogger(t *testing.T) {
	log := FromContext(context.Background())
	if log.GetLevel() == zerolog.Disabled {
		t.Error("Expected default logger to be enabled")
	}
}

func TestWithFields(t *testing.T) {
	buf := &bytes.Buffer{}
	log := WithFields(NewWithWriter(buf), map[string]interface{}{
		"backend": "graph",
		"rows":    3,
	})
	log.Info().Msg("executed")

	out := buf.String()
	if !strings.Contains(out, `"backend":"graph"`) || !strings.Contains(out, `"rows":3`) {
		t.Errorf("Expected fields in output, got: %s", out)
	}
}
