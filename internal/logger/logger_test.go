package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

// resetLogger resets the logger to default state for test isolation
func resetLogger() {
	Init(Options{})
}

// --- Levels ---

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" INFO ":  slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, expected %v", in, got, want)
		}
	}
}

func TestInit_LevelFiltering(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		logged  []string
		dropped []string
	}{
		{"default", Options{}, []string{"info", "warn", "error"}, []string{"debug"}},
		{"level warn", Options{Level: "warn"}, []string{"warn", "error"}, []string{"debug", "info"}},
		{"debug flag", Options{Level: "error", Debug: true}, []string{"debug", "info"}, nil},
		{"quiet overrides debug", Options{Debug: true, Quiet: true}, []string{"error"}, []string{"debug", "info", "warn"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			opts := tt.opts
			opts.Output = buf
			Init(opts)
			defer resetLogger()

			Debug("msg-debug")
			Info("msg-info")
			Warn("msg-warn")
			Error("msg-error")

			out := buf.String()
			for _, l := range tt.logged {
				if !strings.Contains(out, "msg-"+l) {
					t.Errorf("expected %s message to be logged", l)
				}
			}
			for _, l := range tt.dropped {
				if strings.Contains(out, "msg-"+l) {
					t.Errorf("expected %s message to be dropped", l)
				}
			}
		})
	}
}

// --- Format ---

func TestInit_JSONFormat(t *testing.T) {
	buf := &bytes.Buffer{}
	Init(Options{JSON: true, Output: buf})
	defer resetLogger()

	Info("metered", "caller", "c1", "cost", 0.0105)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected one JSON record, got %q: %v", buf.String(), err)
	}
	if rec["msg"] != "metered" || rec["caller"] != "c1" {
		t.Errorf("unexpected record %v", rec)
	}
}

func TestInit_CustomLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	Init(Options{Logger: slog.New(slog.NewTextHandler(buf, nil)), Quiet: true})
	defer resetLogger()

	Info("custom logger ignores quiet")
	if !strings.Contains(buf.String(), "custom logger ignores quiet") {
		t.Error("a custom logger should override all other options")
	}
}

// --- Scoped loggers ---

func TestComponent_AddsAttribute(t *testing.T) {
	buf := &bytes.Buffer{}
	Init(Options{Output: buf})
	defer resetLogger()

	Component("metering").Info("recorded")
	if !strings.Contains(buf.String(), "component=metering") {
		t.Errorf("expected component attribute, got %q", buf.String())
	}
}

func TestSetLogger_ReplacesGet(t *testing.T) {
	buf := &bytes.Buffer{}
	l := slog.New(slog.NewTextHandler(buf, nil))
	SetLogger(l)
	defer resetLogger()

	if Get() != l {
		t.Error("Get() should return the logger passed to SetLogger")
	}
	With("k", "v").Info("with attrs")
	if !strings.Contains(buf.String(), "k=v") {
		t.Errorf("expected attributes in output, got %q", buf.String())
	}
}

func TestContextFunctions(t *testing.T) {
	buf := &bytes.Buffer{}
	Init(Options{Debug: true, Output: buf})
	defer resetLogger()

	ctx := context.Background()
	DebugContext(ctx, "ctx-debug")
	InfoContext(ctx, "ctx-info")
	WarnContext(ctx, "ctx-warn")
	ErrorContext(ctx, "ctx-error")

	for _, msg := range []string{"ctx-debug", "ctx-info", "ctx-warn", "ctx-error"} {
		if !strings.Contains(buf.String(), msg) {
			t.Errorf("expected %q in output", msg)
		}
	}
}
