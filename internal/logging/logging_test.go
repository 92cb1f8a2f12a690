package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func resetLoggingState() {
	mu.Lock()
	defer mu.Unlock()

	baseWriter = os.Stderr
	log.Logger = zerolog.New(baseWriter).With().Timestamp().Logger()
	zerolog.TimeFieldFormat = defaultTimeFmt
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	isTerminalFn = func(int) bool { return false }
}

func readJSONLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()

	line := strings.TrimSpace(buf.String())
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	if line == "" {
		t.Fatalf("expected log output, got empty string")
	}

	var event map[string]interface{}
	if err := json.Unmarshal([]byte(line), &event); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	return event
}

func TestInitJSONFormatSetsLevelAndComponent(t *testing.T) {
	t.Cleanup(resetLoggingState)

	logger := Init(Config{
		Format:    "json",
		Level:     "debug",
		Component: "entitlementd",
	})

	var buf bytes.Buffer
	out := logger.Output(&buf)
	out.Debug().Msg("hello")
	if got := readJSONLine(t, &buf)["component"]; got != "entitlementd" {
		t.Fatalf("expected component entitlementd, got %v", got)
	}

	mu.Lock()
	defer mu.Unlock()

	if baseWriter != os.Stderr {
		t.Fatalf("expected base writer to be os.Stderr, got %#v", baseWriter)
	}
	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Fatalf("expected global level debug, got %s", zerolog.GlobalLevel())
	}
}

func TestInitConsoleFormatUsesConsoleWriter(t *testing.T) {
	t.Cleanup(resetLoggingState)

	Init(Config{Format: "console", Level: "info"})

	mu.Lock()
	defer mu.Unlock()

	if _, ok := baseWriter.(zerolog.ConsoleWriter); !ok {
		t.Fatalf("expected console writer, got %#v", baseWriter)
	}
}

func TestSelectWriterAuto(t *testing.T) {
	t.Cleanup(resetLoggingState)

	isTerminalFn = func(int) bool { return true }
	if _, ok := selectWriter("auto").(zerolog.ConsoleWriter); !ok {
		t.Fatal("expected console writer on a terminal")
	}

	isTerminalFn = func(int) bool { return false }
	if w := selectWriter(""); w != os.Stderr {
		t.Fatalf("expected stderr off a terminal, got %#v", w)
	}
	if w := selectWriter("xml"); w != os.Stderr {
		t.Fatalf("expected stderr for unknown format, got %#v", w)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"":         zerolog.InfoLevel,
		"DEBUG":    zerolog.DebugLevel,
		" warning": zerolog.WarnLevel,
		"error":    zerolog.ErrorLevel,
		"disabled": zerolog.Disabled,
		"verbose":  zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestWithRequestID(t *testing.T) {
	ctx, id := WithRequestID(context.Background(), "  req-123 ")
	if id != "req-123" {
		t.Fatalf("id = %q, want req-123", id)
	}
	if got := RequestID(ctx); got != "req-123" {
		t.Fatalf("RequestID = %q", got)
	}

	_, generated := WithRequestID(context.Background(), "")
	if len(generated) != 36 {
		t.Fatalf("expected generated uuid, got %q", generated)
	}

	var empty context.Context
	if RequestID(empty) != "" {
		t.Fatal("nil context should have no request id")
	}
}

func TestFromContextAddsRequestID(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	log.Logger = zerolog.New(&buf)

	ctx, _ := WithRequestID(context.Background(), "abc")
	logger := FromContext(ctx)
	logger.Info().Msg("hello")

	event := readJSONLine(t, &buf)
	if event["request_id"] != "abc" || event["message"] != "hello" {
		t.Fatalf("unexpected event %v", event)
	}
	if !IsLevelEnabled(zerolog.InfoLevel) {
		t.Fatal("info should be enabled by default")
	}
}
