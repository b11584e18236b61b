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

	stderr = os.Stderr
	isTerminalFn = func(int) bool { return false }
	baseWriter = os.Stderr
	baseComponent = ""
	baseLogger = zerolog.New(baseWriter).With().Timestamp().Logger()
	log.Logger = baseLogger
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
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

	var buf bytes.Buffer
	stderr = &buf

	Init(Config{
		Format:    "json",
		Level:     "debug",
		Component: "hostdeck",
	})

	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Fatalf("expected global level debug, got %s", zerolog.GlobalLevel())
	}

	log.Info().Str("activity_id", "a1").Msg("hello")

	event := readJSONLine(t, &buf)
	if event["component"] != "hostdeck" {
		t.Fatalf("component = %v, want hostdeck", event["component"])
	}
	if event["activity_id"] != "a1" {
		t.Fatalf("activity_id = %v, want a1", event["activity_id"])
	}
	if event["message"] != "hello" {
		t.Fatalf("message = %v, want hello", event["message"])
	}
}

func TestInitConsoleFormatUsesConsoleWriter(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	stderr = &buf

	Init(Config{Format: "console", Level: "info"})

	mu.RLock()
	_, ok := baseWriter.(zerolog.ConsoleWriter)
	mu.RUnlock()
	if !ok {
		t.Fatalf("expected console writer, got %T", baseWriter)
	}
}

func TestParseLevel(t *testing.T) {
	t.Cleanup(resetLoggingState)
	stderr = &bytes.Buffer{}

	tests := []struct {
		input    string
		expected zerolog.Level
	}{
		{"", zerolog.InfoLevel},
		{"INFO", zerolog.InfoLevel},
		{"debug", zerolog.DebugLevel},
		{"warning", zerolog.WarnLevel},
		{" error ", zerolog.ErrorLevel},
		{"disabled", zerolog.Disabled},
		{"bogus", zerolog.InfoLevel},
	}

	for _, tc := range tests {
		if got := parseLevel(tc.input); got != tc.expected {
			t.Errorf("parseLevel(%q) = %s, want %s", tc.input, got, tc.expected)
		}
	}
}

func TestSetGlobalLevel(t *testing.T) {
	t.Cleanup(resetLoggingState)

	SetGlobalLevel("warn")
	if GetGlobalLevel() != "warn" {
		t.Fatalf("GetGlobalLevel() = %q, want warn", GetGlobalLevel())
	}
}

func TestWithRequestID(t *testing.T) {
	ctx, id := WithRequestID(context.Background(), "  abc  ")
	if id != "abc" {
		t.Fatalf("request id = %q, want abc", id)
	}
	if GetRequestID(ctx) != "abc" {
		t.Fatalf("GetRequestID = %q, want abc", GetRequestID(ctx))
	}

	_, generated := WithRequestID(nil, "")
	if generated == "" {
		t.Fatal("expected generated request id")
	}
	if GetRequestID(context.Background()) != "" {
		t.Fatal("expected empty request id on bare context")
	}
}
