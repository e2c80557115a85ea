package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestStructuredTextOutput(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "text", false)

	Info("upload complete", "path", "a/b.txt", "size", 42)

	out := buf.String()
	if !strings.Contains(out, "[INFO]") {
		t.Errorf("expected level marker in output, got: %s", out)
	}
	if !strings.Contains(out, "upload complete") {
		t.Errorf("expected message in output, got: %s", out)
	}
	if !strings.Contains(out, "path=a/b.txt") {
		t.Errorf("expected path attr in output, got: %s", out)
	}
	if !strings.Contains(out, "size=42") {
		t.Errorf("expected size attr in output, got: %s", out)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "WARN", "text", false)

	Debug("should be dropped")
	Info("should be dropped too")
	Warn("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Errorf("expected debug/info to be filtered, got: %s", out)
	}
	if !strings.Contains(out, "kept") {
		t.Errorf("expected warn to pass, got: %s", out)
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "json", false)

	Info("download", "path", "x/y", "size", 7)

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("expected valid JSON output, got %q: %v", buf.String(), err)
	}
	if record["msg"] != "download" {
		t.Errorf("msg = %v, want download", record["msg"])
	}
	if record["path"] != "x/y" {
		t.Errorf("path = %v, want x/y", record["path"])
	}
}

func TestSetLevelIgnoresInvalid(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "text", false)

	SetLevel("NOISY") // invalid, should keep INFO
	Info("still here")

	if !strings.Contains(buf.String(), "still here") {
		t.Errorf("expected info logging to survive invalid level, got: %s", buf.String())
	}
}

func TestColorOutput(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "text", true)

	Info("colored")

	if !strings.Contains(buf.String(), "\033[32m") {
		t.Errorf("expected ANSI color codes when color enabled, got: %q", buf.String())
	}
}

func TestWithPreBoundFields(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "text", false)

	logger := With("component", "server")
	logger.Info("tagged")

	if !strings.Contains(buf.String(), "component=server") {
		t.Errorf("expected pre-bound attr, got: %s", buf.String())
	}
}

func TestLevelString(t *testing.T) {
	cases := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}
	for _, tc := range cases {
		if got := tc.level.String(); got != tc.want {
			t.Errorf("Level(%d).String() = %s, want %s", tc.level, got, tc.want)
		}
	}
}
