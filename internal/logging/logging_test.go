package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
)

func withCapturedOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel("info")
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		SetLevel("info")
	})
	return &buf
}

func TestInfoEmitsStructuredLine(t *testing.T) {
	buf := withCapturedOutput(t)

	Info("sync pass finished", "user", "u_1", "pages", 2)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	if entry["level"] != "info" || entry["message"] != "sync pass finished" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["user"] != "u_1" || entry["pages"] != float64(2) {
		t.Fatalf("key/value pairs missing: %v", entry)
	}
	if _, ok := entry["time"]; !ok {
		t.Fatalf("expected a timestamp field: %v", entry)
	}
}

func TestErrorAttachesErrorField(t *testing.T) {
	buf := withCapturedOutput(t)

	Error("feed fetch failed", errors.New("connection refused"), "url", "https://example.com/cal.ics")

	line := buf.String()
	if !strings.Contains(line, `"error":"connection refused"`) {
		t.Fatalf("expected error field, got %q", line)
	}
	if !strings.Contains(line, `"url":"https://example.com/cal.ics"`) {
		t.Fatalf("expected url field, got %q", line)
	}

	buf.Reset()
	Error("token mismatch", nil, "channel_id", "chan_1")
	if strings.Contains(buf.String(), `"error"`) {
		t.Fatalf("nil error must not produce an error field, got %q", buf.String())
	}
}

func TestLevelFiltering(t *testing.T) {
	buf := withCapturedOutput(t)

	Debug("hidden at info")
	if buf.Len() != 0 {
		t.Fatalf("debug must be filtered at info level, got %q", buf.String())
	}

	SetLevel("debug")
	Debug("visible at debug")
	if !strings.Contains(buf.String(), "visible at debug") {
		t.Fatalf("expected debug entry, got %q", buf.String())
	}

	buf.Reset()
	SetLevel("error")
	Info("hidden at error")
	if buf.Len() != 0 {
		t.Fatalf("info must be filtered at error level, got %q", buf.String())
	}
	Error("still visible", nil)
	if !strings.Contains(buf.String(), "still visible") {
		t.Fatalf("expected error entry, got %q", buf.String())
	}
}

func TestOddTrailingArgumentIsDropped(t *testing.T) {
	buf := withCapturedOutput(t)

	Info("lonely key", "user", "u_1", "dangling")
	if strings.Contains(buf.String(), "dangling") {
		t.Fatalf("trailing odd argument must be dropped, got %q", buf.String())
	}
}
