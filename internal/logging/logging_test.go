package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestSanitizeToken(t *testing.T) {
	tests := []struct {
		token string
		want  string
	}{
		{"", "****"},
		{"short", "****"},
		{"12345678", "****"},
		{"abcdefghijkl", "abcd...ijkl"},
	}
	for _, tt := range tests {
		if got := SanitizeToken(tt.token); got != tt.want {
			t.Errorf("SanitizeToken(%q) = %q, want %q", tt.token, got, tt.want)
		}
	}
}

func TestNewLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "warn")

	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info message written at warn level: %s", buf.String())
	}

	WithVideoID(logger, "v1").Warn("kept")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["video_id"] != "v1" {
		t.Errorf("video_id = %v, want v1", entry["video_id"])
	}
	if entry["msg"] != "kept" {
		t.Errorf("msg = %v, want kept", entry["msg"])
	}
}
