package logutil

import (
	"strings"
	"testing"
)

func TestSanitizeForLog(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "editor-lab.example.com", "editor-lab.example.com"},
		{"newlines", "a\nb\r\nc", "a b  c"},
		{"tab", "a\tb", "a b"},
		{"control", "a\x00b\x1bc\x7f", "abc"},
		{"unicode", "ターミナル", "ターミナル"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeForLog(tt.in); got != tt.want {
				t.Errorf("SanitizeForLog(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSanitizeForLog_Truncates(t *testing.T) {
	got := SanitizeForLog(strings.Repeat("x", 1000))
	if want := strings.Repeat("x", maxLogValue) + "..."; got != want {
		t.Errorf("len = %d, want %d", len(got), len(want))
	}
}

func TestSanitizeForLog_ExactLimitNotTruncated(t *testing.T) {
	in := strings.Repeat("y", maxLogValue)
	if got := SanitizeForLog(in); got != in {
		t.Errorf("value at limit was modified: len %d", len(got))
	}
}
