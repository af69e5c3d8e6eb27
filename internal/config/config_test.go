package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("GATEWAY_HEADER_TOKEN_FILE", filepath.Join(t.TempDir(), "missing"))

	s, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.ListenAddr != ":10080" {
		t.Errorf("ListenAddr = %q, want %q", s.ListenAddr, ":10080")
	}
	if diff := cmp.Diff([]string{"-il"}, s.TerminalArgs); diff != "" {
		t.Errorf("TerminalArgs mismatch (-want +got):\n%s", diff)
	}
	if s.TerminalCols != 80 || s.TerminalRows != 25 {
		t.Errorf("geometry = %dx%d, want 80x25", s.TerminalCols, s.TerminalRows)
	}
	if s.ShutdownTimeout != 10*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 10s", s.ShutdownTimeout)
	}
	if s.IdentityToken == "" || !s.IdentityTokenGenerated {
		t.Error("IdentityToken should be generated when unset")
	}
	if s.HeaderToken != "" {
		t.Errorf("HeaderToken = %q, want empty", s.HeaderToken)
	}
}

func TestLoad_GeneratedTokensDiffer(t *testing.T) {
	t.Setenv("GATEWAY_HEADER_TOKEN_FILE", "")
	a, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	b, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if a.IdentityToken == b.IdentityToken {
		t.Error("each load should generate a fresh identity token")
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("GATEWAY_LISTEN_ADDR", ":9000")
	t.Setenv("GATEWAY_IDENTITY_TOKEN", "fixed")
	t.Setenv("GATEWAY_TERMINAL_ARGS", "-l,-c,exec zsh")
	t.Setenv("GATEWAY_HEADER_TOKEN", "secret")

	s, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.ListenAddr != ":9000" {
		t.Errorf("ListenAddr = %q", s.ListenAddr)
	}
	if s.IdentityToken != "fixed" || s.IdentityTokenGenerated {
		t.Errorf("IdentityToken = %q (generated %v), want fixed", s.IdentityToken, s.IdentityTokenGenerated)
	}
	if s.HeaderToken != "secret" {
		t.Errorf("HeaderToken = %q, want secret", s.HeaderToken)
	}
	if diff := cmp.Diff([]string{"-l", "-c", "exec zsh"}, s.TerminalArgs); diff != "" {
		t.Errorf("TerminalArgs mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_HeaderTokenFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("file-token\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GATEWAY_HEADER_TOKEN_FILE", path)

	s, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.HeaderToken != "file-token" {
		t.Errorf("HeaderToken = %q, want %q", s.HeaderToken, "file-token")
	}
}

func TestLoad_InvalidValue(t *testing.T) {
	t.Setenv("GATEWAY_TERMINAL_COLS", "wide")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-numeric TERMINAL_COLS")
	}
}
