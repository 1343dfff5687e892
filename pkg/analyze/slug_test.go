package analyze

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSlugify(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"simple", "Door Panel", "door-panel"},
		{"turkish letters survive", "Kapı Paneli", "kapı-paneli"},
		{"punctuation stripped", "Hood (left side)!", "hood-left-side"},
		{"separators collapse", "a  _ b--c", "a-b-c"},
		{"leading trailing trimmed", "  -front-  ", "front"},
		{"empty falls back", "###", "run"},
		{"blank falls back", "   ", "run"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Slugify(tt.in)
			if got != tt.want {
				t.Errorf("Slugify(%q) = %q, want %q", tt.in, got, tt.want)
			}
			if again := Slugify(got); again != got {
				t.Errorf("Slugify not idempotent: %q -> %q", got, again)
			}
		})
	}
}

func TestSanitizeRunID(t *testing.T) {
	if got := SanitizeRunID("run/01"); got != "run_01" {
		t.Errorf("SanitizeRunID(%q) = %q, want run_01", "run/01", got)
	}
	if got := SanitizeRunID("20240101_120000"); got != "20240101_120000" {
		t.Errorf("safe id changed: %q", got)
	}

	// Nothing safe left: falls back to a fresh timestamp id.
	got := SanitizeRunID("///")
	if len(got) != len("20060102_150405") || !strings.Contains(got, "_") {
		t.Errorf("fallback id %q is not timestamp shaped", got)
	}
}

func TestNewRunID(t *testing.T) {
	ts := time.Date(2024, 3, 15, 9, 30, 45, 0, time.UTC)
	if got := NewRunID(ts); got != "20240315_093045" {
		t.Errorf("NewRunID = %q, want 20240315_093045", got)
	}
}

func TestUniqueRunID(t *testing.T) {
	groupDir := t.TempDir()
	ts := time.Date(2024, 3, 15, 9, 30, 45, 0, time.UTC)

	first := UniqueRunID(groupDir, ts)
	if first != "20240315_093045" {
		t.Fatalf("first id = %q, want plain timestamp", first)
	}

	if err := os.MkdirAll(filepath.Join(groupDir, first), 0o755); err != nil {
		t.Fatal(err)
	}
	second := UniqueRunID(groupDir, ts)
	if second == first {
		t.Fatal("second id collided with existing run directory")
	}
	if !strings.HasPrefix(second, first+"-") {
		t.Errorf("second id %q does not keep the timestamp prefix", second)
	}
}
