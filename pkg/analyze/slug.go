package analyze

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ekaraca/defect-analyzer/internal/storage"
)

var (
	slugStrip    = regexp.MustCompile(`[^\p{L}\p{N}\s_-]+`)
	slugCollapse = regexp.MustCompile(`[\s_-]+`)
	runIDUnsafe  = regexp.MustCompile(`[^\p{L}\p{N}_-]+`)
)

// Slugify derives a filesystem- and URL-safe slug from a display name:
// lowercase, punctuation stripped, whitespace and separators collapsed to
// single hyphens, leading/trailing hyphens trimmed. An empty result falls
// back to "run". Slugify is idempotent.
func Slugify(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = slugStrip.ReplaceAllString(s, "")
	s = slugCollapse.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return "run"
	}
	return s
}

// SanitizeRunID reduces a user-supplied run id to safe characters, replacing
// everything else with underscores. An empty result falls back to a fresh
// timestamp id.
func SanitizeRunID(id string) string {
	s := runIDUnsafe.ReplaceAllString(id, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return NewRunID(time.Now())
	}
	return s
}

// NewRunID formats a run id from a timestamp at second resolution.
func NewRunID(t time.Time) string {
	return t.Format("20060102_150405")
}

var runSeq atomic.Uint64

// UniqueRunID returns a run id that does not collide with an existing run
// directory under groupDir. Two batches in the same second keep the same
// second-resolution prefix; the later one gains a short base36 suffix.
func UniqueRunID(groupDir string, t time.Time) string {
	id := NewRunID(t)
	candidate := id
	for storage.DirExists(filepath.Join(groupDir, candidate)) {
		candidate = fmt.Sprintf("%s-%s", id, strconv.FormatUint(runSeq.Add(1), 36))
	}
	return candidate
}
