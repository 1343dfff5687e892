package storage

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"photo.jpg", "photo.jpg"},
		{"../../etc/passwd", "passwd"},
		{"dir/sub/photo.jpg", "photo.jpg"},
		{`windows\style\photo.jpg`, "photo.jpg"},
		{"we?ird:na*me.jpg", "we_ird_na_me.jpg"},
		{"  spaced.jpg  ", "spaced.jpg"},
		{"...", "upload"},
		{"", "upload"},
	}
	for _, tt := range tests {
		if got := SanitizeFilename(tt.in); got != tt.want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewLayoutCreatesRoots(t *testing.T) {
	base := t.TempDir()
	l, err := NewLayout(base)
	if err != nil {
		t.Fatal(err)
	}
	for _, dir := range []string{l.Uploads, l.Results, l.Downloads, l.Scratch} {
		if !DirExists(dir) {
			t.Errorf("root %s was not created", dir)
		}
	}

	// Construction is idempotent.
	if _, err := NewLayout(base); err != nil {
		t.Errorf("second NewLayout failed: %v", err)
	}
}

func TestSaveUpload(t *testing.T) {
	l, err := NewLayout(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	stored, err := l.SaveUpload([]byte("data"), "../sneaky.jpg")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Filename != "sneaky.jpg" {
		t.Errorf("stored name = %q, want sneaky.jpg", stored.Filename)
	}
	if !strings.HasPrefix(stored.Path, l.Uploads) {
		t.Errorf("stored path %q escaped the uploads root", stored.Path)
	}
	if !FileExists(stored.Path) {
		t.Error("upload content was not written")
	}
}

func TestUploadPathRejectsTraversal(t *testing.T) {
	l, err := NewLayout(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	for _, bad := range []string{"../outside.jpg", "../../x", "/etc/passwd"} {
		if _, err := l.UploadPath(bad); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("UploadPath(%q) err = %v, want ErrInvalidPath", bad, err)
		}
	}

	if _, err := l.UploadPath("fine.jpg"); err != nil {
		t.Errorf("plain name rejected: %v", err)
	}
}

func TestResultsPath(t *testing.T) {
	l, err := NewLayout(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	// Metadata-style references with the "results/" prefix resolve the same
	// as bare relative ones.
	p1, err := l.ResultsPath("results/hood/run1/processed_a.jpg")
	if err != nil {
		t.Fatal(err)
	}
	p2, err := l.ResultsPath("hood/run1/processed_a.jpg")
	if err != nil {
		t.Fatal(err)
	}
	if p1 != p2 {
		t.Errorf("prefixed and bare references diverge: %q vs %q", p1, p2)
	}
	want := filepath.Join(l.Results, "hood", "run1", "processed_a.jpg")
	if p1 != want {
		t.Errorf("resolved %q, want %q", p1, want)
	}

	if _, err := l.ResultsPath("results/../../escape"); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("traversal not rejected: %v", err)
	}
}

func TestDeleteUpload(t *testing.T) {
	l, err := NewLayout(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.SaveUpload([]byte("x"), "a.jpg"); err != nil {
		t.Fatal(err)
	}

	if err := l.DeleteUpload("a.jpg"); err != nil {
		t.Fatal(err)
	}
	if err := l.DeleteUpload("a.jpg"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("second delete err = %v, want os.ErrNotExist", err)
	}
}

func TestListUploadsSorted(t *testing.T) {
	l, err := NewLayout(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"c.jpg", "a.jpg", "b.jpg"} {
		if _, err := l.SaveUpload([]byte("x"), name); err != nil {
			t.Fatal(err)
		}
	}

	files, err := l.ListUploads()
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 3 {
		t.Fatalf("got %d files, want 3", len(files))
	}
	for i, want := range []string{"a.jpg", "b.jpg", "c.jpg"} {
		if files[i].Name != want {
			t.Errorf("files[%d] = %q, want %q", i, files[i].Name, want)
		}
	}
}
