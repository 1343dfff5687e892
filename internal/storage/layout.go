// Package storage owns the on-disk layout of the analyzer: the uploads,
// results, downloads and scratch roots, and every path that is derived from
// them. Callers never compose result paths themselves; they go through
// Layout so traversal attempts are rejected in one place.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrInvalidPath is returned when a derived path would escape its root.
var ErrInvalidPath = errors.New("storage: path escapes root")

// Layout holds the four durable roots. All of them are created on first use;
// construction is idempotent and safe to repeat across process lifecycles.
type Layout struct {
	Base      string
	Uploads   string
	Results   string
	Downloads string
	Scratch   string
}

// UploadedFile describes a stored upload.
type UploadedFile struct {
	Filename string `json:"filename"`
	Path     string `json:"path"`
}

// UploadInfo is a listing entry for the uploads root.
type UploadInfo struct {
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	ModTime int64  `json:"mtime"`
}

// NewLayout creates the root directories under base and returns the layout.
func NewLayout(base string) (*Layout, error) {
	l := &Layout{
		Base:      base,
		Uploads:   filepath.Join(base, "uploads"),
		Results:   filepath.Join(base, "results"),
		Downloads: filepath.Join(base, "downloads"),
		Scratch:   filepath.Join(base, "temp"),
	}
	for _, dir := range []string{l.Uploads, l.Results, l.Downloads, l.Scratch} {
		if err := EnsureDir(dir); err != nil {
			return nil, fmt.Errorf("create root %s: %w", dir, err)
		}
	}
	return l, nil
}

// EnsureDir creates a directory if it doesn't exist.
func EnsureDir(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0o755)
	}
	return nil
}

// SanitizeFilename reduces a client-supplied filename to a safe base name.
// Path separators and traversal segments are stripped; only the final
// component survives.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	for _, ch := range []string{":", "*", "?", "\"", "<", ">", "|"} {
		name = strings.ReplaceAll(name, ch, "_")
	}
	name = strings.Trim(name, " .")
	if name == "" || name == "/" {
		name = "upload"
	}
	return name
}

// SaveUpload writes content into the uploads root under a sanitized name and
// returns the stored file description.
func (l *Layout) SaveUpload(content []byte, filename string) (UploadedFile, error) {
	safe := SanitizeFilename(filename)
	p := filepath.Join(l.Uploads, safe)
	if err := os.WriteFile(p, content, 0o644); err != nil {
		return UploadedFile{}, fmt.Errorf("save upload %s: %w", safe, err)
	}
	return UploadedFile{Filename: safe, Path: p}, nil
}

// UploadPath resolves a stored upload by name, rejecting traversal.
func (l *Layout) UploadPath(filename string) (string, error) {
	return l.resolveUnder(l.Uploads, filename)
}

// ListUploads enumerates files in the uploads root, sorted by name.
func (l *Layout) ListUploads() ([]UploadInfo, error) {
	entries, err := os.ReadDir(l.Uploads)
	if err != nil {
		return nil, err
	}
	var files []UploadInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, UploadInfo{
			Name:    e.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime().Unix(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// DeleteUpload removes a single upload by name. Returns os.ErrNotExist when
// the file is absent.
func (l *Layout) DeleteUpload(filename string) error {
	p, err := l.UploadPath(filename)
	if err != nil {
		return err
	}
	return os.Remove(p)
}

// GroupRunPath composes the run directory for a group slug and run id. The
// result is guaranteed to sit inside the results root; anything else is
// rejected as ErrInvalidPath.
func (l *Layout) GroupRunPath(groupSlug, runID string) (string, error) {
	return l.resolveUnder(l.Results, filepath.Join(groupSlug, runID))
}

// ResultsPath resolves a reference relative to the results root. References
// of the form "results/<group>/<run>/file" (as stored in run metadata) are
// accepted as well.
func (l *Layout) ResultsPath(rel string) (string, error) {
	rel = filepath.ToSlash(rel)
	rel = strings.TrimPrefix(rel, "results/")
	return l.resolveUnder(l.Results, filepath.FromSlash(rel))
}

// DownloadPath resolves a package or archive name under the downloads root.
func (l *Layout) DownloadPath(name string) (string, error) {
	return l.resolveUnder(l.Downloads, name)
}

// resolveUnder joins rel onto root and verifies the result stays inside it.
// Caller-supplied absolute paths are never trusted.
func (l *Layout) resolveUnder(root, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %s", ErrInvalidPath, rel)
	}
	p := filepath.Join(root, rel)
	r, err := filepath.Rel(root, p)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrInvalidPath, rel)
	}
	return p, nil
}

// FileExists reports whether a path exists and is a regular file.
func FileExists(name string) bool {
	info, err := os.Stat(name)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// DirExists reports whether a path exists and is a directory.
func DirExists(name string) bool {
	info, err := os.Stat(name)
	if err != nil {
		return false
	}
	return info.IsDir()
}
