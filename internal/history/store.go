// Package history persists and serves the run archive: listing and
// searching groups and runs, run details, rename, delete and download
// packaging. Persisted run directories are treated as read-mostly; only
// rename and delete mutate them.
package history

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ekaraca/defect-analyzer/internal/storage"
	"github.com/ekaraca/defect-analyzer/pkg/analyze"
	"github.com/ekaraca/defect-analyzer/pkg/types"
)

var (
	// ErrNotFound is returned when the referenced group or run is absent.
	ErrNotFound = errors.New("history: not found")
	// ErrExists is returned when a rename or package target already exists.
	// Renaming never merges or overwrites.
	ErrExists = errors.New("history: destination already exists")
)

// RecordSource distinguishes a fully-trusted metadata record from a
// best-effort reconstruction out of directory contents.
type RecordSource string

const (
	SourceMetadata      RecordSource = "metadata"
	SourceReconstructed RecordSource = "reconstructed"
)

// RunRecord is one run in a history listing.
type RunRecord struct {
	GroupSlug       string       `json:"group_slug"`
	GroupName       string       `json:"group_name"`
	RunID           string       `json:"run_id"`
	CreatedAt       time.Time    `json:"created_at"`
	TotalImages     int          `json:"total_images"`
	TotalDetections int          `json:"total_detections"`
	Preview         string       `json:"preview,omitempty"`
	Source          RecordSource `json:"source"`
}

// Group is a named collection of runs in a listing.
type Group struct {
	GroupSlug string      `json:"group_slug"`
	GroupName string      `json:"group_name"`
	Runs      []RunRecord `json:"runs"`
}

// Listing is the result of List: groups in slug order plus a flat item list.
type Listing struct {
	Groups []Group     `json:"groups"`
	Items  []RunRecord `json:"items"`
}

// RunDetails is the full view of one run.
type RunDetails struct {
	GroupSlug string           `json:"group_slug"`
	GroupName string           `json:"group_name"`
	RunID     string           `json:"run_id"`
	CreatedAt time.Time        `json:"created_at"`
	Images    []string         `json:"images"`
	Summary   types.RunSummary `json:"summary"`
	Note      string           `json:"note,omitempty"`
	Source    RecordSource     `json:"source"`
}

// PackageInfo describes a created download package.
type PackageInfo struct {
	DownloadURL string `json:"download_url"`
	Copied      int    `json:"files"`
}

// Store serves history operations over the storage layout.
type Store struct {
	layout *storage.Layout
	logger *log.Logger
}

// NewStore creates a history store.
func NewStore(layout *storage.Layout) *Store {
	return &Store{
		layout: layout,
		logger: log.New(os.Stderr, "history: ", log.LstdFlags),
	}
}

// List enumerates all groups and runs, optionally filtered by a
// case-insensitive substring query matched against group slug, group name
// and run id. Groups left empty by the filter are omitted.
func (s *Store) List(query string) (Listing, error) {
	listing := Listing{Groups: []Group{}, Items: []RunRecord{}}
	q := strings.ToLower(strings.TrimSpace(query))

	groupDirs, err := sortedSubdirs(s.layout.Results)
	if err != nil {
		if os.IsNotExist(err) {
			return listing, nil
		}
		return listing, err
	}

	for _, groupSlug := range groupDirs {
		groupPath := filepath.Join(s.layout.Results, groupSlug)
		runDirs, err := sortedSubdirs(groupPath)
		if err != nil {
			s.logger.Printf("skipping group %s: %v", groupSlug, err)
			continue
		}

		var runs []RunRecord
		for _, runID := range runDirs {
			rec := s.loadRecord(groupSlug, runID)
			hay := strings.ToLower(rec.GroupSlug + " " + rec.GroupName + " " + rec.RunID)
			if q != "" && !strings.Contains(hay, q) {
				continue
			}
			runs = append(runs, rec)
			listing.Items = append(listing.Items, rec)
		}

		if len(runs) > 0 {
			listing.Groups = append(listing.Groups, Group{
				GroupSlug: groupSlug,
				GroupName: runs[0].GroupName,
				Runs:      runs,
			})
		}
	}
	return listing, nil
}

// loadRecord builds a listing record for one run, from run.json when
// readable, else reconstructed from directory contents.
func (s *Store) loadRecord(groupSlug, runID string) RunRecord {
	runDir := filepath.Join(s.layout.Results, groupSlug, runID)
	images := processedImages(runDir)

	rec := RunRecord{
		GroupSlug:   groupSlug,
		GroupName:   groupSlug,
		RunID:       runID,
		TotalImages: len(images),
		Source:      SourceReconstructed,
	}
	if len(images) > 0 {
		rec.Preview = relResultPath(groupSlug, runID, images[0])
	}

	meta, err := analyze.ReadMeta(runDir)
	if err != nil {
		if info, serr := os.Stat(runDir); serr == nil {
			rec.CreatedAt = info.ModTime()
		}
		return rec
	}

	rec.GroupName = meta.GroupName
	rec.CreatedAt = meta.CreatedAt
	rec.TotalImages = meta.Summary.TotalImages
	rec.TotalDetections = meta.Summary.TotalDetections
	rec.Source = SourceMetadata
	return rec
}

// Details returns the full view of one run, or ErrNotFound.
func (s *Store) Details(groupSlug, runID string) (*RunDetails, error) {
	runDir, err := s.layout.GroupRunPath(groupSlug, runID)
	if err != nil {
		return nil, err
	}
	if !storage.DirExists(runDir) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, groupSlug, runID)
	}

	images := processedImages(runDir)
	details := &RunDetails{
		GroupSlug: groupSlug,
		GroupName: groupSlug,
		RunID:     runID,
		Images:    make([]string, 0, len(images)),
		Summary:   types.RunSummary{TotalImages: len(images)},
		Source:    SourceReconstructed,
	}
	for _, name := range images {
		details.Images = append(details.Images, relResultPath(groupSlug, runID, name))
	}

	meta, err := analyze.ReadMeta(runDir)
	if err != nil {
		if info, serr := os.Stat(runDir); serr == nil {
			details.CreatedAt = info.ModTime()
		}
		return details, nil
	}

	details.GroupName = meta.GroupName
	details.CreatedAt = meta.CreatedAt
	details.Summary = meta.Summary
	details.Note = meta.Note
	details.Source = SourceMetadata
	return details, nil
}

// DeleteRun removes a run directory recursively. When that leaves the group
// directory empty, the group directory goes too (best effort). Deleting an
// absent run returns ErrNotFound.
func (s *Store) DeleteRun(groupSlug, runID string) error {
	runDir, err := s.layout.GroupRunPath(groupSlug, runID)
	if err != nil {
		return err
	}
	if !storage.DirExists(runDir) {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, groupSlug, runID)
	}

	if err := os.RemoveAll(runDir); err != nil {
		return fmt.Errorf("delete run: %w", err)
	}

	groupDir := filepath.Dir(runDir)
	entries, err := os.ReadDir(groupDir)
	if err == nil && len(entries) == 0 {
		if rerr := os.RemoveAll(groupDir); rerr != nil {
			s.logger.Printf("group cleanup warning: %v", rerr)
		}
	}
	return nil
}

// RenameGroup moves a group to a new slug and propagates the new slug and
// display name into every child run's metadata. Fails without side effect
// when the source is absent or the destination exists.
func (s *Store) RenameGroup(oldSlug, newSlug, newDisplayName string) error {
	src := filepath.Join(s.layout.Results, oldSlug)
	dst := filepath.Join(s.layout.Results, newSlug)
	if !storage.DirExists(src) {
		return fmt.Errorf("%w: %s", ErrNotFound, oldSlug)
	}
	if storage.DirExists(dst) {
		return fmt.Errorf("%w: %s", ErrExists, newSlug)
	}

	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("rename group: %w", err)
	}

	if newDisplayName == "" {
		newDisplayName = newSlug
	}
	runDirs, err := sortedSubdirs(dst)
	if err != nil {
		return nil
	}
	for _, runID := range runDirs {
		runDir := filepath.Join(dst, runID)
		meta, err := analyze.ReadMeta(runDir)
		if err != nil {
			continue
		}
		meta.GroupSlug = newSlug
		meta.GroupName = newDisplayName
		if err := analyze.WriteMeta(runDir, meta); err != nil {
			s.logger.Printf("metadata rewrite warning for %s/%s: %v", newSlug, runID, err)
		}
	}
	return nil
}

// RenameRun renames a run within its group and rewrites the metadata run id.
// Same collision policy as RenameGroup.
func (s *Store) RenameRun(groupSlug, oldRunID, newRunID string) error {
	src, err := s.layout.GroupRunPath(groupSlug, oldRunID)
	if err != nil {
		return err
	}
	dst, err := s.layout.GroupRunPath(groupSlug, newRunID)
	if err != nil {
		return err
	}
	if !storage.DirExists(src) {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, groupSlug, oldRunID)
	}
	if storage.DirExists(dst) {
		return fmt.Errorf("%w: %s/%s", ErrExists, groupSlug, newRunID)
	}

	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("rename run: %w", err)
	}

	meta, err := analyze.ReadMeta(dst)
	if err == nil {
		meta.RunID = newRunID
		if werr := analyze.WriteMeta(dst, meta); werr != nil {
			s.logger.Printf("metadata rewrite warning for %s/%s: %v", groupSlug, newRunID, werr)
		}
	}
	return nil
}

// ZipRun copies a run's processed images into a fresh package directory and
// compresses it under the downloads root. A run with zero processed images
// still packages successfully with zero copied files.
func (s *Store) ZipRun(groupSlug, runID string) (PackageInfo, error) {
	runDir, err := s.layout.GroupRunPath(groupSlug, runID)
	if err != nil {
		return PackageInfo{}, err
	}
	if !storage.DirExists(runDir) {
		return PackageInfo{}, fmt.Errorf("%w: %s/%s", ErrNotFound, groupSlug, runID)
	}

	packageName := groupSlug + "__" + runID
	pkgDir, err := s.layout.DownloadPath(packageName)
	if err != nil {
		return PackageInfo{}, err
	}
	if err := os.RemoveAll(pkgDir); err != nil {
		return PackageInfo{}, fmt.Errorf("clear stale package: %w", err)
	}
	imagesDir := filepath.Join(pkgDir, "processed_images")
	if err := os.MkdirAll(imagesDir, 0o755); err != nil {
		return PackageInfo{}, fmt.Errorf("create package dir: %w", err)
	}

	copied := 0
	for _, name := range processedImages(runDir) {
		if err := copyFile(filepath.Join(runDir, name), filepath.Join(imagesDir, name)); err != nil {
			return PackageInfo{}, fmt.Errorf("copy %s: %w", name, err)
		}
		copied++
	}

	zipPath := filepath.Join(s.layout.Downloads, packageName+".zip")
	if err := zipDir(pkgDir, zipPath); err != nil {
		return PackageInfo{}, err
	}
	return PackageInfo{DownloadURL: "/download/" + packageName + ".zip", Copied: copied}, nil
}

// CreatePackage builds an export bundle from processed-image references
// (relative to the results root, "results/..." prefix accepted) plus
// optional report files, and compresses it. Missing sources are silently
// skipped.
func (s *Store) CreatePackage(name string, processedPaths, reportFiles []string) (PackageInfo, error) {
	pkgDir, err := s.layout.DownloadPath(name)
	if err != nil {
		return PackageInfo{}, err
	}
	if err := os.RemoveAll(pkgDir); err != nil {
		return PackageInfo{}, fmt.Errorf("clear stale package: %w", err)
	}
	imagesDir := filepath.Join(pkgDir, "processed_images")
	reportsDir := filepath.Join(pkgDir, "reports")
	for _, dir := range []string{imagesDir, reportsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return PackageInfo{}, fmt.Errorf("create package dir: %w", err)
		}
	}

	copied := 0
	for _, rel := range processedPaths {
		src, err := s.layout.ResultsPath(rel)
		if err != nil {
			s.logger.Printf("package source rejected: %v", err)
			continue
		}
		if !storage.FileExists(src) {
			continue
		}
		if err := copyFile(src, filepath.Join(imagesDir, filepath.Base(src))); err != nil {
			return PackageInfo{}, fmt.Errorf("copy %s: %w", rel, err)
		}
		copied++
	}

	for _, rf := range reportFiles {
		if !storage.FileExists(rf) {
			continue
		}
		if err := copyFile(rf, filepath.Join(reportsDir, filepath.Base(rf))); err != nil {
			return PackageInfo{}, fmt.Errorf("copy report %s: %w", rf, err)
		}
	}

	zipPath := filepath.Join(s.layout.Downloads, name+".zip")
	if err := zipDir(pkgDir, zipPath); err != nil {
		return PackageInfo{}, err
	}
	return PackageInfo{DownloadURL: "/download/" + name + ".zip", Copied: copied}, nil
}

// ZipUploads compresses a selection of files from the uploads root into a
// timestamped archive under the downloads root. Missing uploads are skipped.
func (s *Store) ZipUploads(filenames []string) (PackageInfo, error) {
	archiveName := "uploads_" + time.Now().Format("20060102_150405") + ".zip"
	zipPath := filepath.Join(s.layout.Downloads, archiveName)

	sources := make(map[string]string, len(filenames))
	for _, fn := range filenames {
		src, err := s.layout.UploadPath(fn)
		if err != nil {
			s.logger.Printf("upload zip source rejected: %v", err)
			continue
		}
		if !storage.FileExists(src) {
			continue
		}
		sources[filepath.Base(src)] = src
	}

	if err := zipFlat(sources, zipPath); err != nil {
		return PackageInfo{}, err
	}
	return PackageInfo{DownloadURL: "/download/" + archiveName, Copied: len(sources)}, nil
}

// processedImages lists a run's processed_*.jpg files, sorted by name.
func processedImages(runDir string) []string {
	matches, err := filepath.Glob(filepath.Join(runDir, "processed_*.jpg"))
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, filepath.Base(m))
	}
	sort.Strings(names)
	return names
}

func relResultPath(groupSlug, runID, name string) string {
	return path.Join("results", groupSlug, runID, name)
}

func sortedSubdirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
