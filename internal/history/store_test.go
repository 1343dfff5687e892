package history

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaraca/defect-analyzer/internal/storage"
	"github.com/ekaraca/defect-analyzer/pkg/analyze"
	"github.com/ekaraca/defect-analyzer/pkg/types"
)

func newTestStore(t *testing.T) (*Store, *storage.Layout) {
	t.Helper()
	layout, err := storage.NewLayout(t.TempDir())
	require.NoError(t, err)
	return NewStore(layout), layout
}

// seedRun creates a run directory with the given number of processed images
// and, unless withMeta is false, a metadata record.
func seedRun(t *testing.T, layout *storage.Layout, groupName, groupSlug, runID string, images int, withMeta bool) {
	t.Helper()
	runDir := filepath.Join(layout.Results, groupSlug, runID)
	require.NoError(t, os.MkdirAll(runDir, 0o755))

	var items []types.RunItem
	for i := 0; i < images; i++ {
		name := "processed_" + string(rune('a'+i)) + ".jpg"
		require.NoError(t, os.WriteFile(filepath.Join(runDir, name), []byte("jpegdata"), 0o644))
		items = append(items, types.RunItem{
			ProcessedPath:  "results/" + groupSlug + "/" + runID + "/" + name,
			Filename:       name,
			DetectionCount: 2,
		})
	}

	if withMeta {
		meta := types.RunMeta{
			GroupName: groupName,
			GroupSlug: groupSlug,
			RunID:     runID,
			CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
			Params:    types.DefaultRunParams(),
			Summary: types.RunSummary{
				TotalImages:     images,
				TotalDetections: images * 2,
				ClassCounts:     map[string]int{"Krater": images * 2},
			},
			Items: items,
		}
		require.NoError(t, analyze.WriteMeta(runDir, meta))
	}
}

func TestListGroupsAndQuery(t *testing.T) {
	store, layout := newTestStore(t)
	seedRun(t, layout, "Door Panel", "door-panel", "20240501_120000", 1, true)
	seedRun(t, layout, "Door Panel", "door-panel", "20240501_130000", 2, true)
	seedRun(t, layout, "Hood", "hood", "20240502_090000", 1, true)

	all, err := store.List("")
	require.NoError(t, err)
	require.Len(t, all.Groups, 2)
	assert.Len(t, all.Items, 3)
	assert.Equal(t, "door-panel", all.Groups[0].GroupSlug)
	assert.Equal(t, "Door Panel", all.Groups[0].GroupName)
	assert.Len(t, all.Groups[0].Runs, 2)

	filtered, err := store.List("DOOR")
	require.NoError(t, err)
	require.Len(t, filtered.Groups, 1)
	assert.Equal(t, "door-panel", filtered.Groups[0].GroupSlug)
	assert.Len(t, filtered.Items, 2)

	none, err := store.List("zzz")
	require.NoError(t, err)
	assert.Empty(t, none.Groups)
	assert.Empty(t, none.Items)
}

func TestListEmptyResultsRoot(t *testing.T) {
	store, layout := newTestStore(t)
	require.NoError(t, os.RemoveAll(layout.Results))

	listing, err := store.List("")
	require.NoError(t, err)
	assert.Empty(t, listing.Groups)
	assert.Empty(t, listing.Items)
}

func TestListReconstructsWithoutMetadata(t *testing.T) {
	store, layout := newTestStore(t)
	seedRun(t, layout, "", "legacy", "20240101_080000", 2, false)

	listing, err := store.List("")
	require.NoError(t, err)
	require.Len(t, listing.Items, 1)

	rec := listing.Items[0]
	assert.Equal(t, SourceReconstructed, rec.Source)
	assert.Equal(t, "legacy", rec.GroupName)
	assert.Equal(t, 2, rec.TotalImages)
	assert.Equal(t, "results/legacy/20240101_080000/processed_a.jpg", rec.Preview)
	assert.False(t, rec.CreatedAt.IsZero())
}

func TestDetails(t *testing.T) {
	store, layout := newTestStore(t)
	seedRun(t, layout, "Hood", "hood", "20240502_090000", 2, true)

	details, err := store.Details("hood", "20240502_090000")
	require.NoError(t, err)
	assert.Equal(t, SourceMetadata, details.Source)
	assert.Equal(t, "Hood", details.GroupName)
	assert.Equal(t, 2, details.Summary.TotalImages)
	assert.Equal(t, 4, details.Summary.TotalDetections)
	require.Len(t, details.Images, 2)
	assert.Equal(t, "results/hood/20240502_090000/processed_a.jpg", details.Images[0])
}

func TestDetailsNotFound(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Details("hood", "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDetailsRejectsTraversal(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Details("..", "..")
	assert.ErrorIs(t, err, storage.ErrInvalidPath)
}

func TestDeleteRun(t *testing.T) {
	store, layout := newTestStore(t)
	seedRun(t, layout, "Hood", "hood", "run1", 1, true)
	seedRun(t, layout, "Hood", "hood", "run2", 1, true)

	require.NoError(t, store.DeleteRun("hood", "run1"))
	assert.NoDirExists(t, filepath.Join(layout.Results, "hood", "run1"))
	assert.DirExists(t, filepath.Join(layout.Results, "hood"))

	// Removing the last run removes the group directory too.
	require.NoError(t, store.DeleteRun("hood", "run2"))
	assert.NoDirExists(t, filepath.Join(layout.Results, "hood"))

	err := store.DeleteRun("hood", "run2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRenameGroup(t *testing.T) {
	store, layout := newTestStore(t)
	seedRun(t, layout, "Hood", "hood", "run1", 1, true)

	require.NoError(t, store.RenameGroup("hood", "front-hood", "Front Hood"))
	assert.NoDirExists(t, filepath.Join(layout.Results, "hood"))

	meta, err := analyze.ReadMeta(filepath.Join(layout.Results, "front-hood", "run1"))
	require.NoError(t, err)
	assert.Equal(t, "front-hood", meta.GroupSlug)
	assert.Equal(t, "Front Hood", meta.GroupName)
}

func TestRenameGroupCollision(t *testing.T) {
	store, layout := newTestStore(t)
	seedRun(t, layout, "Hood", "hood", "run1", 1, true)
	seedRun(t, layout, "Door", "door", "run1", 1, true)

	err := store.RenameGroup("hood", "door", "Door")
	assert.ErrorIs(t, err, ErrExists)
	assert.DirExists(t, filepath.Join(layout.Results, "hood"))

	err = store.RenameGroup("missing", "elsewhere", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRenameRun(t *testing.T) {
	store, layout := newTestStore(t)
	seedRun(t, layout, "Hood", "hood", "run1", 1, true)
	seedRun(t, layout, "Hood", "hood", "run2", 1, true)

	require.NoError(t, store.RenameRun("hood", "run1", "baseline"))
	meta, err := analyze.ReadMeta(filepath.Join(layout.Results, "hood", "baseline"))
	require.NoError(t, err)
	assert.Equal(t, "baseline", meta.RunID)

	err = store.RenameRun("hood", "baseline", "run2")
	assert.ErrorIs(t, err, ErrExists)
	assert.DirExists(t, filepath.Join(layout.Results, "hood", "baseline"))
}

func TestZipRun(t *testing.T) {
	store, layout := newTestStore(t)
	seedRun(t, layout, "Hood", "hood", "run1", 2, true)

	info, err := store.ZipRun("hood", "run1")
	require.NoError(t, err)
	assert.Equal(t, 2, info.Copied)
	assert.Equal(t, "/download/hood__run1.zip", info.DownloadURL)

	zipPath := filepath.Join(layout.Downloads, "hood__run1.zip")
	zr, err := zip.OpenReader(zipPath)
	require.NoError(t, err)
	defer zr.Close()
	assert.Len(t, zr.File, 2)
}

func TestZipRunNoImages(t *testing.T) {
	store, layout := newTestStore(t)
	seedRun(t, layout, "Hood", "hood", "empty", 0, true)

	info, err := store.ZipRun("hood", "empty")
	require.NoError(t, err)
	assert.Equal(t, 0, info.Copied)
	assert.FileExists(t, filepath.Join(layout.Downloads, "hood__empty.zip"))
}

func TestCreatePackage(t *testing.T) {
	store, layout := newTestStore(t)
	seedRun(t, layout, "Hood", "hood", "run1", 1, true)

	reportPath := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, os.WriteFile(reportPath, []byte("{}"), 0o644))

	info, err := store.CreatePackage("export",
		[]string{
			"results/hood/run1/processed_a.jpg",
			"results/hood/run1/processed_gone.jpg", // missing, skipped
		},
		[]string{reportPath})
	require.NoError(t, err)
	assert.Equal(t, 1, info.Copied)
	assert.Equal(t, "/download/export.zip", info.DownloadURL)

	zr, err := zip.OpenReader(filepath.Join(layout.Downloads, "export.zip"))
	require.NoError(t, err)
	defer zr.Close()

	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.Contains(t, names, "processed_images/processed_a.jpg")
	assert.Contains(t, names, "reports/report.json")
}

func TestZipUploads(t *testing.T) {
	store, layout := newTestStore(t)
	_, err := layout.SaveUpload([]byte("one"), "a.jpg")
	require.NoError(t, err)
	_, err = layout.SaveUpload([]byte("two"), "b.jpg")
	require.NoError(t, err)

	info, err := store.ZipUploads([]string{"a.jpg", "b.jpg", "missing.jpg"})
	require.NoError(t, err)
	assert.Equal(t, 2, info.Copied)

	zipPath := filepath.Join(layout.Downloads, filepath.Base(info.DownloadURL))
	zr, err := zip.OpenReader(zipPath)
	require.NoError(t, err)
	defer zr.Close()
	assert.Len(t, zr.File, 2)
}
