// Package analyze drives one batch end-to-end: for each uploaded image,
// Convert -> Infer -> Annotate -> scratch cleanup, then a run summary and a
// durable metadata record. Per-image failures never abort the batch; a batch
// always completes, possibly with zero successful images.
package analyze

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/ekaraca/defect-analyzer/internal/storage"
	"github.com/ekaraca/defect-analyzer/pkg/annotate"
	"github.com/ekaraca/defect-analyzer/pkg/convert"
	"github.com/ekaraca/defect-analyzer/pkg/detect"
	"github.com/ekaraca/defect-analyzer/pkg/types"
)

// ErrEmptyGroup is returned when a batch request has no group name.
var ErrEmptyGroup = errors.New("analyze: group name is required")

// MetaFilename is the per-run metadata file name.
const MetaFilename = "run.json"

// Describer produces an optional natural-language note for a finished run.
// A nil describer, or a describer error, never affects the batch outcome.
type Describer interface {
	DescribeRun(ctx context.Context, meta types.RunMeta, previewPath string) (string, error)
}

// Request describes one batch to analyze.
type Request struct {
	GroupName string
	Filenames []string
	Params    types.RunParams
}

// Analyzer orchestrates batches against a shared inference adapter.
type Analyzer struct {
	layout     *storage.Layout
	adapter    *detect.Adapter
	annotator  *annotate.Annotator
	classNames map[int]string
	describer  Describer
	logger     *log.Logger
}

// New creates an orchestrator. The describer may be nil.
func New(layout *storage.Layout, adapter *detect.Adapter, annotator *annotate.Annotator, classNames map[int]string, describer Describer) *Analyzer {
	return &Analyzer{
		layout:     layout,
		adapter:    adapter,
		annotator:  annotator,
		classNames: classNames,
		describer:  describer,
		logger:     log.New(os.Stderr, "analyze: ", log.LstdFlags),
	}
}

// Run executes one batch. Structural failures (model load, run directory
// creation) abort the whole operation; everything per-image is isolated and
// reported through the Skipped list.
func (a *Analyzer) Run(ctx context.Context, req Request) (*types.RunResult, error) {
	if req.GroupName == "" {
		return nil, ErrEmptyGroup
	}

	groupSlug := Slugify(req.GroupName)
	groupDir := filepath.Join(a.layout.Results, groupSlug)
	runID := UniqueRunID(groupDir, time.Now())

	if err := a.adapter.LoadModel(req.Params.ModelName); err != nil {
		return nil, err
	}

	runDir, err := a.layout.GroupRunPath(groupSlug, runID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}

	result := &types.RunResult{
		GroupName: req.GroupName,
		GroupSlug: groupSlug,
		RunID:     runID,
	}

	opts := detect.Options{
		Confidence:    req.Params.Confidence,
		IoU:           req.Params.IoU,
		MaxDetections: req.Params.MaxDetections,
		MinBoxArea:    req.Params.MinBoxArea,
	}

	for _, fn := range req.Filenames {
		a.processImage(ctx, fn, runDir, groupSlug, runID, req.Params, opts, result)
	}

	result.Summary = a.summarize(result.Results)

	meta := types.RunMeta{
		GroupName: req.GroupName,
		GroupSlug: groupSlug,
		RunID:     runID,
		CreatedAt: time.Now(),
		Params:    req.Params,
		Summary:   result.Summary,
		Items:     make([]types.RunItem, 0, len(result.Results)),
	}
	for _, r := range result.Results {
		meta.Items = append(meta.Items, types.RunItem{
			ProcessedPath:  r.ProcessedPath,
			Filename:       r.Filename,
			DetectionCount: r.DetectionCount,
		})
	}

	if a.describer != nil && len(result.Results) > 0 {
		preview := filepath.Join(runDir, filepath.Base(result.Results[0].ProcessedPath))
		if note, derr := a.describer.DescribeRun(ctx, meta, preview); derr != nil {
			a.logger.Printf("run note skipped: %v", derr)
		} else {
			meta.Note = note
		}
	}

	if err := WriteMeta(runDir, meta); err != nil {
		return nil, err
	}
	return result, nil
}

func (a *Analyzer) processImage(ctx context.Context, fn, runDir, groupSlug, runID string, params types.RunParams, opts detect.Options, result *types.RunResult) {
	skip := func(reason types.SkipReason, err error) {
		detail := ""
		if err != nil {
			detail = err.Error()
		}
		a.logger.Printf("skipping %s (%s): %v", fn, reason, err)
		result.Skipped = append(result.Skipped, types.SkippedInput{
			Filename: fn,
			Reason:   reason,
			Detail:   detail,
		})
	}

	srcPath, err := a.layout.UploadPath(fn)
	if err != nil || !storage.FileExists(srcPath) {
		skip(types.SkipMissing, err)
		return
	}

	scratch, err := convert.ToJPEG(srcPath, a.layout.Scratch, params.ResizeLongSide, params.JPEGQuality)
	if err != nil {
		skip(types.SkipConvert, err)
		return
	}
	defer a.cleanupScratch(scratch)

	dets, err := a.adapter.Detect(ctx, scratch, opts)
	if err != nil {
		skip(types.SkipInference, err)
		return
	}

	processedName := "processed_" + filepath.Base(scratch)
	outPath := filepath.Join(runDir, processedName)
	if _, err := a.annotator.Annotate(scratch, dets, outPath); err != nil {
		skip(types.SkipAnnotate, err)
		return
	}

	result.Results = append(result.Results, types.ImageResult{
		ID:             fmt.Sprintf("result_%d", len(result.Results)),
		Filename:       filepath.Base(scratch),
		ProcessedPath:  path.Join("results", groupSlug, runID, processedName),
		Detections:     dets,
		DetectionCount: len(dets),
	})
}

// cleanupScratch is best-effort: failures are logged, never raised.
func (a *Analyzer) cleanupScratch(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		a.logger.Printf("scratch cleanup warning: %v", err)
	}
}

func (a *Analyzer) summarize(results []types.ImageResult) types.RunSummary {
	counts := make(map[string]int, len(a.classNames))
	for _, name := range a.classNames {
		counts[name] = 0
	}
	total := 0
	for _, r := range results {
		total += r.DetectionCount
		for _, d := range r.Detections {
			counts[d.ClassName]++
		}
	}
	return types.RunSummary{
		TotalImages:     len(results),
		TotalDetections: total,
		ClassCounts:     counts,
	}
}

// WriteMeta persists a run's metadata record into its run directory.
func WriteMeta(runDir string, meta types.RunMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(runDir, MetaFilename), data, 0o644); err != nil {
		return fmt.Errorf("write run metadata: %w", err)
	}
	return nil
}

// ReadMeta loads a run's metadata record, if present and well-formed.
func ReadMeta(runDir string) (types.RunMeta, error) {
	var meta types.RunMeta
	data, err := os.ReadFile(filepath.Join(runDir, MetaFilename))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("parse run metadata: %w", err)
	}
	return meta, nil
}
