package types

import "time"

// Detection is one predicted defect instance in processed-image pixel
// coordinates. BBox is [x1, y1, x2, y2] with x1 < x2 and y1 < y2.
type Detection struct {
	ClassID    int     `json:"class_id"`
	ClassName  string  `json:"class_name"`
	Confidence float64 `json:"confidence"`
	BBox       [4]int  `json:"bbox"`
}

// Area returns the bounding-box area in pixels.
func (d Detection) Area() int {
	return (d.BBox[2] - d.BBox[0]) * (d.BBox[3] - d.BBox[1])
}

// RunParams are the inference parameters recorded with a run.
type RunParams struct {
	ModelName      string  `json:"model_name"`
	Confidence     float64 `json:"confidence"`
	IoU            float64 `json:"iou"`
	MaxDetections  int     `json:"max_det"`
	MinBoxArea     int     `json:"min_box_area"`
	ResizeLongSide int     `json:"resize_long_side"`
	JPEGQuality    int     `json:"jpg_quality"`
}

// DefaultRunParams returns the parameter set used when a request leaves a
// field unset.
func DefaultRunParams() RunParams {
	return RunParams{
		ModelName:      "best.onnx",
		Confidence:     0.25,
		IoU:            0.5,
		MaxDetections:  300,
		MinBoxArea:     50,
		ResizeLongSide: 640,
		JPEGQuality:    95,
	}
}

// RunSummary aggregates a whole batch.
type RunSummary struct {
	TotalImages     int            `json:"total_images"`
	TotalDetections int            `json:"total_detections"`
	ClassCounts     map[string]int `json:"class_counts"`
}

// RunItem is the per-image slice of a run's metadata record.
type RunItem struct {
	ProcessedPath  string `json:"processed_path"`
	Filename       string `json:"filename"`
	DetectionCount int    `json:"detection_count"`
}

// RunMeta is the durable run record persisted as run.json. Once written it is
// the single source of truth for listing and detail views.
type RunMeta struct {
	GroupName string     `json:"group_name"`
	GroupSlug string     `json:"group_slug"`
	RunID     string     `json:"run_id"`
	CreatedAt time.Time  `json:"created_at"`
	Params    RunParams  `json:"params"`
	Summary   RunSummary `json:"summary"`
	Items     []RunItem  `json:"items"`
	Note      string     `json:"note,omitempty"`
}

// ImageResult is the per-image outcome returned to the caller of a batch.
type ImageResult struct {
	ID             string      `json:"id"`
	Filename       string      `json:"filename"`
	ProcessedPath  string      `json:"processed_path"`
	Detections     []Detection `json:"detections"`
	DetectionCount int         `json:"detection_count"`
}

// SkipReason states why an input was dropped from a batch.
type SkipReason string

const (
	SkipMissing   SkipReason = "missing"
	SkipConvert   SkipReason = "convert_failed"
	SkipInference SkipReason = "inference_failed"
	SkipAnnotate  SkipReason = "annotate_failed"
)

// SkippedInput records a per-image failure that did not abort the batch.
type SkippedInput struct {
	Filename string     `json:"filename"`
	Reason   SkipReason `json:"reason"`
	Detail   string     `json:"detail,omitempty"`
}

// RunResult is the full outcome of one orchestrated batch. A batch with zero
// successful images is still a valid result with zero summary totals.
type RunResult struct {
	GroupName string         `json:"group_name"`
	GroupSlug string         `json:"group_slug"`
	RunID     string         `json:"run_id"`
	Results   []ImageResult  `json:"results"`
	Skipped   []SkippedInput `json:"skipped,omitempty"`
	Summary   RunSummary     `json:"summary"`
}
