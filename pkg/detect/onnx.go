package detect

import (
	"context"
	"fmt"
	"image"
	"os"
	"runtime"
	"sort"
	"sync"

	"github.com/disintegration/imaging"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/ekaraca/defect-analyzer/pkg/types"
)

// ONNXBackend loads YOLO-style detection models through ONNX Runtime.
type ONNXBackend struct {
	inputSize  int
	numClasses int
}

// NewONNXBackend creates a backend for models taking a square
// (1, 3, inputSize, inputSize) input and producing a
// (1, 4+numClasses, anchors) output.
func NewONNXBackend(inputSize, numClasses int) *ONNXBackend {
	return &ONNXBackend{inputSize: inputSize, numClasses: numClasses}
}

// InitRuntime points ONNX Runtime at its shared library and initializes the
// environment. Call once at process start; DestroyRuntime is the inverse.
func InitRuntime(libPath string) error {
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	return ort.InitializeEnvironment()
}

// DestroyRuntime tears down the ONNX Runtime environment.
func DestroyRuntime() error {
	return ort.DestroyEnvironment()
}

// anchorCount is the number of grid predictions for a square input at the
// three YOLO strides.
func anchorCount(inputSize int) int {
	n := 0
	for _, stride := range []int{8, 16, 32} {
		side := inputSize / stride
		n += side * side
	}
	return n
}

type onnxModel struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]

	inputSize  int
	numClasses int
	anchors    int

	// Run on the underlying session is not reentrant; predictions serialize.
	mu sync.Mutex
}

// Load creates a session with preallocated input/output tensors.
func (b *ONNXBackend) Load(modelPath string) (Model, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	defer options.Destroy()

	if err := options.SetIntraOpNumThreads(runtime.NumCPU()); err != nil {
		return nil, fmt.Errorf("set intra-op threads: %w", err)
	}
	if err := options.SetInterOpNumThreads(runtime.NumCPU()); err != nil {
		return nil, fmt.Errorf("set inter-op threads: %w", err)
	}

	anchors := anchorCount(b.inputSize)
	inputShape := ort.NewShape(1, 3, int64(b.inputSize), int64(b.inputSize))
	outputShape := ort.NewShape(1, int64(4+b.numClasses), int64(anchors))

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("input tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{"images"},
		[]string{"output0"},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("create session: %w", err)
	}

	return &onnxModel{
		session:    session,
		input:      inputTensor,
		output:     outputTensor,
		inputSize:  b.inputSize,
		numClasses: b.numClasses,
		anchors:    anchors,
	}, nil
}

func (m *onnxModel) Predict(ctx context.Context, img image.Image, opts Options) ([]types.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	resized := imaging.Resize(img, m.inputSize, m.inputSize, imaging.Linear)
	fillCHW(resized, m.input.GetData(), m.inputSize)

	if err := m.session.Run(); err != nil {
		return nil, fmt.Errorf("model inference: %w", err)
	}

	b := img.Bounds()
	return m.decode(m.output.GetData(), b.Dx(), b.Dy(), opts), nil
}

func (m *onnxModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session.Destroy()
	m.input.Destroy()
	m.output.Destroy()
	return nil
}

// fillCHW writes img into buffer in planar RGB layout, values scaled to
// [0, 1].
func fillCHW(img image.Image, buffer []float32, size int) {
	channel := size * size
	for y := 0; y < size; y++ {
		offset := y * size
		for x := 0; x < size; x++ {
			i := offset + x
			r, g, b, _ := img.At(x, y).RGBA()
			buffer[i] = float32(r>>8) / 255.0
			buffer[channel+i] = float32(g>>8) / 255.0
			buffer[channel*2+i] = float32(b>>8) / 255.0
		}
	}
}

// decode converts the raw (4+nc, anchors) output into detections in the
// coordinates of the original image: candidate filtering by confidence,
// per-class greedy NMS at the IoU threshold, then the max-detections cap.
func (m *onnxModel) decode(raw []float32, origW, origH int, opts Options) []types.Detection {
	scaleX := float32(origW) / float32(m.inputSize)
	scaleY := float32(origH) / float32(m.inputSize)

	var candidates []types.Detection
	for i := 0; i < m.anchors; i++ {
		bestClass, bestScore := 0, float32(0)
		for c := 0; c < m.numClasses; c++ {
			score := raw[(4+c)*m.anchors+i]
			if score > bestScore {
				bestClass, bestScore = c, score
			}
		}
		if float64(bestScore) < opts.Confidence {
			continue
		}

		cx := raw[i]
		cy := raw[m.anchors+i]
		w := raw[2*m.anchors+i]
		h := raw[3*m.anchors+i]

		x1 := clamp32((cx-w/2)*scaleX, 0, float32(origW))
		y1 := clamp32((cy-h/2)*scaleY, 0, float32(origH))
		x2 := clamp32((cx+w/2)*scaleX, 0, float32(origW))
		y2 := clamp32((cy+h/2)*scaleY, 0, float32(origH))
		if x2 <= x1 || y2 <= y1 {
			continue
		}

		candidates = append(candidates, types.Detection{
			ClassID:    bestClass,
			Confidence: float64(bestScore),
			BBox:       [4]int{int(x1), int(y1), int(x2), int(y2)},
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Confidence > candidates[j].Confidence
	})

	kept := nonMaxSuppression(candidates, opts.IoU)
	if opts.MaxDetections > 0 && len(kept) > opts.MaxDetections {
		kept = kept[:opts.MaxDetections]
	}
	return kept
}

// nonMaxSuppression keeps the highest-confidence box of each overlapping
// same-class cluster. Input must be sorted by descending confidence.
func nonMaxSuppression(dets []types.Detection, iouThreshold float64) []types.Detection {
	var kept []types.Detection
	suppressed := make([]bool, len(dets))
	for i := range dets {
		if suppressed[i] {
			continue
		}
		kept = append(kept, dets[i])
		for j := i + 1; j < len(dets); j++ {
			if suppressed[j] || dets[j].ClassID != dets[i].ClassID {
				continue
			}
			if boxIoU(dets[i].BBox, dets[j].BBox) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}

func boxIoU(a, b [4]int) float64 {
	ix1 := maxInt(a[0], b[0])
	iy1 := maxInt(a[1], b[1])
	ix2 := minInt(a[2], b[2])
	iy2 := minInt(a[3], b[3])
	if ix2 <= ix1 || iy2 <= iy1 {
		return 0
	}
	inter := (ix2 - ix1) * (iy2 - iy1)
	areaA := (a[2] - a[0]) * (a[3] - a[1])
	areaB := (b[2] - b[0]) * (b[3] - b[1])
	return float64(inter) / float64(areaA+areaB-inter)
}

func clamp32(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func fileExists(name string) bool {
	info, err := os.Stat(name)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
