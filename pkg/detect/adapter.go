// Package detect wraps the object-detection model behind a stable
// request/response contract. The adapter owns a single mutex-guarded model
// slot keyed by model name; batches share one adapter instance and loading
// is idempotent for an already-active model.
package detect

import (
	"context"
	"errors"
	"fmt"
	"image"
	"path/filepath"
	"sync"

	"github.com/ekaraca/defect-analyzer/pkg/convert"
	"github.com/ekaraca/defect-analyzer/pkg/types"
)

var (
	// ErrModelNotLoaded is returned by Detect before any successful LoadModel.
	ErrModelNotLoaded = errors.New("detect: no model loaded")
	// ErrModelNotFound is returned when the requested model file is absent.
	ErrModelNotFound = errors.New("detect: model not found")
)

// Options are the per-request inference parameters.
type Options struct {
	Confidence    float64
	IoU           float64
	MaxDetections int
	MinBoxArea    int
}

// Model is a loaded detection model. Predict returns detections in the pixel
// coordinates of img.
type Model interface {
	Predict(ctx context.Context, img image.Image, opts Options) ([]types.Detection, error)
	Close() error
}

// Backend creates Models from model files on disk.
type Backend interface {
	Load(modelPath string) (Model, error)
}

// Adapter is the stateful inference adapter. It holds at most one loaded
// model at a time.
type Adapter struct {
	backend    Backend
	modelsDir  string
	classNames map[int]string

	mu      sync.RWMutex
	model   Model
	current string
}

// NewAdapter builds an adapter over the given backend. Model names passed to
// LoadModel are resolved inside modelsDir. classNames maps class ids to
// display names; unknown ids fall back to a generated name.
func NewAdapter(backend Backend, modelsDir string, classNames map[int]string) *Adapter {
	return &Adapter{backend: backend, modelsDir: modelsDir, classNames: classNames}
}

// CurrentModel returns the name of the active model, or "" when none is
// loaded.
func (a *Adapter) CurrentModel() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current
}

// LoadModel makes the named model active. A no-op when the requested name is
// already loaded, otherwise the active model is swapped out under the write
// lock so no concurrent Detect observes a half-swapped slot.
func (a *Adapter) LoadModel(name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.model != nil && a.current == name {
		return nil
	}

	path := filepath.Join(a.modelsDir, filepath.Base(name))
	if !fileExists(path) {
		return fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}

	model, err := a.backend.Load(path)
	if err != nil {
		return fmt.Errorf("load model %s: %w", name, err)
	}

	if a.model != nil {
		if cerr := a.model.Close(); cerr != nil {
			return fmt.Errorf("close previous model %s: %w", a.current, cerr)
		}
	}
	a.model = model
	a.current = name
	return nil
}

// Detect runs inference on the image at imagePath. Results below
// opts.MinBoxArea pixels are dropped in post-processing: the model's own NMS
// works at its score, the area filter drops noise regardless of confidence.
func (a *Adapter) Detect(ctx context.Context, imagePath string, opts Options) ([]types.Detection, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.model == nil {
		return nil, ErrModelNotLoaded
	}

	img, err := convert.DecodeFile(imagePath)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(imagePath), err)
	}

	dets, err := a.model.Predict(ctx, img, opts)
	if err != nil {
		return nil, err
	}

	out := make([]types.Detection, 0, len(dets))
	for _, d := range dets {
		if opts.MinBoxArea > 0 && d.Area() < opts.MinBoxArea {
			continue
		}
		d.ClassName = a.ClassName(d.ClassID)
		out = append(out, d)
	}
	return out, nil
}

// ClassName resolves a class id to its display name.
func (a *Adapter) ClassName(id int) string {
	if name, ok := a.classNames[id]; ok {
		return name
	}
	return fmt.Sprintf("Class_%d", id)
}

// Close releases the active model, if any.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.model == nil {
		return nil
	}
	err := a.model.Close()
	a.model = nil
	a.current = ""
	return err
}
