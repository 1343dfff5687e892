package detect

import (
	"context"
	"errors"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"github.com/ekaraca/defect-analyzer/pkg/types"
)

type stubModel struct {
	dets   []types.Detection
	closed bool
}

func (m *stubModel) Predict(_ context.Context, _ image.Image, _ Options) ([]types.Detection, error) {
	return m.dets, nil
}

func (m *stubModel) Close() error {
	m.closed = true
	return nil
}

type stubBackend struct {
	loads  int
	models []*stubModel
	dets   []types.Detection
}

func (b *stubBackend) Load(_ string) (Model, error) {
	b.loads++
	m := &stubModel{dets: b.dets}
	b.models = append(b.models, m)
	return m, nil
}

func writeModelFile(t *testing.T, dir, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte("onnx"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func writeTestJPEG(t *testing.T, dir string) string {
	t.Helper()
	p := filepath.Join(dir, "image.jpg")
	f, err := os.Create(p)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := jpeg.Encode(f, image.NewRGBA(image.Rect(0, 0, 64, 64)), nil); err != nil {
		t.Fatal(err)
	}
	return p
}

var testClassNames = map[int]string{0: "Krater", 1: "Tanecik", 2: "Pinhol"}

func TestDetectBeforeLoad(t *testing.T) {
	a := NewAdapter(&stubBackend{}, t.TempDir(), testClassNames)
	_, err := a.Detect(context.Background(), "whatever.jpg", Options{})
	if !errors.Is(err, ErrModelNotLoaded) {
		t.Errorf("got %v, want ErrModelNotLoaded", err)
	}
}

func TestLoadModelNotFound(t *testing.T) {
	a := NewAdapter(&stubBackend{}, t.TempDir(), testClassNames)
	err := a.LoadModel("missing.onnx")
	if !errors.Is(err, ErrModelNotFound) {
		t.Errorf("got %v, want ErrModelNotFound", err)
	}
	if a.CurrentModel() != "" {
		t.Error("failed load must leave no active model")
	}
}

func TestLoadModelIdempotent(t *testing.T) {
	modelsDir := t.TempDir()
	writeModelFile(t, modelsDir, "best.onnx")
	writeModelFile(t, modelsDir, "other.onnx")

	backend := &stubBackend{}
	a := NewAdapter(backend, modelsDir, testClassNames)

	if err := a.LoadModel("best.onnx"); err != nil {
		t.Fatal(err)
	}
	if err := a.LoadModel("best.onnx"); err != nil {
		t.Fatal(err)
	}
	if backend.loads != 1 {
		t.Errorf("reloading the active model hit the backend %d times, want 1", backend.loads)
	}
	if a.CurrentModel() != "best.onnx" {
		t.Errorf("current model = %q", a.CurrentModel())
	}

	if err := a.LoadModel("other.onnx"); err != nil {
		t.Fatal(err)
	}
	if backend.loads != 2 {
		t.Errorf("swap did not load the new model, loads = %d", backend.loads)
	}
	if !backend.models[0].closed {
		t.Error("swap must close the previous model")
	}
}

func TestDetectFiltersAndNames(t *testing.T) {
	modelsDir := t.TempDir()
	writeModelFile(t, modelsDir, "best.onnx")
	imgPath := writeTestJPEG(t, t.TempDir())

	backend := &stubBackend{dets: []types.Detection{
		{ClassID: 0, Confidence: 0.9, BBox: [4]int{0, 0, 20, 20}},   // area 400, kept
		{ClassID: 1, Confidence: 0.8, BBox: [4]int{0, 0, 5, 5}},     // area 25, dropped
		{ClassID: 7, Confidence: 0.7, BBox: [4]int{10, 10, 30, 30}}, // unknown class id
	}}
	a := NewAdapter(backend, modelsDir, testClassNames)
	if err := a.LoadModel("best.onnx"); err != nil {
		t.Fatal(err)
	}

	dets, err := a.Detect(context.Background(), imgPath, Options{MinBoxArea: 50})
	if err != nil {
		t.Fatal(err)
	}
	if len(dets) != 2 {
		t.Fatalf("got %d detections, want 2", len(dets))
	}
	if dets[0].ClassName != "Krater" {
		t.Errorf("class 0 name = %q, want Krater", dets[0].ClassName)
	}
	if dets[1].ClassName != "Class_7" {
		t.Errorf("unknown class name = %q, want Class_7", dets[1].ClassName)
	}
}

func TestAdapterClose(t *testing.T) {
	modelsDir := t.TempDir()
	writeModelFile(t, modelsDir, "best.onnx")

	backend := &stubBackend{}
	a := NewAdapter(backend, modelsDir, testClassNames)
	if err := a.LoadModel("best.onnx"); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	if !backend.models[0].closed {
		t.Error("Close must close the active model")
	}
	if a.CurrentModel() != "" {
		t.Error("Close must clear the active model name")
	}
}
