// Package defectanalyzer assembles the paint defect analysis service: upload
// storage, ONNX-based defect detection, annotated result images and a
// persistent run history, exposed over an HTTP API.
//
// The component packages can be used independently; this package wires them
// into a ready-to-run application:
//
//	package main
//
//	import (
//		"log"
//
//		defectanalyzer "github.com/ekaraca/defect-analyzer"
//		"github.com/ekaraca/defect-analyzer/internal/config"
//	)
//
//	func main() {
//		cfg := config.Default()
//		cfg.ApplyEnv()
//
//		app, err := defectanalyzer.New(cfg)
//		if err != nil {
//			log.Fatal(err)
//		}
//		defer app.Close()
//
//		log.Fatal(app.ListenAndServe())
//	}
//
// The main components:
//
//  1. storage (internal/storage): upload intake and the on-disk results layout
//  2. detect (pkg/detect): model loading and inference through ONNX Runtime
//  3. annotate (pkg/annotate): detection boxes and summary panel rendering
//  4. analyze (pkg/analyze): batch orchestration and run metadata
//  5. history (internal/history): run browsing, renaming and export packaging
//  6. server (internal/server): the HTTP transport over all of the above
package defectanalyzer

import (
	"fmt"
	"os"

	"github.com/ekaraca/defect-analyzer/internal/config"
	"github.com/ekaraca/defect-analyzer/internal/history"
	"github.com/ekaraca/defect-analyzer/internal/server"
	"github.com/ekaraca/defect-analyzer/internal/storage"
	"github.com/ekaraca/defect-analyzer/pkg/analyze"
	"github.com/ekaraca/defect-analyzer/pkg/annotate"
	"github.com/ekaraca/defect-analyzer/pkg/describe"
	"github.com/ekaraca/defect-analyzer/pkg/detect"
)

// Version of the defect analyzer service.
const Version = "1.0.0"

// App is the fully wired application.
type App struct {
	Layout   *storage.Layout
	Adapter  *detect.Adapter
	Analyzer *analyze.Analyzer
	Store    *history.Store
	Server   *server.Server

	ownsRuntime bool
}

// New validates the configuration and constructs the component graph. The
// ONNX Runtime environment is initialized here and released by Close.
func New(cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	layout, err := storage.NewLayout(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("prepare data directory: %w", err)
	}
	if err := os.MkdirAll(cfg.ModelsDir, 0o755); err != nil {
		return nil, fmt.Errorf("prepare models directory: %w", err)
	}

	if err := detect.InitRuntime(cfg.Model.ONNXLibrary); err != nil {
		return nil, fmt.Errorf("initialize onnx runtime: %w", err)
	}

	backend := detect.NewONNXBackend(cfg.Model.InputSize, len(cfg.Model.ClassNames))
	adapter := detect.NewAdapter(backend, cfg.ModelsDir, cfg.Model.ClassNames)
	annotator := annotate.New(cfg.Model.ClassNames, cfg.Defaults.JPEGQuality)

	var describer analyze.Describer
	if cfg.Describe.Enabled {
		d, err := describe.NewOllamaDescriber(cfg.Describe.URL, cfg.Describe.Model)
		if err != nil {
			adapter.Close()
			detect.DestroyRuntime()
			return nil, fmt.Errorf("create describer: %w", err)
		}
		describer = d
	}

	analyzer := analyze.New(layout, adapter, annotator, cfg.Model.ClassNames, describer)
	store := history.NewStore(layout)

	return &App{
		Layout:      layout,
		Adapter:     adapter,
		Analyzer:    analyzer,
		Store:       store,
		Server:      server.New(cfg, layout, analyzer, store),
		ownsRuntime: true,
	}, nil
}

// ListenAndServe runs the HTTP server until it fails.
func (a *App) ListenAndServe() error {
	return a.Server.ListenAndServe()
}

// Close releases the loaded model and the ONNX Runtime environment.
func (a *App) Close() error {
	err := a.Adapter.Close()
	if a.ownsRuntime {
		if derr := detect.DestroyRuntime(); err == nil {
			err = derr
		}
	}
	return err
}
