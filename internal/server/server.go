// Package server is the HTTP transport binding the analyzer components:
// uploads, batch analysis, history browsing and download packaging.
package server

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"

	"github.com/ekaraca/defect-analyzer/internal/config"
	"github.com/ekaraca/defect-analyzer/internal/history"
	"github.com/ekaraca/defect-analyzer/internal/storage"
	"github.com/ekaraca/defect-analyzer/pkg/analyze"
)

// Server wires the HTTP routes to the application components.
type Server struct {
	cfg      *config.Config
	layout   *storage.Layout
	analyzer *analyze.Analyzer
	store    *history.Store
	logger   *log.Logger
}

// New creates a server over already-constructed components.
func New(cfg *config.Config, layout *storage.Layout, analyzer *analyze.Analyzer, store *history.Store) *Server {
	return &Server{
		cfg:      cfg,
		layout:   layout,
		analyzer: analyzer,
		store:    store,
		logger:   log.New(os.Stderr, "server: ", log.LstdFlags),
	}
}

// Router builds the route table. The CORS middleware wraps the whole router
// so preflight requests are answered even for method mismatches.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	r.HandleFunc("/upload-images", s.handleUploadImages).Methods(http.MethodPost)
	r.HandleFunc("/uploads", s.handleListUploads).Methods(http.MethodGet)
	r.HandleFunc("/uploads/zip", s.handleZipUploads).Methods(http.MethodPost)
	r.HandleFunc("/delete-upload/{filename}", s.handleDeleteUpload).Methods(http.MethodDelete)

	r.HandleFunc("/analyze", s.handleAnalyze).Methods(http.MethodPost)
	r.HandleFunc("/models", s.handleListModels).Methods(http.MethodGet)

	r.HandleFunc("/history", s.handleHistoryList).Methods(http.MethodGet)
	r.HandleFunc("/history/delete-multiple", s.handleDeleteMultiple).Methods(http.MethodDelete)
	r.HandleFunc("/history/rename-group", s.handleRenameGroup).Methods(http.MethodPost)
	r.HandleFunc("/history/{group}/{run}", s.handleHistoryDetails).Methods(http.MethodGet)
	r.HandleFunc("/history/{group}/{run}", s.handleHistoryDelete).Methods(http.MethodDelete)
	r.HandleFunc("/history/{group}/{run}/zip", s.handleHistoryZip).Methods(http.MethodPost)
	r.HandleFunc("/history/{group}/{run}/rename", s.handleRenameRun).Methods(http.MethodPost)

	r.HandleFunc("/download-results", s.handleDownloadResults).Methods(http.MethodPost)
	r.HandleFunc("/download/{filename}", s.handleDownloadFile).Methods(http.MethodGet)

	r.PathPrefix("/static/results/").Handler(
		http.StripPrefix("/static/results/", http.FileServer(http.Dir(s.layout.Results))))
	r.PathPrefix("/static/uploads/").Handler(
		http.StripPrefix("/static/uploads/", http.FileServer(http.Dir(s.layout.Uploads))))
	r.PathPrefix("/static/downloads/").Handler(
		http.StripPrefix("/static/downloads/", http.FileServer(http.Dir(s.layout.Downloads))))

	return s.corsMiddleware(r)
}

// ListenAndServe runs the HTTP server until it fails.
func (s *Server) ListenAndServe() error {
	srv := &http.Server{
		Handler:      s.Router(),
		Addr:         s.cfg.ListenAddr,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 300 * time.Second,
	}
	s.logger.Printf("listening on %s", srv.Addr)
	return srv.ListenAndServe()
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	origin := s.cfg.ClientOrigin
	if origin == "" || origin == "all" {
		origin = "*"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Printf("encode response: %v", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, code, message string) {
	s.respondJSON(w, status, errorResponse{Code: code, Message: message})
}
