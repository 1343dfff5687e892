package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/ekaraca/defect-analyzer/internal/history"
	"github.com/ekaraca/defect-analyzer/internal/storage"
	"github.com/ekaraca/defect-analyzer/pkg/analyze"
	"github.com/ekaraca/defect-analyzer/pkg/detect"
	"github.com/ekaraca/defect-analyzer/pkg/types"
)

const maxUploadMemory = 32 << 20

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleUploadImages(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	var uploaded []storage.UploadedFile
	var failed []map[string]string
	files := r.MultipartForm.File["files"]
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			failed = append(failed, map[string]string{"filename": fh.Filename, "error": err.Error()})
			continue
		}
		content, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			failed = append(failed, map[string]string{"filename": fh.Filename, "error": err.Error()})
			continue
		}
		stored, err := s.layout.SaveUpload(content, fh.Filename)
		if err != nil {
			failed = append(failed, map[string]string{"filename": fh.Filename, "error": err.Error()})
			continue
		}
		s.logger.Printf("uploaded %s", stored.Filename)
		uploaded = append(uploaded, stored)
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"message":        "Upload completed",
		"uploaded_files": uploaded,
		"failed_files":   failed,
		"summary": map[string]int{
			"total":      len(files),
			"successful": len(uploaded),
			"failed":     len(failed),
		},
	})
}

func (s *Server) handleListUploads(w http.ResponseWriter, _ *http.Request) {
	uploads, err := s.layout.ListUploads()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "list_failed", err.Error())
		return
	}
	type entry struct {
		storage.UploadInfo
		URL string `json:"url"`
	}
	files := make([]entry, 0, len(uploads))
	for _, u := range uploads {
		files = append(files, entry{UploadInfo: u, URL: "/static/uploads/" + u.Name})
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"files": files})
}

func (s *Server) handleZipUploads(w http.ResponseWriter, r *http.Request) {
	var filenames []string
	if err := json.NewDecoder(r.Body).Decode(&filenames); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if len(filenames) == 0 {
		s.respondError(w, http.StatusBadRequest, "invalid_request", "no files selected")
		return
	}
	info, err := s.store.ZipUploads(filenames)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "zip_failed", err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, info)
}

func (s *Server) handleDeleteUpload(w http.ResponseWriter, r *http.Request) {
	filename := mux.Vars(r)["filename"]
	err := s.layout.DeleteUpload(filename)
	switch {
	case errors.Is(err, storage.ErrInvalidPath):
		s.respondError(w, http.StatusBadRequest, "invalid_filename", err.Error())
	case errors.Is(err, os.ErrNotExist):
		s.respondError(w, http.StatusNotFound, "not_found", "file not found")
	case err != nil:
		s.respondError(w, http.StatusInternalServerError, "delete_failed", err.Error())
	default:
		s.respondJSON(w, http.StatusOK, map[string]string{"message": filename + " deleted"})
	}
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		if err := r.ParseForm(); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
	}

	runGroup := strings.TrimSpace(r.FormValue("run_group"))
	if runGroup == "" {
		s.respondError(w, http.StatusBadRequest, "invalid_request", "run_group is required")
		return
	}
	filenames := parseFilenameList(r.FormValue("filenames"))
	if len(filenames) == 0 {
		s.respondError(w, http.StatusBadRequest, "invalid_request", "filenames is required")
		return
	}

	params := s.cfg.Defaults
	if v := r.FormValue("model_name"); v != "" {
		params.ModelName = v
	}
	params.Confidence = formFloat(r, "confidence", params.Confidence)
	params.IoU = formFloat(r, "iou", params.IoU)
	params.MaxDetections = formInt(r, "max_det", params.MaxDetections)
	params.MinBoxArea = formInt(r, "min_box_area", params.MinBoxArea)
	params.ResizeLongSide = formInt(r, "resize_long_side", params.ResizeLongSide)
	params.JPEGQuality = formInt(r, "jpg_quality", params.JPEGQuality)

	result, err := s.analyzer.Run(r.Context(), analyze.Request{
		GroupName: runGroup,
		Filenames: filenames,
		Params:    params,
	})
	switch {
	case errors.Is(err, detect.ErrModelNotFound):
		s.respondError(w, http.StatusNotFound, "model_not_found", err.Error())
		return
	case err != nil:
		s.logger.Printf("analyze error: %v", err)
		s.respondError(w, http.StatusInternalServerError, "analyze_failed", err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"message": "Analysis completed successfully",
		"results": result.Results,
		"skipped": result.Skipped,
		"summary": result.Summary,
		"run": map[string]string{
			"group_slug": result.GroupSlug,
			"group_name": result.GroupName,
			"run_id":     result.RunID,
		},
	})
}

func (s *Server) handleListModels(w http.ResponseWriter, _ *http.Request) {
	type modelInfo struct {
		Name string `json:"name"`
		Path string `json:"path"`
		Size int64  `json:"size"`
		Type string `json:"type"`
	}
	models := []modelInfo{}
	matches, _ := filepath.Glob(filepath.Join(s.cfg.ModelsDir, "*.onnx"))
	for _, p := range matches {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		models = append(models, modelInfo{
			Name: filepath.Base(p),
			Path: p,
			Size: info.Size(),
			Type: "ONNX",
		})
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (s *Server) handleHistoryList(w http.ResponseWriter, r *http.Request) {
	listing, err := s.store.List(r.URL.Query().Get("q"))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "list_failed", err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, listing)
}

func (s *Server) handleHistoryDetails(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	details, err := s.store.Details(vars["group"], vars["run"])
	switch {
	case errors.Is(err, storage.ErrInvalidPath):
		s.respondError(w, http.StatusBadRequest, "invalid_path", err.Error())
	case errors.Is(err, history.ErrNotFound):
		s.respondError(w, http.StatusNotFound, "not_found", "run not found")
	case err != nil:
		s.respondError(w, http.StatusInternalServerError, "details_failed", err.Error())
	default:
		s.respondJSON(w, http.StatusOK, details)
	}
}

func (s *Server) handleHistoryDelete(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	err := s.store.DeleteRun(vars["group"], vars["run"])
	switch {
	case errors.Is(err, history.ErrNotFound), errors.Is(err, storage.ErrInvalidPath):
		s.respondError(w, http.StatusNotFound, "not_found", "run not found or cannot delete")
	case err != nil:
		s.respondError(w, http.StatusInternalServerError, "delete_failed", err.Error())
	default:
		s.respondJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

func (s *Server) handleDeleteMultiple(w http.ResponseWriter, r *http.Request) {
	type item struct {
		GroupSlug string `json:"group_slug"`
		RunID     string `json:"run_id"`
	}
	var items []item
	if err := json.NewDecoder(r.Body).Decode(&items); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	var deleted, failed []item
	for _, it := range items {
		if it.GroupSlug == "" || it.RunID == "" {
			failed = append(failed, it)
			continue
		}
		if err := s.store.DeleteRun(it.GroupSlug, it.RunID); err != nil {
			failed = append(failed, it)
			continue
		}
		deleted = append(deleted, it)
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"deleted": deleted, "errors": failed})
}

func (s *Server) handleRenameGroup(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	oldSlug := r.FormValue("old_group_slug")
	newName := r.FormValue("new_group_name")
	if oldSlug == "" || newName == "" {
		s.respondError(w, http.StatusBadRequest, "invalid_request", "old_group_slug and new_group_name are required")
		return
	}

	newSlug := analyze.Slugify(newName)
	err := s.store.RenameGroup(oldSlug, newSlug, newName)
	switch {
	case errors.Is(err, history.ErrNotFound):
		s.respondError(w, http.StatusNotFound, "not_found", "group not found")
	case errors.Is(err, history.ErrExists):
		s.respondError(w, http.StatusConflict, "name_collision", err.Error())
	case err != nil:
		s.respondError(w, http.StatusInternalServerError, "rename_failed", err.Error())
	default:
		s.respondJSON(w, http.StatusOK, map[string]any{
			"success":    true,
			"group_slug": newSlug,
			"group_name": newName,
		})
	}
}

func (s *Server) handleRenameRun(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	vars := mux.Vars(r)
	newRunID := analyze.SanitizeRunID(r.FormValue("new_run_id"))

	err := s.store.RenameRun(vars["group"], vars["run"], newRunID)
	switch {
	case errors.Is(err, history.ErrNotFound), errors.Is(err, storage.ErrInvalidPath):
		s.respondError(w, http.StatusNotFound, "not_found", "run not found")
	case errors.Is(err, history.ErrExists):
		s.respondError(w, http.StatusConflict, "name_collision", err.Error())
	case err != nil:
		s.respondError(w, http.StatusInternalServerError, "rename_failed", err.Error())
	default:
		s.respondJSON(w, http.StatusOK, map[string]any{"success": true, "run_id": newRunID})
	}
}

func (s *Server) handleHistoryZip(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	info, err := s.store.ZipRun(vars["group"], vars["run"])
	switch {
	case errors.Is(err, history.ErrNotFound), errors.Is(err, storage.ErrInvalidPath):
		s.respondError(w, http.StatusNotFound, "not_found", "run not found")
	case err != nil:
		s.respondError(w, http.StatusInternalServerError, "zip_failed", err.Error())
	default:
		s.respondJSON(w, http.StatusOK, map[string]string{"download_url": info.DownloadURL})
	}
}

func (s *Server) handleDownloadResults(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	name := r.FormValue("folder_name")
	if name == "" {
		name = "Analiz_Sonuclari"
	}
	name = storage.SanitizeFilename(name)

	var results []types.ImageResult
	if raw := r.FormValue("results_json"); raw != "" {
		if err := parseResultsJSON(raw, &results); err != nil {
			s.logger.Printf("results_json not parseable: %v", err)
		}
	}

	processedPaths := make([]string, 0, len(results))
	for _, res := range results {
		if res.ProcessedPath != "" {
			processedPaths = append(processedPaths, res.ProcessedPath)
		}
	}

	var reportFiles []string
	if len(results) > 0 {
		reportPath, err := s.writeJSONReport(name, results)
		if err != nil {
			s.logger.Printf("report generation skipped: %v", err)
		} else {
			reportFiles = append(reportFiles, reportPath)
		}
	}

	info, err := s.store.CreatePackage(name, processedPaths, reportFiles)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "package_failed", err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"message":       "Download package created",
		"download_path": info.DownloadURL,
		"package_info":  info,
	})
}

// writeJSONReport renders the machine-readable report included in export
// packages. Richer report formats are produced by external tooling.
func (s *Server) writeJSONReport(name string, results []types.ImageResult) (string, error) {
	report := map[string]any{
		"generated_at": time.Now().Format(time.RFC3339),
		"package":      name,
		"results":      results,
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", err
	}
	reportPath := filepath.Join(s.layout.Scratch, name+"_report.json")
	if err := os.WriteFile(reportPath, data, 0o644); err != nil {
		return "", err
	}
	return reportPath, nil
}

func (s *Server) handleDownloadFile(w http.ResponseWriter, r *http.Request) {
	filename := mux.Vars(r)["filename"]
	p, err := s.layout.DownloadPath(filename)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid_filename", err.Error())
		return
	}
	if !storage.FileExists(p) {
		s.respondError(w, http.StatusNotFound, "not_found", "file not found")
		return
	}
	w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote(filename))
	http.ServeFile(w, r, p)
}

// parseFilenameList accepts either a JSON array of names, a comma-separated
// bracket list, or a single bare filename.
func parseFilenameList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if strings.HasPrefix(raw, "[") && strings.HasSuffix(raw, "]") {
		var names []string
		if err := json.Unmarshal([]byte(raw), &names); err == nil {
			return trimAll(names)
		}
		return trimAll(strings.Split(strings.Trim(raw, "[]"), ","))
	}
	return []string{raw}
}

func trimAll(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.Trim(strings.TrimSpace(n), `"'`)
		if n != "" {
			out = append(out, n)
		}
	}
	return out
}

// parseResultsJSON accepts either a bare array of results or an object with
// a "results" field.
func parseResultsJSON(raw string, results *[]types.ImageResult) error {
	if err := json.Unmarshal([]byte(raw), results); err == nil {
		return nil
	}
	var wrapper struct {
		Results []types.ImageResult `json:"results"`
	}
	if err := json.Unmarshal([]byte(raw), &wrapper); err != nil {
		return err
	}
	*results = wrapper.Results
	return nil
}

func formFloat(r *http.Request, key string, def float64) float64 {
	if v := r.FormValue(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func formInt(r *http.Request, key string, def int) int {
	if v := r.FormValue(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
