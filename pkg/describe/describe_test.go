package describe

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/ekaraca/defect-analyzer/pkg/types"
)

func TestFormatCounts(t *testing.T) {
	if got := formatCounts(nil); got != "none" {
		t.Errorf("empty counts = %q, want none", got)
	}
	got := formatCounts(map[string]int{"Pinhol": 1, "Krater": 3})
	if got != "Krater=3, Pinhol=1" {
		t.Errorf("formatCounts = %q", got)
	}
}

func TestNewOllamaDescriberBadURL(t *testing.T) {
	if _, err := NewOllamaDescriber("://not-a-url", "model"); err == nil {
		t.Error("expected error for unparseable URL")
	}
}

func TestDescribeRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Content string   `json:"content"`
				Images  []string `json:"images"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "test-model" {
			t.Errorf("model = %q", req.Model)
		}
		if len(req.Messages) != 1 || len(req.Messages[0].Images) != 1 {
			t.Error("request must carry one message with one image")
		}
		json.NewEncoder(w).Encode(map[string]any{
			"model":   req.Model,
			"message": map[string]string{"role": "assistant", "content": "  Two craters found on the panel.  "},
			"done":    true,
		})
	}))
	defer srv.Close()

	d, err := NewOllamaDescriber(srv.URL, "test-model")
	if err != nil {
		t.Fatal(err)
	}

	preview := filepath.Join(t.TempDir(), "preview.jpg")
	if err := os.WriteFile(preview, []byte("jpegdata"), 0o644); err != nil {
		t.Fatal(err)
	}

	meta := types.RunMeta{Summary: types.RunSummary{
		TotalImages: 2,
		ClassCounts: map[string]int{"Krater": 2},
	}}
	note, err := d.DescribeRun(context.Background(), meta, preview)
	if err != nil {
		t.Fatal(err)
	}
	if note != "Two craters found on the panel." {
		t.Errorf("note = %q", note)
	}
}

func TestDescribeRunMissingPreview(t *testing.T) {
	d, err := NewOllamaDescriber("http://localhost:11434", "m")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.DescribeRun(context.Background(), types.RunMeta{}, "/nonexistent/preview.jpg"); err == nil {
		t.Error("expected error for missing preview image")
	}
}
