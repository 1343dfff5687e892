// Package describe generates an optional natural-language note for a
// finished run using an Ollama vision model. The note is a convenience for
// the history view; any failure here is reported to the caller and the run
// proceeds without a note.
package describe

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/ekaraca/defect-analyzer/pkg/types"
)

const defaultTimeout = 120 * time.Second

const promptTemplate = `You are reviewing an automated paint-defect inspection result.
The attached image is one annotated sample from the batch.
Detected defect counts: %s. Total images: %d.
Write a short, factual quality note (2-3 sentences, no markdown) that an
inspection operator could paste into a report.`

// OllamaDescriber talks to an Ollama server through its API client.
type OllamaDescriber struct {
	client *api.Client
	model  string
}

// NewOllamaDescriber creates a describer against the given server URL
// (scheme and host are used; any path is ignored).
func NewOllamaDescriber(serverURL, model string) (*OllamaDescriber, error) {
	parsed, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama URL: %w", err)
	}
	base := &url.URL{Scheme: parsed.Scheme, Host: parsed.Host}
	return &OllamaDescriber{
		client: api.NewClient(base, http.DefaultClient),
		model:  model,
	}, nil
}

// DescribeRun sends the run summary and one annotated preview image to the
// model and returns its note.
func (d *OllamaDescriber) DescribeRun(ctx context.Context, meta types.RunMeta, previewPath string) (string, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
	}

	imgBytes, err := os.ReadFile(previewPath)
	if err != nil {
		return "", fmt.Errorf("read preview image: %w", err)
	}

	prompt := fmt.Sprintf(promptTemplate, formatCounts(meta.Summary.ClassCounts), meta.Summary.TotalImages)

	stream := false
	req := &api.ChatRequest{
		Model: d.model,
		Messages: []api.Message{
			{
				Role:    "user",
				Content: prompt,
				Images:  []api.ImageData{api.ImageData(imgBytes)},
			},
		},
		Stream: &stream,
	}

	var content string
	err = d.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		content = resp.Message.Content
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama chat: %w", err)
	}

	content = strings.TrimSpace(content)
	if content == "" {
		return "", fmt.Errorf("empty response from ollama")
	}
	return content, nil
}

func formatCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return "none"
	}
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%d", name, counts[name]))
	}
	return strings.Join(parts, ", ")
}
