// Package config holds the application configuration: storage location,
// model settings, server address and run parameter defaults. Configuration
// comes from an optional JSON file with environment overrides on top.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/ekaraca/defect-analyzer/pkg/types"
)

// Config is the full application configuration.
type Config struct {
	DataDir      string          `json:"data_dir"`
	ModelsDir    string          `json:"models_dir"`
	ListenAddr   string          `json:"listen_addr"`
	ClientOrigin string          `json:"client_origin"`
	Model        ModelConfig     `json:"model"`
	Describe     DescribeConfig  `json:"describe"`
	Defaults     types.RunParams `json:"defaults"`
}

// ModelConfig describes the detection model runtime.
type ModelConfig struct {
	InputSize   int            `json:"input_size"`
	ClassNames  map[int]string `json:"class_names"`
	ONNXLibrary string         `json:"onnx_library"`
}

// DescribeConfig configures the optional run note describer.
type DescribeConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
	Model   string `json:"model"`
}

// Default returns a configuration with default values.
func Default() *Config {
	return &Config{
		DataDir:      defaultDataDir(),
		ModelsDir:    "models",
		ListenAddr:   "127.0.0.1:8000",
		ClientOrigin: "*",
		Model: ModelConfig{
			InputSize: 640,
			ClassNames: map[int]string{
				0: "Krater",
				1: "Tanecik",
				2: "Pinhol",
			},
		},
		Describe: DescribeConfig{
			Enabled: false,
			URL:     "http://localhost:11434",
			Model:   "llama3.2-vision",
		},
		Defaults: types.DefaultRunParams(),
	}
}

// defaultDataDir places application data under LOCALAPPDATA when set (the
// desktop shell runs on Windows), otherwise under the user home.
func defaultDataDir() string {
	base := os.Getenv("LOCALAPPDATA")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "PaintDefectAnalyzer"
		}
		base = home
	}
	return filepath.Join(base, "PaintDefectAnalyzer")
}

// LoadFromFile loads configuration from a JSON file.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	config := Default()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return config, nil
}

// ApplyEnv loads a .env file when present and applies environment overrides.
func (c *Config) ApplyEnv() {
	_ = godotenv.Load()

	if v := os.Getenv("DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("MODELS_DIR"); v != "" {
		c.ModelsDir = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("CLIENT_ORIGIN"); v != "" {
		c.ClientOrigin = v
	}
	if v := os.Getenv("ONNX_LIBRARY"); v != "" {
		c.Model.ONNXLibrary = v
	}
	if v := os.Getenv("OLLAMA_URL"); v != "" {
		c.Describe.URL = v
		c.Describe.Enabled = true
	}
	if v := os.Getenv("DESCRIBE_MODEL"); v != "" {
		c.Describe.Model = v
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir cannot be empty")
	}
	if c.Model.InputSize <= 0 {
		return fmt.Errorf("model.input_size must be positive")
	}
	if len(c.Model.ClassNames) == 0 {
		return fmt.Errorf("model.class_names cannot be empty")
	}
	if c.Defaults.Confidence < 0 || c.Defaults.Confidence > 1 {
		return fmt.Errorf("defaults.confidence must be between 0 and 1")
	}
	if c.Defaults.IoU < 0 || c.Defaults.IoU > 1 {
		return fmt.Errorf("defaults.iou must be between 0 and 1")
	}
	if c.Defaults.JPEGQuality < 1 || c.Defaults.JPEGQuality > 100 {
		return fmt.Errorf("defaults.jpg_quality must be between 1 and 100")
	}
	if c.Defaults.ResizeLongSide <= 0 {
		return fmt.Errorf("defaults.resize_long_side must be positive")
	}
	return nil
}
