package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	defaultConfigPath = "~/.config/astromeas/config.json"
	defaultParallel   = 4
	envConfigPath     = "ASTROMEAS_CONFIG"
)

// Config holds user-editable settings for measurement and the services
// around it.
type Config struct {
	Processing  Processing  `json:"processing" yaml:"processing"`
	Logging     Logging     `json:"logging" yaml:"logging"`
	Paths       Paths       `json:"paths" yaml:"paths"`
	Storage     Storage     `json:"storage" yaml:"storage"`
	Measurement Measurement `json:"measurement" yaml:"measurement"`
	PSF         PSF         `json:"psf" yaml:"psf"`
	Server      Server      `json:"server" yaml:"server"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs     int    `json:"parallel_jobs" yaml:"parallel_jobs"`
	BatchConcurrency int    `json:"batch_concurrency" yaml:"batch_concurrency"` // footprints measured at once per image
	QueueSize        int    `json:"queue_size" yaml:"queue_size"`
	TempDir          string `json:"temp_dir" yaml:"temp_dir"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" yaml:"level"`             // debug, info, warn, error
	Format     string `json:"format" yaml:"format"`           // text, json
	FileOutput bool   `json:"file_output" yaml:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir" yaml:"log_dir"`         // Directory for log files
}

// Paths configures default input/output locations.
type Paths struct {
	DefaultInput string   `json:"default_input" yaml:"default_input"`
	DatabasePath string   `json:"database_path" yaml:"database_path"`
	WatchDirs    []string `json:"watch_dirs" yaml:"watch_dirs"`
}

// Storage selects the SQL driver backing the result store.
type Storage struct {
	Driver string `json:"driver" yaml:"driver"` // "sqlite" (pure Go) or "sqlite3" (cgo)
}

// Measurement configures the per-source measurement driver.
type Measurement struct {
	// CentroidAlgorithm is measureObjects.centroidAlgorithm.
	CentroidAlgorithm string  `json:"centroid_algorithm" yaml:"centroid_algorithm"`
	GaussianHalfWidth int     `json:"gaussian_half_width" yaml:"gaussian_half_width"`
	MaxIterations     int     `json:"max_iterations" yaml:"max_iterations"`
	EdgeWidth         int     `json:"edge_width" yaml:"edge_width"`
	MeasureShape      bool    `json:"measure_shape" yaml:"measure_shape"`
	ShapeSigma        float64 `json:"shape_sigma" yaml:"shape_sigma"`
	Background        float64 `json:"background" yaml:"background"`
	Gain              float64 `json:"gain" yaml:"gain"`
	ReadNoise         float64 `json:"read_noise" yaml:"read_noise"`
	Scale             float64 `json:"scale" yaml:"scale"`
	SaturationLevel   float64 `json:"saturation_level" yaml:"saturation_level"`
}

// PSF is the model handed to the refiners.
type PSF struct {
	Type   string     `json:"type" yaml:"type"`
	Size   int        `json:"size" yaml:"size"`
	Params [3]float64 `json:"params" yaml:"params"`
}

// Server holds listen addresses; an empty address disables the listener.
type Server struct {
	HTTPAddr string `json:"http_addr" yaml:"http_addr"`
	GRPCAddr string `json:"grpc_addr" yaml:"grpc_addr"`
	WebAddr  string `json:"web_addr" yaml:"web_addr"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	configPath := os.Getenv(envConfigPath)
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return LoadFile(configPath)
}

// LoadFile reads the config at path. A missing file yields the defaults.
// Files ending in .yaml or .yml are parsed as YAML, anything else as JSON.
func LoadFile(path string) (*Config, error) {
	cfg := defaultConfig()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err := decode(f, expanded, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", expanded, err)
	}
	return cfg, nil
}

func decode(r io.Reader, path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err := yaml.NewDecoder(r).Decode(cfg)
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	default:
		return json.NewDecoder(r).Decode(cfg)
	}
}

// Marshal encodes cfg as "json" or "yaml".
func (c *Config) Marshal(format string) ([]byte, error) {
	if strings.ToLower(format) == "yaml" {
		return yaml.Marshal(c)
	}
	return json.MarshalIndent(c, "", "  ")
}

func defaultConfig() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs:     defaultParallel,
			BatchConcurrency: 8,
			QueueSize:        64,
			TempDir:          os.TempDir(),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultInput: ".",
			DatabasePath: filepath.Join(os.TempDir(), "astromeas.db"),
		},
		Storage: Storage{Driver: "sqlite"},
		Measurement: Measurement{
			CentroidAlgorithm: "GAUSSIAN",
			GaussianHalfWidth: 3,
			MaxIterations:     2000,
			EdgeWidth:         2,
			MeasureShape:      true,
			ShapeSigma:        2,
			Background:        0,
			Gain:              1,
			ReadNoise:         0,
			Scale:             65535,
			SaturationLevel:   0.999,
		},
		PSF: PSF{
			Type:   "DGPSF",
			Size:   11,
			Params: [3]float64{1.5, 3, 0.1},
		},
		Server: Server{
			HTTPAddr: ":8080",
			GRPCAddr: ":9090",
			WebAddr:  ":8081",
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config { return defaultConfig() }

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
