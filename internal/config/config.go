// Package config loads the agent's static configuration: which model to use,
// where the local inference backend and record store live, and the bounded
// parameters that keep the agent loop (C10) terminating.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Bounds mirrors spec.md §4.10's bounded parameters. Zero values are invalid;
// Load fills in conservative defaults (withDefaults) for anything left unset.
type Bounds struct {
	MaxSteps            int `yaml:"max_steps"`
	MaxStepsPerTask     int `yaml:"max_steps_per_task"`
	MaxRetriesOnNoData  int `yaml:"max_retries_on_no_data"`
	TaskTimeoutSeconds  int `yaml:"task_timeout_seconds"`
	MaxAgentErrors      int `yaml:"max_agent_errors"`
}

// TaskTimeout returns the per-task deadline as a time.Duration.
func (b Bounds) TaskTimeout() time.Duration {
	return time.Duration(b.TaskTimeoutSeconds) * time.Second
}

// Backend configures one LLM backend endpoint.
type Backend struct {
	// Kind selects the wire client: "openai" (OpenAI-compatible local
	// inference server), "anthropic", or "bedrock".
	Kind    string `yaml:"kind"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Region  string `yaml:"region"`
}

// Store configures the record-store backend.
type Store struct {
	// Kind selects "fs" (flat-file directory), "mongo", or "remote" (gRPC).
	Kind        string `yaml:"kind"`
	BundlesDir  string `yaml:"bundles_dir"`
	ECGCSVPath  string `yaml:"ecg_csv_path"`
	DicomDir    string `yaml:"dicom_dir"`
	MongoURI    string `yaml:"mongo_uri"`
	MongoDB     string `yaml:"mongo_database"`
	RemoteAddr  string `yaml:"remote_addr"`
}

// Config is the top-level configuration document.
type Config struct {
	ModelName string             `yaml:"model_name"`
	Backends  map[string]Backend `yaml:"backends"`
	Store     Store              `yaml:"store"`
	Bounds    Bounds             `yaml:"bounds"`
}

// Load reads and parses a YAML config file, applying environment overrides
// for secrets so API keys never need to live on disk in plain text.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyEnvOverrides()
	cfg.Bounds = cfg.Bounds.withDefaults()
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	for name, b := range c.Backends {
		envKey := "MEDSTER_" + name + "_API_KEY"
		if v := os.Getenv(envKey); v != "" {
			b.APIKey = v
			c.Backends[name] = b
		}
	}
}

// withDefaults fills unset bounds with conservative defaults so a partial
// config file can never produce an unbounded loop (spec.md §8 Boundedness).
func (b Bounds) withDefaults() Bounds {
	if b.MaxSteps <= 0 {
		b.MaxSteps = 40
	}
	if b.MaxStepsPerTask <= 0 {
		b.MaxStepsPerTask = 8
	}
	if b.MaxRetriesOnNoData <= 0 {
		b.MaxRetriesOnNoData = 2
	}
	if b.TaskTimeoutSeconds <= 0 {
		b.TaskTimeoutSeconds = 30
	}
	if b.MaxAgentErrors <= 0 {
		b.MaxAgentErrors = 3
	}
	return b
}
