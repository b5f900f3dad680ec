package app

import "errors"

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	// SchemaPath points at a .hcl schema file or a directory of them.
	SchemaPath string
	// OutputPath is where the trained model archive is written.
	OutputPath string
	// DescribePath switches the app into describe mode: print the metadata
	// of an existing archive instead of training.
	DescribePath string

	// CacheDir is the durable training cache location; empty means the cache
	// lives in memory for this invocation only.
	CacheDir string
	// StorageDir holds persisted component state between runs.
	StorageDir string
	// FineTuneFrom is an optional model archive whose persisted state seeds
	// this run.
	FineTuneFrom string

	DryRun       bool
	ForceRetrain bool
	Workers      int

	LogFormat string
	LogLevel  string
}

// NewConfig validates a Config and returns it.
func NewConfig(cfg Config) (*Config, error) {
	if cfg.SchemaPath == "" && cfg.DescribePath == "" {
		return nil, errors.New("SchemaPath is a required configuration field and cannot be empty")
	}
	if cfg.SchemaPath != "" && cfg.StorageDir == "" {
		return nil, errors.New("StorageDir is a required configuration field and cannot be empty")
	}
	return &cfg, nil
}
