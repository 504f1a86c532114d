package main

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config is cmd/kernelcallctl's own configuration, loaded from YAML. The
// core runtime library (wire, kernel, kernelimage, autotune, callcache)
// takes no configuration of its own -- it is a library with one exported
// entry point.
type Config struct {
	// Backend selects which driver.Driver implementation bench/serve use:
	// "cuda" for the real purego-backed driver, "fake" for an in-process
	// fake (useful for demos on a machine without a GPU).
	Backend string `yaml:"backend"`
	// AutotuneBudgetMs documents the autotuner's iteration-count target. It
	// is loaded but not read by any subcommand, and it does not change
	// autotune's fixed 10ms constant.
	AutotuneBudgetMs float64 `yaml:"autotune_budget_ms"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

func defaultConfig() Config {
	return Config{
		Backend:          "fake",
		AutotuneBudgetMs: 10.0,
		LogLevel:         "info",
	}
}

func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
