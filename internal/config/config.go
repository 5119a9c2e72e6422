// Package config loads the daemon's YAML configuration (spec §6 AMBIENT
// addition): the admission set, pool target sizes, default timeouts and the
// optional websocket worker endpoint.
//
// Grounded on the pack's nugget-thane-ai-agent and cuemby/warren repos, both
// of which load daemon config via gopkg.in/yaml.v3 into a plain struct at
// startup; the manager itself never touches YAML (spec §2.1).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kernelforge/kernelmgr/internal/kerneltypes"
)

// pairSpec is one admission/preload entry as it appears in YAML.
type pairSpec struct {
	Mode     kerneltypes.Mode     `yaml:"mode"`
	Language kerneltypes.Language `yaml:"language"`
}

func (p pairSpec) pair() kerneltypes.Pair {
	return kerneltypes.Pair{Mode: p.Mode, Language: p.Language}
}

// admissionSpec is the "admission" YAML block.
type admissionSpec struct {
	Allow []pairSpec `yaml:"allow"`
}

// poolSpec is the "pool" YAML block.
type poolSpec struct {
	Enabled    bool       `yaml:"enabled"`
	PoolSize   int        `yaml:"poolSize"`
	AutoRefill bool       `yaml:"autoRefill"`
	Preload    []pairSpec `yaml:"preload"`
}

// defaultsSpec is the "defaults" YAML block.
type defaultsSpec struct {
	InactivityTimeoutMs int64 `yaml:"inactivityTimeoutMs"`
	MaxExecutionTimeMs  int64 `yaml:"maxExecutionTimeMs"`
}

// fileSpec mirrors the YAML document shape exactly (spec §6).
type fileSpec struct {
	Admission      admissionSpec `yaml:"admission"`
	Pool           poolSpec      `yaml:"pool"`
	Defaults       defaultsSpec  `yaml:"defaults"`
	WorkerEndpoint string        `yaml:"workerEndpoint"`
}

// Defaults holds the timeouts read from the "defaults" YAML block (spec §6).
// They are parsed only: neither cmd/kernelmgrd nor the manager applies them
// to create requests, which use the timeouts in their own Options.
type Defaults struct {
	InactivityTimeoutMs int64
	MaxExecutionTimeMs  int64
}

// Config is the parsed, ready-to-use daemon configuration.
type Config struct {
	Admission      []kerneltypes.Pair
	PoolEnabled    bool
	PoolSize       int
	PoolAutoRefill bool
	PoolPreload    []kerneltypes.Pair
	Defaults       Defaults
	// WorkerEndpoint is the optional ws:// worker URL from the config file
	// (spec §6). It is parsed only: the manager always runs WORKER-mode
	// kernels over the in-process ChannelTransport and never dials it.
	WorkerEndpoint string
}

// Load reads and parses the YAML config file at path.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes a YAML document into a Config.
func Parse(raw []byte) (Config, error) {
	var fs fileSpec
	if err := yaml.Unmarshal(raw, &fs); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}

	cfg := Config{
		PoolEnabled:    fs.Pool.Enabled,
		PoolSize:       fs.Pool.PoolSize,
		PoolAutoRefill: fs.Pool.AutoRefill,
		Defaults: Defaults{
			InactivityTimeoutMs: fs.Defaults.InactivityTimeoutMs,
			MaxExecutionTimeMs:  fs.Defaults.MaxExecutionTimeMs,
		},
		WorkerEndpoint: fs.WorkerEndpoint,
	}
	for _, a := range fs.Admission.Allow {
		cfg.Admission = append(cfg.Admission, a.pair())
	}
	for _, p := range fs.Pool.Preload {
		cfg.PoolPreload = append(cfg.PoolPreload, p.pair())
	}
	return cfg, nil
}
