package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernelforge/kernelmgr/internal/kerneltypes"
)

const sampleYAML = `
admission:
  allow:
    - mode: WORKER
      language: PYTHON
    - mode: WORKER
      language: TS
pool:
  enabled: true
  poolSize: 2
  autoRefill: true
  preload:
    - mode: WORKER
      language: PYTHON
defaults:
  inactivityTimeoutMs: 1800000
  maxExecutionTimeMs: 30000
workerEndpoint: ""
`

func TestParse_SampleDocumentMatchesSchema(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, []kerneltypes.Pair{
		{Mode: kerneltypes.Worker, Language: kerneltypes.Python},
		{Mode: kerneltypes.Worker, Language: kerneltypes.TS},
	}, cfg.Admission)
	assert.True(t, cfg.PoolEnabled)
	assert.Equal(t, 2, cfg.PoolSize)
	assert.True(t, cfg.PoolAutoRefill)
	assert.Equal(t, []kerneltypes.Pair{{Mode: kerneltypes.Worker, Language: kerneltypes.Python}}, cfg.PoolPreload)
	assert.Equal(t, int64(1_800_000), cfg.Defaults.InactivityTimeoutMs)
	assert.Equal(t, int64(30_000), cfg.Defaults.MaxExecutionTimeMs)
	assert.Empty(t, cfg.WorkerEndpoint)
}

func TestParse_EmptyDocumentYieldsZeroValueConfig(t *testing.T) {
	cfg, err := Parse([]byte(""))
	require.NoError(t, err)
	assert.Empty(t, cfg.Admission)
	assert.False(t, cfg.PoolEnabled)
}

func TestParse_InvalidYAMLReturnsError(t *testing.T) {
	_, err := Parse([]byte("not: [valid"))
	assert.Error(t, err)
}

func TestLoad_MissingFileReturnsError(t *testing.T) {
	_, err := Load("/nonexistent/path/kernelmgr.yaml")
	assert.Error(t, err)
}
