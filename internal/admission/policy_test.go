package admission

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kernelforge/kernelmgr/internal/kerneltypes"
)

func TestPolicy_DefaultPermitsWorkerForbidsInProcess(t *testing.T) {
	p := NewDefault()

	assert.True(t, p.IsAllowed(kerneltypes.Worker, kerneltypes.Python))
	assert.False(t, p.IsAllowed(kerneltypes.InProcess, kerneltypes.Python))
}

func TestPolicy_ListIsDefensiveCopy(t *testing.T) {
	p := NewDefault()
	list := p.List()
	list[0] = kerneltypes.Pair{}

	assert.NotEqual(t, kerneltypes.Pair{}, p.List()[0])
}

func TestPolicy_FilterPreloadDropsForbiddenEntriesSilently(t *testing.T) {
	p := New([]kerneltypes.Pair{{Mode: kerneltypes.Worker, Language: kerneltypes.Python}})

	filtered := p.FilterPreload([]kerneltypes.Pair{
		{Mode: kerneltypes.Worker, Language: kerneltypes.Python},
		{Mode: kerneltypes.InProcess, Language: kerneltypes.Python},
	})

	assert.Equal(t, []kerneltypes.Pair{{Mode: kerneltypes.Worker, Language: kerneltypes.Python}}, filtered)
}

func TestPolicy_EmptySetForbidsEverything(t *testing.T) {
	p := New(nil)
	assert.False(t, p.IsAllowed(kerneltypes.Worker, kerneltypes.Python))
}
