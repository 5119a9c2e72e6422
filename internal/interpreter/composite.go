package interpreter

import (
	"fmt"

	"github.com/kernelforge/kernelmgr/internal/kerneltypes"
)

// CompositeFactory dispatches New to a per-language Factory, so the daemon
// can wire one Python engine (WasmFactory) and one JS/TS engine
// (SandboxedJSFactory) behind the single Factory contract the manager
// consumes (spec §4.8a).
type CompositeFactory struct {
	byLanguage map[kerneltypes.Language]Factory
}

// NewCompositeFactory builds a CompositeFactory from an explicit
// language -> Factory mapping.
func NewCompositeFactory(byLanguage map[kerneltypes.Language]Factory) *CompositeFactory {
	return &CompositeFactory{byLanguage: byLanguage}
}

// New implements Factory, routing on language alone; mode is passed through
// unchanged to whichever Factory handles that language.
func (c *CompositeFactory) New(mode kerneltypes.Mode, language kerneltypes.Language, mount *kerneltypes.MountDescriptor) (Interpreter, error) {
	f, ok := c.byLanguage[language]
	if !ok {
		return nil, fmt.Errorf("composite factory: no engine registered for language %q", language)
	}
	return f.New(mode, language, mount)
}
