package interrupt

import "github.com/kernelforge/kernelmgr/internal/logging"

// MessageSender delivers an in-band INTERRUPT message over the worker
// transport (spec §4.4 fallback path). transport.Transport satisfies this
// structurally; interrupt does not import transport to avoid a dependency
// in the direction C7 -> C2 that spec §2 never draws.
type MessageSender interface {
	Interrupt() error
}

// Coordinator delivers a best-effort cooperative interrupt to one kernel:
// shared-memory flag if a Region was allocated for it, otherwise an in-band
// transport message (spec §4.4).
type Coordinator struct {
	region   *Region // nil when no shared-memory region is available
	fallback MessageSender
	log      *logging.Logger
	kernelID string
}

// NewCoordinator builds a Coordinator for one kernel. Either region or
// fallback (or both) may be nil/absent; interrupting an idle kernel with
// neither is a no-op that still reports success (spec §4.4).
func NewCoordinator(kernelID string, region *Region, fallback MessageSender) *Coordinator {
	return &Coordinator{region: region, fallback: fallback, log: logging.New("interrupt"), kernelID: kernelID}
}

// Interrupt delivers the signal. It never destroys the kernel and never
// blocks waiting for the interpreter to honor it (spec §4.4, §5 "advisory").
func (c *Coordinator) Interrupt() error {
	if c.region != nil {
		c.region.RequestInterrupt()
		c.log.Debug("interrupt delivered via shared region", logging.String("kernel_id", c.kernelID))
		return nil
	}
	if c.fallback != nil {
		c.log.Debug("interrupt delivered via transport message", logging.String("kernel_id", c.kernelID))
		return c.fallback.Interrupt()
	}
	// No region, no transport (e.g. a freshly-built IN_PROCESS kernel with
	// nothing to signal yet): still a successful no-op per spec §4.4.
	return nil
}
