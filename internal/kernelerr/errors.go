// Package kernelerr defines the typed error taxonomy surfaced by the manager,
// per spec §7. Callers are expected to test these with errors.Is/errors.As
// rather than matching on message strings.
package kernelerr

import "errors"

// Sentinel kinds. Wrap with fmt.Errorf("...: %w", Sentinel) to attach context.
var (
	// ErrPolicyViolation: the requested (mode, language) pair is not in the
	// admission set. Surfaced before any resource is acquired.
	ErrPolicyViolation = errors.New("policy violation: kernel type not permitted")

	// ErrDuplicateID: a kernel with the requested id already exists.
	ErrDuplicateID = errors.New("duplicate kernel id")

	// ErrNotFound: no kernel with the given id.
	ErrNotFound = errors.New("kernel not found")

	// ErrBuildFailed: the interpreter or worker failed to reach READY.
	ErrBuildFailed = errors.New("kernel build failed")

	// ErrKernelDead: the kernel was disposed between lookup and dispatch.
	ErrKernelDead = errors.New("kernel is dead")

	// ErrInterruptStalled: a prior interrupt on this kernel's running
	// execution missed its grace window. Recovered locally (the kernel keeps
	// running); returned by Manager.Interrupt so the caller can decide
	// whether to escalate to ForceTerminate.
	ErrInterruptStalled = errors.New("interrupt did not stop execution in time")
)

// ForcedTerminationName is the ename used for the EXECUTE_ERROR event
// synthesised by forceTerminate (spec §4.8, §7). It is not an `error` value
// because it is delivered as an event, never returned or wrapped.
const ForcedTerminationName = "ForcedTermination"
