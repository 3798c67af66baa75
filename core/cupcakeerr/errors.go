// Package cupcakeerr defines the error kinds the engine can surface,
// per the propagation rules in the error handling design: fail-closed
// everywhere a decision could not be computed, recover locally only
// when the failure has a well-defined in-band representation.
package cupcakeerr

import "fmt"

// InitError indicates a configuration, metadata, or compilation failure
// at startup. It is always fatal — the engine must not start.
type InitError struct {
	Stage string
	Err   error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("init: %s: %v", e.Stage, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// NewInitError wraps err as a fatal InitError for the given stage
// (e.g. "metadata", "compiler", "config").
func NewInitError(stage string, err error) *InitError {
	return &InitError{Stage: stage, Err: err}
}

// TrustError indicates manifest verification failed for a script or a
// policy file. For scripts the caller treats this as an in-band error
// value and skips execution; for policy files at load time it is fatal.
type TrustError struct {
	Path string
	Err  error
}

func (e *TrustError) Error() string {
	return fmt.Sprintf("trust verification failed for %s: %v", e.Path, e.Err)
}

func (e *TrustError) Unwrap() error { return e.Err }

func NewTrustError(path string, err error) *TrustError {
	return &TrustError{Path: path, Err: err}
}

// SandboxError indicates the memory cap, execution cap, or a runtime
// fault was hit during evaluation. Callers must translate this into a
// synthetic Halt decision with rule_id "SANDBOX_FAILURE" — never a
// silent allow.
type SandboxError struct {
	Reason string
	Err    error
}

func (e *SandboxError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sandbox failure: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("sandbox failure: %s", e.Reason)
}

func (e *SandboxError) Unwrap() error { return e.Err }

func NewSandboxError(reason string, err error) *SandboxError {
	return &SandboxError{Reason: reason, Err: err}
}

// SignalError represents a timeout, non-zero exit, or unparseable
// output from a signal script. It is never fatal — its value is
// represented in-band as the signal's result.
type SignalError struct {
	Signal string
	Err    error
}

func (e *SignalError) Error() string {
	return fmt.Sprintf("signal %q failed: %v", e.Signal, e.Err)
}

func (e *SignalError) Unwrap() error { return e.Err }

func NewSignalError(signal string, err error) *SignalError {
	return &SignalError{Signal: signal, Err: err}
}

// ActionError represents an action script that failed or timed out.
// It is logged but never alters a decision already synthesized.
type ActionError struct {
	Action string
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %q failed: %v", e.Action, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

func NewActionError(action string, err error) *ActionError {
	return &ActionError{Action: action, Err: err}
}

// ProtocolError indicates a malformed input event. Callers translate
// this into Halt with rule_id "BAD_INPUT".
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("malformed hook event: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func NewProtocolError(err error) *ProtocolError {
	return &ProtocolError{Err: err}
}
