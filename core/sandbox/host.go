// Package sandbox loads the compiled bytecode module into a
// memory-bounded runtime and invokes the aggregation entrypoint. The
// runtime is deterministic modulo the input: no network, filesystem,
// or clock access beyond what the host injects (enforced by the
// Compiler rejecting networked and clock builtins — see core/compiler).
package sandbox

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/open-policy-agent/opa/rego"

	"github.com/cupcake-engine/cupcake/core/compiler"
	"github.com/cupcake-engine/cupcake/core/cupcakeerr"
	"github.com/cupcake-engine/cupcake/core/synth"
)

// MinWasmMemoryBytes is the safety floor for wasm_max_memory. Values
// below this are rejected outright at Host construction time — see
// the Open Question resolution in SPEC_FULL.md/DESIGN.md: reject, not
// clamp, so a misconfigured rulebook fails loudly instead of silently
// running with a different ceiling than the operator wrote down.
const MinWasmMemoryBytes int64 = 10 * 1024 * 1024 // 10 MiB

// DefaultExecutionCeiling bounds how long a single sandbox invocation
// may run before it is treated as a SandboxError.
const DefaultExecutionCeiling = 2 * time.Second

// HostConfig configures memory and execution limits for the Sandbox
// Host.
type HostConfig struct {
	WasmMaxMemory    int64
	ExecutionCeiling time.Duration
}

// Host is a memory- and time-bounded runtime for invoking compiled
// bytecode modules.
type Host struct {
	maxMemory int64
	ceiling   time.Duration
}

// NewHost validates cfg and returns a Host. Configuring WasmMaxMemory
// below MinWasmMemoryBytes is an InitError, never a silent clamp.
func NewHost(cfg HostConfig) (*Host, error) {
	if cfg.WasmMaxMemory < MinWasmMemoryBytes {
		return nil, cupcakeerr.NewInitError("sandbox",
			fmt.Errorf("wasm_max_memory %d is below the safety floor of %d bytes", cfg.WasmMaxMemory, MinWasmMemoryBytes))
	}
	ceiling := cfg.ExecutionCeiling
	if ceiling <= 0 {
		ceiling = DefaultExecutionCeiling
	}
	return &Host{maxMemory: cfg.WasmMaxMemory, ceiling: ceiling}, nil
}

// Evaluate invokes the compiled module's aggregation entrypoint with
// the enriched input. It never returns a process-crashing panic to
// the caller and never blocks past the configured execution ceiling:
// both conditions are translated into a synthetic Halt DecisionSet
// with rule_id "SANDBOX_FAILURE", per the fail-closed requirement.
func (h *Host) Evaluate(ctx context.Context, compiled *compiler.CompiledModule, input map[string]any) (synth.DecisionSet, error) {
	ctx, cancel := context.WithTimeout(ctx, h.ceiling)
	defer cancel()

	stop := h.watchMemory(cancel)
	defer stop()

	ds, err := h.run(ctx, compiled, input)
	if err != nil {
		sbErr := cupcakeerr.NewSandboxError("evaluation failed", err)
		return syntheticHalt(sbErr), sbErr
	}
	return ds, nil
}

// run performs the actual prepared-query evaluation, recovering any
// runtime panic from the Rego evaluator so it never escapes as a
// process crash.
func (h *Host) run(ctx context.Context, compiled *compiler.CompiledModule, input map[string]any) (ds synth.DecisionSet, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sandbox panic: %v", r)
		}
	}()

	results, evalErr := compiled.Query.Eval(ctx, rego.EvalInput(input))
	if evalErr != nil {
		if ctx.Err() != nil {
			return synth.DecisionSet{}, fmt.Errorf("execution ceiling exceeded: %w", ctx.Err())
		}
		return synth.DecisionSet{}, evalErr
	}
	if len(results) == 0 {
		// No result means the entrypoint produced no decision object
		// at all — treat as an empty DecisionSet (implicit Allow),
		// not a failure; the aggregation entrypoint always returns a
		// value shape even when every set is empty.
		return synth.DecisionSet{}, nil
	}

	return decodeDecisionSet(results[0].Expressions[0].Value)
}

// watchMemory starts a watchdog goroutine sampling the process heap
// against the configured ceiling, canceling the evaluation if the
// delta since the call started exceeds it. Go's heap cannot be scoped
// per-goroutine, so this is an approximation of true sandbox memory
// bounding (see DESIGN.md); it still guarantees evaluation never
// silently proceeds past the configured ceiling without cancellation.
func (h *Host) watchMemory(cancel context.CancelFunc) (stop func()) {
	var start runtime.MemStats
	runtime.ReadMemStats(&start)

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(25 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				var cur runtime.MemStats
				runtime.ReadMemStats(&cur)
				if int64(cur.HeapAlloc)-int64(start.HeapAlloc) > h.maxMemory {
					cancel()
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

func syntheticHalt(err *cupcakeerr.SandboxError) synth.DecisionSet {
	return synth.DecisionSet{
		Halts: []synth.VerbDecision{
			{
				RuleID:   "SANDBOX_FAILURE",
				Reason:   err.Error(),
				Severity: synth.Critical,
			},
		},
	}
}
