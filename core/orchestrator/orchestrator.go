// Package orchestrator drives the two-phase global/project evaluation
// and its early-termination semantics, per the Global/Project
// Orchestrator component design.
package orchestrator

import (
	"context"

	"github.com/cupcake-engine/cupcake/core/hook"
	"github.com/cupcake-engine/cupcake/core/synth"
	"github.com/cupcake-engine/cupcake/core/trust"
)

// EvaluatorEngine is the subset of *cupcake.Engine the Orchestrator
// needs. It is an interface (rather than a concrete *cupcake.Engine
// dependency) so this package never imports the root cupcake package
// — the root package already imports core/orchestrator's siblings,
// and a direct dependency back would cycle.
type EvaluatorEngine interface {
	Evaluate(ctx context.Context, ev *hook.Event) (synth.Decision, error)
}

// Orchestrator wraps up to two engines: project is always present;
// global is optional. When present, global policies run in phase 1
// and can veto or pre-empt project evaluation entirely.
type Orchestrator struct {
	global  EvaluatorEngine
	project EvaluatorEngine
	trust   *trust.Store

	// globalOverridePath is the one sanctioned override to the default
	// global-config discovery path, resolved once at construction time
	// — never re-read from the environment inside Evaluate. It is used
	// only if IsAuthorizedOverride(globalOverridePath) is true on the
	// construction-time trust store; otherwise it is ignored.
	globalOverridePath string
}

// New constructs an Orchestrator. global may be nil if no global
// configuration is active, in which case Evaluate runs project-only.
// overridePath is the candidate global-config path a host invocation
// (command-line flag, never an environment variable) proposed; it is
// honored only if pre-authorized in trustStore.
func New(global, project EvaluatorEngine, trustStore *trust.Store, overridePath string) *Orchestrator {
	return &Orchestrator{
		global:             global,
		project:            project,
		trust:              trustStore,
		globalOverridePath: overridePath,
	}
}

// AuthorizedOverridePath returns overridePath if it has been
// pre-authorized by the trust store, else "". Callers that resolve
// the global-config directory should call this before falling back to
// the default discovery path, per the requirement that the discovery
// path not be controllable by untrusted input channels.
func (o *Orchestrator) AuthorizedOverridePath() string {
	if o.globalOverridePath == "" || o.trust == nil {
		return ""
	}
	if !o.trust.IsAuthorizedOverride(o.globalOverridePath) {
		return ""
	}
	return o.globalOverridePath
}

// Evaluate runs phase 1 (global, if present) and, unless phase 1
// already terminated or surfaced a structured question, phase 2
// (project). Phase-1 add_context is retained and appended after
// phase-2 context on a non-terminal final outcome.
func (o *Orchestrator) Evaluate(ctx context.Context, ev *hook.Event) (synth.Decision, error) {
	if o.global == nil {
		return o.project.Evaluate(ctx, ev)
	}

	phase1, err := o.global.Evaluate(ctx, ev)
	if err != nil {
		return phase1, err
	}

	// Global supremacy: Halt/Deny from phase 1 returns immediately —
	// the project cannot override. Ask/Block also return immediately;
	// only add_context is carried forward into phase 2.
	switch phase1.Outcome {
	case synth.OutcomeHalt, synth.OutcomeDeny, synth.OutcomeAsk, synth.OutcomeBlock:
		return phase1, nil
	}

	phase2, err := o.project.Evaluate(ctx, ev)
	if err != nil {
		return phase2, err
	}

	return mergeContext(phase1, phase2), nil
}

// mergeContext appends phase-1 global context after phase-2 project
// context on the final decision, leaving every other field as phase 2
// produced it.
func mergeContext(phase1, phase2 synth.Decision) synth.Decision {
	if phase1.Context == "" {
		return phase2
	}
	merged := phase2
	switch {
	case merged.Context == "":
		merged.Context = phase1.Context
		if merged.Outcome == synth.OutcomeAllow {
			merged.Outcome = synth.OutcomeAllowWithContext
		}
	default:
		merged.Context = merged.Context + "\n" + phase1.Context
	}
	return merged
}
