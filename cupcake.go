package cupcake

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"

	"github.com/cupcake-engine/cupcake/core/hook"
	"github.com/cupcake-engine/cupcake/core/orchestrator"
	"github.com/cupcake-engine/cupcake/core/policy"
	"github.com/cupcake-engine/cupcake/core/synth"
)

// GlobalOverrideEnv is the environment variable name some hosts use to
// propose an alternative global-config directory. The core never
// reads it directly — see Orchestrator.AuthorizedOverridePath; this
// constant exists only so an out-of-scope CLI front-end can name the
// one variable it is permitted to forward, and nothing else, into
// NewOrchestrator's overridePath argument.
const GlobalOverrideEnv = "CUPCAKE_GLOBAL_CONFIG"

// Orchestrator is the two-phase global/project evaluation driver. See
// core/orchestrator for the phase semantics; this wrapper exists so
// callers construct it from directory paths instead of hand-building
// two Engines.
type Orchestrator struct {
	inner *orchestrator.Orchestrator
}

// NewOrchestrator loads the project engine from projectDir (required)
// and, if globalDir is non-empty, the global engine from globalDir.
// overridePath is a candidate alternative to globalDir proposed by the
// host invocation (a command-line flag only — never read from the
// environment here); it is honored only when the project's trust
// store has it recorded as an authorized override.
func NewOrchestrator(globalDir, projectDir, overridePath string, opts ...EngineOption) (*Orchestrator, error) {
	project, err := NewEngine(projectDir, policy.ScopeProject, opts...)
	if err != nil {
		return nil, err
	}

	if overridePath != "" && project.trust.IsAuthorizedOverride(overridePath) {
		globalDir = overridePath
	}

	var global *Engine
	if globalDir != "" {
		global, err = NewEngine(globalDir, policy.ScopeGlobal, opts...)
		if err != nil {
			return nil, err
		}
	}

	var globalEvaluator orchestrator.EvaluatorEngine
	if global != nil {
		globalEvaluator = global
	}

	return &Orchestrator{
		inner: orchestrator.New(globalEvaluator, project, project.trust, overridePath),
	}, nil
}

// Evaluate runs the two-phase pipeline. See core/orchestrator.Evaluate.
func (o *Orchestrator) Evaluate(ctx context.Context, ev *hook.Event) (synth.Decision, error) {
	return o.inner.Evaluate(ctx, ev)
}

// Evaluate is the single process-boundary function: it reads one JSON
// hook event from r, runs the full pipeline through eng, writes one
// JSON Response to w, and returns the process exit code (0 for
// Allow/AllowWithContext, non-zero otherwise). eng is any type
// implementing Evaluate(ctx, *hook.Event) (synth.Decision, error) —
// both *Engine and *Orchestrator satisfy it.
func Evaluate(ctx context.Context, eng interface {
	Evaluate(ctx context.Context, ev *hook.Event) (synth.Decision, error)
}, r io.Reader, w io.Writer) int {
	data, err := io.ReadAll(r)
	if err != nil {
		return writeResponse(w, haltOn(errors.New("read input: "+err.Error())))
	}

	ev, err := hook.Parse(data)
	if err != nil {
		slog.Default().Error("malformed hook event", "error", err)
		return writeResponse(w, haltOn(err))
	}

	decision, err := eng.Evaluate(ctx, ev)
	if err != nil {
		slog.Default().Error("evaluation failed", "error", err)
		return writeResponse(w, haltOn(err))
	}

	return writeResponse(w, decision)
}

func writeResponse(w io.Writer, d synth.Decision) int {
	resp := toResponse(d)
	enc := json.NewEncoder(w)
	_ = enc.Encode(resp)
	return resp.ExitCode()
}

func toResponse(d synth.Decision) hook.Response {
	return hook.Response{
		Decision: outcomeToWire(d.Outcome),
		Reason:   d.Reason,
		Context:  d.Context,
		Question: d.Question,
		RuleID:   d.RuleID,
		Severity: string(d.Severity),
	}
}

func outcomeToWire(o synth.Outcome) hook.Outcome {
	switch o {
	case synth.OutcomeHalt:
		return hook.OutcomeHalt
	case synth.OutcomeDeny:
		return hook.OutcomeDeny
	case synth.OutcomeBlock:
		return hook.OutcomeBlock
	case synth.OutcomeAsk:
		return hook.OutcomeAsk
	default:
		return hook.OutcomeAllow
	}
}
