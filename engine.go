// Package cupcake is the single embedding point for the Cupcake
// policy-decision engine: one Engine per loaded .cupcake directory,
// and a convenience Evaluate function for the one-process-per-event
// invocation model real hook front-ends use.
package cupcake

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/cupcake-engine/cupcake/core/action"
	"github.com/cupcake-engine/cupcake/core/compiler"
	"github.com/cupcake-engine/cupcake/core/config"
	"github.com/cupcake-engine/cupcake/core/cupcakeerr"
	"github.com/cupcake-engine/cupcake/core/hook"
	"github.com/cupcake-engine/cupcake/core/loader"
	"github.com/cupcake-engine/cupcake/core/policy"
	"github.com/cupcake-engine/cupcake/core/router"
	"github.com/cupcake-engine/cupcake/core/sandbox"
	"github.com/cupcake-engine/cupcake/core/signal"
	"github.com/cupcake-engine/cupcake/core/synth"
	"github.com/cupcake-engine/cupcake/core/trust"
)

// layout names the well-known subpaths of a .cupcake directory.
const (
	rulebookFile = "rulebook.yml"
	policiesDir  = "policies"
	trustFile    = ".trust"
)

// Engine is one fully initialized evaluation pipeline over a single
// .cupcake directory: a compiled bytecode module, a routing map, a
// trust store, and a rulebook, all read-only once construction
// succeeds. Re-initialization requires discarding the Engine and
// constructing a new one — there is no Reload/Update method.
type Engine struct {
	scope    policy.Scope
	rulebook *config.Rulebook
	trust    *trust.Store
	router   *router.Router
	compiled *compiler.CompiledModule
	host     *sandbox.Host
	signals  *signal.Runner
	actions  *action.Runner
	log      *slog.Logger
}

// EngineOption configures optional Engine construction behavior.
type EngineOption func(*engineOptions)

type engineOptions struct {
	logger        *slog.Logger
	backend       compiler.Backend
	sandboxCfg    sandbox.HostConfig
	hasSandboxCfg bool
}

// WithLogger injects a structured logger; the default is slog.Default().
func WithLogger(l *slog.Logger) EngineOption {
	return func(o *engineOptions) { o.logger = l }
}

// WithCompilerBackend overrides the compiler backend (default: the
// in-process OPA backend).
func WithCompilerBackend(b compiler.Backend) EngineOption {
	return func(o *engineOptions) { o.backend = b }
}

// WithSandboxConfig overrides the default sandbox host configuration
// derived from the rulebook.
func WithSandboxConfig(cfg sandbox.HostConfig) EngineOption {
	return func(o *engineOptions) { o.sandboxCfg = cfg; o.hasSandboxCfg = true }
}

// NewEngine loads and compiles every policy under dir (a .cupcake
// directory) for the given scope, verifying all trust-gated artifacts.
// Any failure here is an InitError: the engine must not start.
func NewEngine(dir string, scope policy.Scope, opts ...EngineOption) (*Engine, error) {
	o := engineOptions{logger: slog.Default(), backend: compiler.DefaultBackend()}
	for _, opt := range opts {
		opt(&o)
	}

	rb, err := config.LoadFile(filepath.Join(dir, rulebookFile))
	if err != nil {
		return nil, cupcakeerr.NewInitError("config", err)
	}

	trustStore, err := trust.OpenOrInit(filepath.Join(dir, trustFile))
	if err != nil {
		return nil, cupcakeerr.NewInitError("trust", err)
	}

	units, systemEntrypoint, err := loader.Load(filepath.Join(dir, policiesDir), scope)
	if err != nil {
		return nil, cupcakeerr.NewInitError("metadata", err)
	}
	o.logger.Info("policies loaded", "scope", scope, "count", len(units))

	for _, u := range append(units[:len(units):len(units)], systemEntrypoint) {
		if err := trustStore.Verify(u.Path); err != nil {
			return nil, cupcakeerr.NewInitError("trust", fmt.Errorf("policy %s: %w", u.Path, err))
		}
	}

	comp := compiler.New(o.backend)
	compiled, err := comp.Compile(context.Background(), scope, units, systemEntrypoint)
	if err != nil {
		return nil, err // already an InitError
	}
	o.logger.Info("policies compiled", "scope", scope, "entrypoint", compiled.Entrypoint)

	hostCfg := o.sandboxCfg
	if !o.hasSandboxCfg {
		hostCfg = sandbox.HostConfig{WasmMaxMemory: rb.WasmMaxMemory}
		if hostCfg.WasmMaxMemory == 0 {
			hostCfg.WasmMaxMemory = sandbox.MinWasmMemoryBytes
		}
	}
	host, err := sandbox.NewHost(hostCfg)
	if err != nil {
		return nil, err // already an InitError
	}

	return &Engine{
		scope:    scope,
		rulebook: rb,
		trust:    trustStore,
		router:   router.New(units),
		compiled: compiled,
		host:     host,
		signals:  signal.New(rb, trustStore),
		actions:  action.New(rb, trustStore, o.logger),
		log:      o.logger,
	}, nil
}

// Evaluate runs the full per-event pipeline: routing, signal
// collection, sandbox invocation, synthesis, and action execution. An
// empty routing-map lookup short-circuits to Allow without invoking
// the sandbox.
func (e *Engine) Evaluate(ctx context.Context, ev *hook.Event) (synth.Decision, error) {
	// requestID correlates this evaluation's log lines (and, via
	// rule_id cross-references, audit trails downstream of the core)
	// without appearing in the wire response — it is a diagnostic
	// handle, not part of the hook-response contract.
	requestID := uuid.New().String()
	log := e.log.With("request_id", requestID, "event", ev.HookEventName, "tool", ev.ToolName)

	if err := ev.Preprocess(); err != nil {
		log.Error("preprocessing failed", "error", err)
		return haltOn(cupcakeerr.NewProtocolError(err)), nil
	}

	units := e.router.Lookup(ev.HookEventName, ev.ToolName)
	if len(units) == 0 {
		log.Debug("no policies matched, short-circuiting to allow")
		return synth.Decision{Outcome: synth.OutcomeAllow}, nil
	}

	names := router.RequiredSignals(units)
	ev.Signals = e.signals.Collect(ctx, ev.ToMap(), names)

	builtinCfg, err := e.rulebook.BuiltinConfig()
	if err != nil {
		return haltOn(cupcakeerr.NewInitError("config", err)), nil
	}
	ev.BuiltinConfig = builtinCfg

	ds, err := e.host.Evaluate(ctx, e.compiled, ev.ToMap())
	if err != nil {
		// Host.Evaluate already returns a synthetic-Halt DecisionSet on
		// error; fall through so the synthesizer carries it forward
		// rather than discarding the fail-closed decision.
		log.Error("sandbox evaluation failed", "error", err)
	}

	decision := synth.Synthesize(ds)
	log.Info("decision synthesized", "outcome", decision.Outcome, "rule_id", decision.RuleID)
	if len(decision.Actions) > 0 {
		e.actions.Run(ctx, decision, decision.Actions)
	}
	return decision, nil
}

func haltOn(err error) synth.Decision {
	return synth.Decision{
		Outcome:  synth.OutcomeHalt,
		RuleID:   "BAD_INPUT",
		Reason:   err.Error(),
		Severity: synth.Critical,
	}
}
