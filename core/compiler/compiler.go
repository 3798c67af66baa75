// Package compiler invokes the policy-language compiler to produce one
// bytecode module from all discovered policies. The policy language is
// Rego; "compiling to a sandboxed bytecode module" is OPA's own
// PrepareForEval step (see Backend and DESIGN.md for why this runs
// in-process rather than shelling out to a separate `opa` binary).
package compiler

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"

	"github.com/cupcake-engine/cupcake/core/cupcakeerr"
	"github.com/cupcake-engine/cupcake/core/policy"
)

// entrypointFor returns the fully-qualified aggregation entrypoint
// query for the given scope, matching the namespace convention in
// the spec: one namespace for global policies, another for project.
func entrypointFor(scope policy.Scope) string {
	switch scope {
	case policy.ScopeGlobal:
		return "data.cupcake.global.system.evaluate"
	default:
		return "data.cupcake.project.system.evaluate"
	}
}

// CompiledModule is the sandboxed bytecode module produced by the
// Compiler: one prepared query exporting the aggregation entrypoint.
type CompiledModule struct {
	Scope      policy.Scope
	Entrypoint string
	Query      rego.PreparedEvalQuery
}

// Backend abstracts the external policy-language compiler so a real
// out-of-process compiler (e.g. `opa build -t wasm`, producing a
// bundle for a separate WASM runtime) can be substituted without
// touching callers. The default backend, opaBackend, compiles
// in-process via OPA's rego package — see DESIGN.md.
type Backend interface {
	Compile(ctx context.Context, scope policy.Scope, entrypoint string, modules map[string]string) (rego.PreparedEvalQuery, error)
}

type opaBackend struct{}

// sandboxUnsafeBuiltins are the networked and clock builtins a policy
// may not call; a module that uses one fails to compile.
var sandboxUnsafeBuiltins = map[string]struct{}{
	"http.send":          {},
	"net.lookup_ip_addr": {},
	"time.now_ns":        {},
}

func (opaBackend) Compile(ctx context.Context, _ policy.Scope, entrypoint string, modules map[string]string) (rego.PreparedEvalQuery, error) {
	opts := []func(*rego.Rego){rego.Query(entrypoint), rego.UnsafeBuiltins(sandboxUnsafeBuiltins)}
	for name, src := range modules {
		opts = append(opts, rego.Module(name, src))
	}
	r := rego.New(opts...)
	return r.PrepareForEval(ctx)
}

// DefaultBackend is the in-process OPA compiler backend.
func DefaultBackend() Backend { return opaBackend{} }

// Compiler compiles the ordered list of discovered Policy Units plus a
// trusted system-evaluate entrypoint unit into one CompiledModule.
// Compilation errors are fatal at init (InitError); the engine must
// not start.
type Compiler struct {
	backend Backend
}

// New creates a Compiler using the given backend. A nil backend uses
// DefaultBackend().
func New(backend Backend) *Compiler {
	if backend == nil {
		backend = DefaultBackend()
	}
	return &Compiler{backend: backend}
}

// Compile produces one bytecode module for scope from units plus the
// required system-evaluate unit.
func (c *Compiler) Compile(ctx context.Context, scope policy.Scope, units []policy.Unit, systemEntrypoint policy.Unit) (*CompiledModule, error) {
	modules := make(map[string]string, len(units)+1)
	for _, u := range units {
		modules[u.Path] = u.Source
	}
	modules[systemEntrypoint.Path] = systemEntrypoint.Source

	entrypoint := entrypointFor(scope)
	query, err := c.backend.Compile(ctx, scope, entrypoint, modules)
	if err != nil {
		return nil, cupcakeerr.NewInitError("compiler", fmt.Errorf("compiling %s policies: %w", scope, err))
	}

	return &CompiledModule{Scope: scope, Entrypoint: entrypoint, Query: query}, nil
}
