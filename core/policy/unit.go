// Package policy defines the Policy Unit and Routing Directive data
// model: the loaded, frozen representation of one policy source file
// and the routing metadata extracted from it.
package policy

import "strings"

// Scope distinguishes global (machine-wide) policies from
// project-local ones. The Orchestrator evaluates global policies in
// phase 1 and project policies in phase 2.
type Scope string

const (
	ScopeGlobal  Scope = "global"
	ScopeProject Scope = "project"
)

// RoutingDirective is the declared (events, tools, signals) triple a
// policy carries. An empty RequiredTools means "all tools for the
// listed events"; RequiredTools non-empty requires RequiredEvents
// non-empty. HasWildcardTool records whether "*" was used explicitly
// rather than an empty list, for descriptive/inspection purposes — the
// Router treats both forms identically and re-derives wildcard status
// from RequiredTools itself rather than trusting this flag.
type RoutingDirective struct {
	RequiredEvents  []string
	RequiredTools   []string
	RequiredSignals []string
	HasWildcardTool bool
}

// Metadata is the parsed content of a policy's leading METADATA
// comment block.
type Metadata struct {
	Scope         Scope
	Title         string
	Authors       []string
	Organizations []string
	Severity      string
	ID            string
	Routing       RoutingDirective
}

// Unit is one policy source artifact, loaded and frozen at engine
// initialization. It is never mutated during evaluation.
type Unit struct {
	// Package is the dotted namespace identifying the policy
	// (e.g. "cupcake.policies.bash_guard").
	Package string

	// Source is the policy's source text, with the leading METADATA
	// comment block already stripped by the metadata parser.
	Source string

	// Path is the absolute file path the unit was loaded from.
	Path string

	// Scope is global or project.
	Scope Scope

	Metadata Metadata
}

// IsSystemEntrypoint reports whether this unit is the trusted
// aggregation entrypoint package: its dotted package path either is
// "system" outright or ends in ".system" (the Compiler's entrypoint
// query expects the Rego package cupcake.<scope>.system so that global
// and project policy trees compile as fully independent module sets —
// see core/compiler — but the "system" sub-namespace itself is what
// the routing-directive invariant is checking for).
func (u Unit) IsSystemEntrypoint() bool {
	return u.Package == "system" || strings.HasSuffix(u.Package, ".system")
}
