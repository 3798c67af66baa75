// Package router builds the event[:tool] → policies map and resolves
// the signal-union for a matched set, per the Router component design.
package router

import (
	"sort"

	"github.com/cupcake-engine/cupcake/core/policy"
)

// Router is a read-only, once-built mapping from routing key to an
// ordered list of Policy Units. Output order is deterministic
// (discovery/insertion order).
type Router struct {
	byKey map[string][]policy.Unit
	// specificSeen records which "event:tool" keys received an
	// explicit, non-wildcard entry, so wildcard expansion only needs
	// to walk events that actually produced a specific key.
	specificSeen map[string]bool
}

// New builds a Router from the ordered list of discovered Policy
// Units. Construction is O(units × keys-per-unit) plus one wildcard
// expansion pass; the result is never mutated afterward.
func New(units []policy.Unit) *Router {
	r := &Router{
		byKey:        make(map[string][]policy.Unit),
		specificSeen: make(map[string]bool),
	}

	type wildcardEntry struct {
		event string
		unit  policy.Unit
	}
	var wildcards []wildcardEntry

	for _, u := range units {
		dir := u.Metadata.Routing
		// "*" in required_tools is equivalent to an empty required_tools
		// for key derivation, per the Router's own key-derivation rule —
		// this holds regardless of whether the Metadata Parser already
		// normalized it away, since the Router must not depend on an
		// upstream pass to honor its own spec'd invariant.
		if len(dir.RequiredTools) == 0 || containsWildcardTool(dir.RequiredTools) {
			for _, e := range dir.RequiredEvents {
				r.byKey[e] = append(r.byKey[e], u)
				wildcards = append(wildcards, wildcardEntry{event: e, unit: u})
			}
			continue
		}
		for _, e := range dir.RequiredEvents {
			for _, t := range dir.RequiredTools {
				key := e + ":" + t
				r.byKey[key] = append(r.byKey[key], u)
				r.specificSeen[key] = true
			}
		}
	}

	// Wildcard expansion: for every event that received at least one
	// specific Event:Tool key, append every wildcard policy registered
	// for that event to each such key, preserving discovery order.
	for key := range r.specificSeen {
		event := eventOf(key)
		for _, w := range wildcards {
			if w.event == event {
				r.byKey[key] = append(r.byKey[key], w.unit)
			}
		}
	}

	return r
}

// Lookup returns the policies that apply to (event, tool). It returns
// the more specific "event:tool" list if present, else the bare event
// list. An empty result means no policies apply.
func (r *Router) Lookup(event, tool string) []policy.Unit {
	if tool != "" {
		if units, ok := r.byKey[event+":"+tool]; ok {
			return units
		}
	}
	return r.byKey[event]
}

// RequiredSignals returns the deduplicated, sorted union of
// required_signals across units. Sorting gives the Signal Runner a
// reproducible fan-out order even though execution itself is
// concurrent.
func RequiredSignals(units []policy.Unit) []string {
	seen := make(map[string]bool)
	var out []string
	for _, u := range units {
		for _, s := range u.Metadata.Routing.RequiredSignals {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	sort.Strings(out)
	return out
}

// containsWildcardTool reports whether tools names "*" explicitly —
// the Router's own check, independent of whether the Metadata Parser
// already normalized "*" away into an empty list upstream.
func containsWildcardTool(tools []string) bool {
	for _, t := range tools {
		if t == "*" {
			return true
		}
	}
	return false
}

func eventOf(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i]
		}
	}
	return key
}
