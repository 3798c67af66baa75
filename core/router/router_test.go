package router

import (
	"reflect"
	"testing"

	"github.com/cupcake-engine/cupcake/core/policy"
)

func unit(events, tools, signals []string) policy.Unit {
	return policy.Unit{
		Metadata: policy.Metadata{
			Routing: policy.RoutingDirective{
				RequiredEvents:  events,
				RequiredTools:   tools,
				RequiredSignals: signals,
				HasWildcardTool: containsWildcardTool(tools),
			},
		},
	}
}

func TestLookup_SpecificToolKeyPreferred(t *testing.T) {
	bash := unit([]string{"PreToolUse"}, []string{"Bash"}, nil)
	r := New([]policy.Unit{bash})

	got := r.Lookup("PreToolUse", "Bash")
	if len(got) != 1 {
		t.Fatalf("Lookup = %d units, want 1", len(got))
	}
}

func TestLookup_BareEventFallback(t *testing.T) {
	any := unit([]string{"UserPromptSubmit"}, nil, nil)
	r := New([]policy.Unit{any})

	got := r.Lookup("UserPromptSubmit", "")
	if len(got) != 1 {
		t.Fatalf("Lookup = %d units, want 1", len(got))
	}
}

func TestLookup_NoMatchReturnsEmpty(t *testing.T) {
	r := New(nil)
	got := r.Lookup("PreToolUse", "Bash")
	if len(got) != 0 {
		t.Fatalf("Lookup = %d units, want 0", len(got))
	}
}

// TestLookup_WildcardExpansion covers the invariant that a
// required_tools-empty ("*") policy registered for an event also
// applies to every specific event:tool key that event produced,
// appended after the specific policy in discovery order.
func TestLookup_WildcardExpansion(t *testing.T) {
	specific := unit([]string{"PreToolUse"}, []string{"Bash"}, nil)
	wildcard := unit([]string{"PreToolUse"}, []string{"*"}, nil)
	r := New([]policy.Unit{specific, wildcard})

	got := r.Lookup("PreToolUse", "Bash")
	if len(got) != 2 {
		t.Fatalf("Lookup = %d units, want 2 (specific + wildcard)", len(got))
	}
	if !reflect.DeepEqual(got[0], specific) {
		t.Errorf("expected specific policy first (discovery order)")
	}
	if !reflect.DeepEqual(got[1], wildcard) {
		t.Errorf("expected wildcard policy appended last")
	}
}

// TestLookup_WildcardDoesNotLeakAcrossEvents ensures a wildcard
// registered under one event never answers a Lookup for another.
func TestLookup_WildcardDoesNotLeakAcrossEvents(t *testing.T) {
	wildcard := unit([]string{"PreToolUse"}, []string{"*"}, nil)
	other := unit([]string{"PostToolUse"}, []string{"Write"}, nil)
	r := New([]policy.Unit{wildcard, other})

	got := r.Lookup("PostToolUse", "Write")
	if len(got) != 1 {
		t.Fatalf("Lookup = %d units, want 1 (no leaked wildcard)", len(got))
	}
}

func TestRequiredSignals_DedupedAndSorted(t *testing.T) {
	a := unit([]string{"PreToolUse"}, []string{"Bash"}, []string{"git_branch", "env"})
	b := unit([]string{"PreToolUse"}, []string{"Write"}, []string{"env", "approval"})

	got := RequiredSignals([]policy.Unit{a, b})
	want := []string{"approval", "env", "git_branch"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("RequiredSignals = %v, want %v", got, want)
	}
}

func TestRequiredSignals_EmptyWhenNoneDeclared(t *testing.T) {
	a := unit([]string{"PreToolUse"}, []string{"Bash"}, nil)
	got := RequiredSignals([]policy.Unit{a})
	if len(got) != 0 {
		t.Fatalf("RequiredSignals = %v, want empty", got)
	}
}
