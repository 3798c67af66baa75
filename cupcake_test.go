package cupcake

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cupcake-engine/cupcake/core/hook"
	"github.com/cupcake-engine/cupcake/core/policy"
	"github.com/cupcake-engine/cupcake/core/synth"
	"github.com/cupcake-engine/cupcake/core/trust"
)

// systemEvaluateSource is the trusted aggregation entrypoint shared by
// every fixture .cupcake directory in this file: it tree-walks the
// project policy namespace and collects every set named halt, deny,
// block, ask, modify, or add_context, per the "aggregation by
// tree-walk" design note.
const systemEvaluateSource = `package cupcake.project.system

import rego.v1

evaluate := {
	"halt": collect("halt"),
	"deny": collect("deny"),
	"block": collect("block"),
	"ask": collect("ask"),
	"modify": collect("modify"),
	"add_context": collect("add_context"),
}

collect(verb) := result if {
	result := [decision |
		walk(data.cupcake.project.policies, [path, value])
		count(path) > 0
		path[count(path) - 1] == verb
		some decision in value
	]
}
`

// writeFixture builds a minimal .cupcake directory under t.TempDir()
// containing rulebook.yml, policies/system.policy (the system-evaluate
// package), and the given
// named policy sources, in the style of
// borisdali-helpdesk/agentutil/agentutil_test.go's writeTempPolicyFile.
// It does not initialize trust — callers needing a constructible
// Engine should use newTestEngine, which tags every policy file (and
// any extra signal/action sources) the way the out-of-scope `trust
// init` front-end would before the core ever sees the directory.
func writeFixture(t *testing.T, rulebookYAML string, policies map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	pd := filepath.Join(dir, policiesDir)
	if err := os.MkdirAll(pd, 0o755); err != nil {
		t.Fatalf("mkdir policies: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, rulebookFile), []byte(rulebookYAML), 0o644); err != nil {
		t.Fatalf("write rulebook: %v", err)
	}
	if err := os.WriteFile(filepath.Join(pd, "system.policy"), []byte(systemEvaluateSource), 0o644); err != nil {
		t.Fatalf("write system policy: %v", err)
	}
	for name, src := range policies {
		if err := os.WriteFile(filepath.Join(pd, name+".policy"), []byte(src), 0o644); err != nil {
			t.Fatalf("write policy %s: %v", name, err)
		}
	}
	return dir
}

const baseRulebook = `
wasm_max_memory: 16777216
signal_timeout_ms: 2000
action_timeout_ms: 2000
`

// initTrust stands in for the out-of-scope `cupcake trust init`
// front-end: it generates a fresh key, tags every *.policy file under
// dir plus extraPaths (signal/action scripts a test's rulebook
// references), and persists the manifest and key exactly where
// OpenOrInit expects to find them.
func initTrust(t *testing.T, dir string, extraPaths ...string) {
	t.Helper()
	manifestPath := filepath.Join(dir, trustFile)

	key, err := trust.GenerateKey()
	if err != nil {
		t.Fatalf("generate trust key: %v", err)
	}
	if err := os.WriteFile(manifestPath+".key", key, 0o600); err != nil {
		t.Fatalf("write trust key: %v", err)
	}

	var paths []string
	pd := filepath.Join(dir, policiesDir)
	walkErr := filepath.WalkDir(pd, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && filepath.Ext(path) == ".policy" {
			paths = append(paths, path)
		}
		return nil
	})
	if walkErr != nil {
		t.Fatalf("walk policies: %v", walkErr)
	}
	paths = append(paths, extraPaths...)

	store := trust.New(key, manifestPath)
	if err := store.Init(paths); err != nil {
		t.Fatalf("init trust store: %v", err)
	}
}

func newTestEngine(t *testing.T, rulebookYAML string, policies map[string]string, extraTrustPaths ...string) *Engine {
	t.Helper()
	dir := writeFixture(t, rulebookYAML, policies)
	initTrust(t, dir, extraTrustPaths...)
	eng, err := NewEngine(dir, policy.ScopeProject)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return eng
}

// bashGuardPolicy halts any Bash command that is exactly "rm -rf /".
const bashGuardPolicy = `# custom:
#   id: BASH_GUARD
#   routing:
#     required_events: ["PreToolUse"]
#     required_tools: ["Bash"]
package cupcake.project.policies.bash_guard

import rego.v1

halt contains decision if {
	input.tool_name == "Bash"
	input.tool_input.command == "rm -rf /"
	decision := {
		"rule_id": "BASH_GUARD_HALT",
		"reason": "refusing to run rm -rf /",
		"severity": "CRITICAL",
	}
}
`

// TestS1_DangerousShellCommandHalted covers spec scenario S1.
func TestS1_DangerousShellCommandHalted(t *testing.T) {
	eng := newTestEngine(t, baseRulebook, map[string]string{"bash_guard": bashGuardPolicy})

	ev, err := hook.Parse([]byte(`{"hook_event_name":"PreToolUse","tool_name":"Bash","tool_input":{"command":"rm -rf /"}}`))
	if err != nil {
		t.Fatalf("parse event: %v", err)
	}

	decision, err := eng.Evaluate(context.Background(), ev)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Outcome != synth.OutcomeHalt {
		t.Fatalf("expected Halt, got %s", decision.Outcome)
	}
	if !strings.Contains(decision.RuleID, "HALT") {
		t.Errorf("expected rule_id to contain HALT, got %q", decision.RuleID)
	}
	if decision.Severity != synth.Critical {
		t.Errorf("expected CRITICAL severity, got %s", decision.Severity)
	}
}

// mainPushGuardPolicy denies a push to main, conditioned on the
// git_branch signal.
const mainPushGuardPolicy = `# custom:
#   id: MAIN_PUSH_GUARD
#   routing:
#     required_events: ["PreToolUse"]
#     required_tools: ["Bash"]
#     required_signals: ["git_branch"]
package cupcake.project.policies.main_push_guard

import rego.v1

deny contains decision if {
	input.tool_name == "Bash"
	input.tool_input.command == "git push origin main"
	input.signals.git_branch == "main"
	decision := {
		"rule_id": "MAIN_PUSH_DENY",
		"reason": "direct pushes to main are not allowed",
		"severity": "HIGH",
	}
}
`

// TestS2_SignalConditionedDeny covers spec scenario S2.
func TestS2_SignalConditionedDeny(t *testing.T) {
	signalPath := writeSignalFile(t, "main")
	rb := baseRulebook + "\nsignals:\n  git_branch:\n    file: " + signalPath + "\n"
	eng := newTestEngine(t, rb, map[string]string{"main_push_guard": mainPushGuardPolicy}, signalPath)

	ev, err := hook.Parse([]byte(`{"hook_event_name":"PreToolUse","tool_name":"Bash","tool_input":{"command":"git push origin main"}}`))
	if err != nil {
		t.Fatalf("parse event: %v", err)
	}

	decision, err := eng.Evaluate(context.Background(), ev)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Outcome != synth.OutcomeDeny {
		t.Fatalf("expected Deny, got %s", decision.Outcome)
	}
	if !strings.Contains(decision.RuleID, "MAIN_PUSH") {
		t.Errorf("expected rule_id to reference main-push, got %q", decision.RuleID)
	}
}

func writeSignalFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "branch.txt")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write signal file: %v", err)
	}
	return path
}

// wildcardCupcakeDirGuard is a wildcard-tool policy (required_tools
// empty) denying any write under .cupcake/.
const wildcardCupcakeDirGuard = `# custom:
#   id: CUPCAKE_DIR_GUARD
#   routing:
#     required_events: ["PreToolUse"]
package cupcake.project.policies.cupcake_dir_guard

import rego.v1

deny contains decision if {
	input.tool_name == "Write"
	contains(input.tool_input.file_path, "/.cupcake/")
	decision := {
		"rule_id": "CUPCAKE_DIR_GUARD_DENY",
		"reason": "refusing to write inside .cupcake/",
		"severity": "HIGH",
	}
}
`

// TestS3_WildcardRouting covers spec scenario S3: a wildcard policy
// (no required_tools) matches a Write event with no Write-specific
// policy registered.
func TestS3_WildcardRouting(t *testing.T) {
	eng := newTestEngine(t, baseRulebook, map[string]string{"cupcake_dir_guard": wildcardCupcakeDirGuard})

	ev, err := hook.Parse([]byte(`{"hook_event_name":"PreToolUse","tool_name":"Write","tool_input":{"file_path":"/proj/.cupcake/x"}}`))
	if err != nil {
		t.Fatalf("parse event: %v", err)
	}

	decision, err := eng.Evaluate(context.Background(), ev)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Outcome != synth.OutcomeDeny {
		t.Fatalf("expected Deny, got %s", decision.Outcome)
	}
}

// dangerousDirsPolicy denies a Write to a symlink whose resolved path
// contains "/etc/", catching symlink escapes via resolved_file_path.
const dangerousDirsPolicy = `# custom:
#   id: DANGEROUS_DIRS
#   routing:
#     required_events: ["PreToolUse"]
#     required_tools: ["Write"]
package cupcake.project.policies.dangerous_dirs

import rego.v1

deny contains decision if {
	input.is_symlink == true
	contains(input.resolved_file_path, "/etc/")
	decision := {
		"rule_id": "DANGEROUS_DIRS_DENY",
		"reason": "symlink resolves outside the project into a system directory",
		"severity": "CRITICAL",
	}
}
`

// TestS4_SymlinkDetectionViaPreprocessing covers spec scenario S4.
func TestS4_SymlinkDetectionViaPreprocessing(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "passwd-like")
	if err := os.WriteFile(target, []byte("root:x:0:0"), 0o644); err != nil {
		t.Fatalf("write target: %v", err)
	}
	// Name the symlink target so resolved_file_path contains "/etc/" —
	// the fixture substitutes a temp-dir "etc" subdirectory for the
	// real /etc/passwd to stay within the sandboxed test environment.
	etcDir := filepath.Join(dir, "etc")
	if err := os.MkdirAll(etcDir, 0o755); err != nil {
		t.Fatalf("mkdir etc: %v", err)
	}
	realTarget := filepath.Join(etcDir, "passwd")
	if err := os.Rename(target, realTarget); err != nil {
		t.Fatalf("rename target: %v", err)
	}

	link := filepath.Join(dir, "link")
	if err := os.Symlink(realTarget, link); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	eng := newTestEngine(t, baseRulebook, map[string]string{"dangerous_dirs": dangerousDirsPolicy})

	ev, err := hook.Parse([]byte(`{"hook_event_name":"PreToolUse","tool_name":"Write","tool_input":{"file_path":"` + link + `"}}`))
	if err != nil {
		t.Fatalf("parse event: %v", err)
	}

	decision, err := eng.Evaluate(context.Background(), ev)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Outcome != synth.OutcomeDeny {
		t.Fatalf("expected Deny, got %s (reason=%s)", decision.Outcome, decision.Reason)
	}
}

// contextOnlyPolicy only contributes add_context, never deny/halt.
const contextOnlyPolicy = `# custom:
#   id: CONTEXT_HINT
#   routing:
#     required_events: ["UserPromptSubmit"]
package cupcake.project.policies.context_hint

import rego.v1

add_context contains decision if {
	decision := {
		"rule_id": "CONTEXT_HINT",
		"reason": "house rules reminder",
		"severity": "LOW",
		"context": "remember to run the test suite before committing",
	}
}
`

// TestS5_ContextInjectionOnly covers spec scenario S5.
func TestS5_ContextInjectionOnly(t *testing.T) {
	eng := newTestEngine(t, baseRulebook, map[string]string{"context_hint": contextOnlyPolicy})

	ev, err := hook.Parse([]byte(`{"hook_event_name":"UserPromptSubmit"}`))
	if err != nil {
		t.Fatalf("parse event: %v", err)
	}

	decision, err := eng.Evaluate(context.Background(), ev)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Outcome != synth.OutcomeAllowWithContext {
		t.Fatalf("expected AllowWithContext, got %s", decision.Outcome)
	}
	if !strings.Contains(decision.Context, "test suite") {
		t.Errorf("expected context to carry the configured string, got %q", decision.Context)
	}
	if decision.Outcome == synth.OutcomeDeny || decision.Outcome == synth.OutcomeHalt {
		t.Fatalf("context-only policy must never deny or halt")
	}
}

// gatedPolicy only fires when a positive signal value is present,
// used by TestS6 to show a trust-failed signal never lets the gated
// rule match.
const gatedPolicy = `# custom:
#   id: GATED_ON_SIGNAL
#   routing:
#     required_events: ["PreToolUse"]
#     required_tools: ["Bash"]
#     required_signals: ["approval"]
package cupcake.project.policies.gated_on_signal

import rego.v1

deny contains decision if {
	input.signals.approval == "granted"
	decision := {
		"rule_id": "GATED_ON_SIGNAL_DENY",
		"reason": "should never fire when the signal is untrusted",
		"severity": "HIGH",
	}
}
`

// TestS6_TrustFailureOnSignal covers spec scenario S6: a signal
// command whose trust tag does not match the manifest must surface as
// {"error": "trust verification failed"} and the command must never
// execute — verified indirectly, since the gated policy (which would
// only fire on a positive signal value) must not fire.
func TestS6_TrustFailureOnSignal(t *testing.T) {
	scriptDir := t.TempDir()
	script := filepath.Join(scriptDir, "approval.sh")
	marker := filepath.Join(scriptDir, "ran")
	body := "#!/bin/sh\ntouch '" + marker + "'\necho granted\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	rb := baseRulebook + "\nsignals:\n  approval:\n    command: " + script + "\n"
	dir := writeFixture(t, rb, map[string]string{"gated_on_signal": gatedPolicy})
	initTrust(t, dir, script)

	eng, err := NewEngine(dir, policy.ScopeProject)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	// Tamper with the script after the manifest was tagged, so its
	// HMAC no longer matches what Collect verifies at evaluation time.
	if err := os.WriteFile(script, []byte(body+"\n# tampered\n"), 0o755); err != nil {
		t.Fatalf("tamper script: %v", err)
	}

	ev, err := hook.Parse([]byte(`{"hook_event_name":"PreToolUse","tool_name":"Bash","tool_input":{"command":"anything"}}`))
	if err != nil {
		t.Fatalf("parse event: %v", err)
	}

	decision, err := eng.Evaluate(context.Background(), ev)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Outcome == synth.OutcomeDeny {
		t.Fatalf("gated policy must not fire when its signal failed trust verification")
	}
	if _, statErr := os.Stat(marker); statErr == nil {
		t.Fatalf("tampered signal script must never have executed")
	}
}

// TestEmptyRoutingShortCircuitsToAllow covers the Router invariant
// that an event matching no policy never invokes the sandbox at all.
func TestEmptyRoutingShortCircuitsToAllow(t *testing.T) {
	eng := newTestEngine(t, baseRulebook, map[string]string{"bash_guard": bashGuardPolicy})

	ev, err := hook.Parse([]byte(`{"hook_event_name":"SessionStart"}`))
	if err != nil {
		t.Fatalf("parse event: %v", err)
	}

	decision, err := eng.Evaluate(context.Background(), ev)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Outcome != synth.OutcomeAllow {
		t.Fatalf("expected Allow for an unmatched event, got %s", decision.Outcome)
	}
}
