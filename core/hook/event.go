package hook

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cupcake-engine/cupcake/core/cupcakeerr"
)

// filePathKeys are the tool_input keys, in priority order, that
// commonly carry a path for file-bearing tools. Different agent
// front-ends name the field differently (file_path, path, notebook_path).
var filePathKeys = []string{"file_path", "path", "notebook_path"}

// Event is the evaluation input: a hook event emitted by the agent,
// optionally enriched during preprocessing.
type Event struct {
	HookEventName string         `json:"hook_event_name"`
	ToolName      string         `json:"tool_name,omitempty"`
	ToolInput     map[string]any `json:"tool_input,omitempty"`

	// Populated by Preprocess for file-bearing tool events.
	IsSymlink        bool   `json:"is_symlink,omitempty"`
	ResolvedFilePath string `json:"resolved_file_path,omitempty"`
	OriginalFilePath string `json:"original_file_path,omitempty"`

	// Populated by the engine before sandbox invocation.
	Signals       map[string]any `json:"signals,omitempty"`
	BuiltinConfig map[string]any `json:"builtin_config,omitempty"`

	// Raw retains every field of the original JSON object so fields the
	// engine does not model are preserved through to the sandbox input.
	Raw map[string]any `json:"-"`
}

// Parse decodes one JSON hook event. A malformed object or a missing
// hook_event_name is a ProtocolError.
func Parse(data []byte) (*Event, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, cupcakeerr.NewProtocolError(fmt.Errorf("invalid JSON: %w", err))
	}

	name, _ := raw["hook_event_name"].(string)
	if name == "" {
		return nil, cupcakeerr.NewProtocolError(fmt.Errorf("missing hook_event_name"))
	}

	ev := &Event{
		HookEventName: name,
		Raw:           raw,
	}
	if toolName, ok := raw["tool_name"].(string); ok {
		ev.ToolName = toolName
	}
	if input, ok := raw["tool_input"].(map[string]any); ok {
		ev.ToolInput = input
	}
	return ev, nil
}

// Preprocess resolves symlinks for file-bearing tool events, adding
// is_symlink, resolved_file_path, and original_file_path to the event
// before it is routed and evaluated.
func (e *Event) Preprocess() error {
	if !IsToolBearing(Name(e.HookEventName)) || e.ToolInput == nil {
		return nil
	}

	rawPath := e.extractPath()
	if rawPath == "" {
		return nil
	}

	abs, err := filepath.Abs(rawPath)
	if err != nil {
		return cupcakeerr.NewProtocolError(fmt.Errorf("resolve absolute path: %w", err))
	}
	e.OriginalFilePath = abs

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// The path may not exist yet (e.g. a Write creating a new
		// file) — that is not a protocol error, just no resolution.
		e.ResolvedFilePath = abs
		return nil
	}

	e.ResolvedFilePath = resolved
	e.IsSymlink = resolved != abs
	return nil
}

func (e *Event) extractPath() string {
	for _, key := range filePathKeys {
		if v, ok := e.ToolInput[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// ToMap renders the event (including enrichment) as the flat map the
// sandbox host passes as `input` to the bytecode entrypoint.
func (e *Event) ToMap() map[string]any {
	out := make(map[string]any, len(e.Raw)+6)
	for k, v := range e.Raw {
		out[k] = v
	}
	out["hook_event_name"] = e.HookEventName
	if e.ToolName != "" {
		out["tool_name"] = e.ToolName
	}
	if e.ToolInput != nil {
		out["tool_input"] = e.ToolInput
	}
	if e.OriginalFilePath != "" {
		out["original_file_path"] = e.OriginalFilePath
		out["resolved_file_path"] = e.ResolvedFilePath
		out["is_symlink"] = e.IsSymlink
	}
	if e.Signals != nil {
		out["signals"] = e.Signals
	}
	if e.BuiltinConfig != nil {
		out["builtin_config"] = e.BuiltinConfig
	}
	return out
}
