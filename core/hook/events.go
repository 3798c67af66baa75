// Package hook models the evaluation input and output contract: the
// JSON shape an agent front-end emits per hook event, and the JSON
// shape the engine returns.
package hook

// Name is a recognized hook event name. The set is a fixed enumeration;
// the Metadata Parser rejects any routing directive that names an
// event outside it.
type Name string

const (
	PreToolUse       Name = "PreToolUse"
	PostToolUse      Name = "PostToolUse"
	UserPromptSubmit Name = "UserPromptSubmit"
	SessionStart     Name = "SessionStart"
	SessionEnd       Name = "SessionEnd"
	Notification     Name = "Notification"
	Stop             Name = "Stop"
	SubagentStop     Name = "SubagentStop"
	PreCompact       Name = "PreCompact"
)

// recognized is the fixed enumeration of valid hook event names,
// exported via IsRecognized, which the metadata parser uses to
// validate routing directives.
var recognized = map[Name]bool{
	PreToolUse:       true,
	PostToolUse:      true,
	UserPromptSubmit: true,
	SessionStart:     true,
	SessionEnd:       true,
	Notification:     true,
	Stop:             true,
	SubagentStop:     true,
	PreCompact:       true,
}

// IsRecognized reports whether name is one of the fixed set of hook
// events the engine understands.
func IsRecognized(name string) bool {
	return recognized[Name(name)]
}

// IsToolBearing reports whether events of this name carry tool_name /
// tool_input and are therefore eligible for file-path preprocessing.
func IsToolBearing(name Name) bool {
	return name == PreToolUse || name == PostToolUse
}
