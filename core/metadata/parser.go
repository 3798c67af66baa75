// Package metadata extracts the routing directive and descriptive
// metadata from the leading comment block of a policy file.
package metadata

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cupcake-engine/cupcake/core/hook"
	"github.com/cupcake-engine/cupcake/core/policy"
)

// commentMarker is the line-comment prefix the policy language (Rego)
// uses; a METADATA block is a contiguous run of comment lines at the
// top of the file.
const commentMarker = "#"

// rawDoc mirrors the recognized top-level METADATA keys for YAML
// decoding before validation.
type rawDoc struct {
	Scope         string   `yaml:"scope"`
	Title         string   `yaml:"title"`
	Authors       []string `yaml:"authors"`
	Organizations []string `yaml:"organizations"`
	Custom        struct {
		Severity string      `yaml:"severity"`
		ID       string      `yaml:"id"`
		Routing  *rawRouting `yaml:"routing"`
	} `yaml:"custom"`
}

type rawRouting struct {
	RequiredEvents  stringList `yaml:"required_events"`
	RequiredTools   stringList `yaml:"required_tools"`
	RequiredSignals stringList `yaml:"required_signals"`
}

// stringList accepts either a single scalar or a YAML sequence, so a
// policy author naming exactly one event/tool/signal need not wrap it
// in a list. Grounded on
// borisdali-helpdesk/internal/policy/types.go's ActionMatcher
// single-or-list convention, adapted from yaml.v2's unmarshal-callback
// form to yaml.v3's Node-based UnmarshalYAML.
type stringList []string

func (s *stringList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var single string
		if err := value.Decode(&single); err != nil {
			return err
		}
		*s = stringList{single}
		return nil
	}
	var list []string
	if err := value.Decode(&list); err != nil {
		return err
	}
	*s = stringList(list)
	return nil
}

// Parse splits src into its leading METADATA block (if any) and the
// remainder, returning the parsed Metadata and the remaining source
// text to be fed to the compiler. The absence of a METADATA block
// yields defaults (empty routing).
func Parse(src string) (policy.Metadata, string, error) {
	block, remainder := splitLeadingComments(src)
	if strings.TrimSpace(block) == "" {
		return policy.Metadata{}, src, nil
	}

	doc := strings.Join(stripMarkers(block), "\n")
	var raw rawDoc
	if err := yaml.Unmarshal([]byte(doc), &raw); err != nil {
		// A leading comment block that isn't structured data is not a
		// METADATA block at all — treat the whole file as remainder.
		return policy.Metadata{}, src, nil
	}

	md := policy.Metadata{
		Scope:         policy.Scope(raw.Scope),
		Title:         raw.Title,
		Authors:       raw.Authors,
		Organizations: raw.Organizations,
		Severity:      raw.Custom.Severity,
		ID:            raw.Custom.ID,
	}
	if raw.Custom.Routing != nil {
		md.Routing = policy.RoutingDirective{
			RequiredEvents:  raw.Custom.Routing.RequiredEvents,
			RequiredTools:   normalizeTools(raw.Custom.Routing.RequiredTools),
			RequiredSignals: raw.Custom.Routing.RequiredSignals,
			HasWildcardTool: containsWildcard(raw.Custom.Routing.RequiredTools),
		}
	}

	return md, remainder, nil
}

// ValidateForUnit checks the routing-directive invariants for a single
// unit against its computed IsSystemEntrypoint status.
func ValidateForUnit(md policy.Metadata, isSystem bool) error {
	r := md.Routing

	if isSystem {
		if len(r.RequiredEvents) > 0 || len(r.RequiredTools) > 0 || len(r.RequiredSignals) > 0 {
			return fmt.Errorf("system-package policy must carry an empty routing directive")
		}
		return nil
	}

	if len(r.RequiredTools) > 0 && len(r.RequiredEvents) == 0 {
		return fmt.Errorf("required_tools is non-empty but required_events is empty")
	}

	for _, e := range r.RequiredEvents {
		if !hook.IsRecognized(e) {
			return fmt.Errorf("unrecognized hook event %q", e)
		}
	}

	return nil
}

// normalizeTools treats a lone "*" the same as an empty list, since
// both mean "all tools for the listed events"; HasWildcardTool records
// that the policy used the explicit form.
func normalizeTools(tools []string) []string {
	if len(tools) == 1 && tools[0] == "*" {
		return nil
	}
	return tools
}

func containsWildcard(tools []string) bool {
	for _, t := range tools {
		if t == "*" {
			return true
		}
	}
	return false
}

// splitLeadingComments returns the contiguous run of leading
// comment-marker lines (possibly none) and the remaining source.
func splitLeadingComments(src string) (block, remainder string) {
	lines := strings.Split(src, "\n")
	i := 0
	for ; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" {
			continue
		}
		if !strings.HasPrefix(trimmed, commentMarker) {
			break
		}
	}
	return strings.Join(lines[:i], "\n"), strings.Join(lines[i:], "\n")
}

// stripMarkers removes the leading comment marker (and one following
// space, if present) from each line of block.
func stripMarkers(block string) []string {
	lines := strings.Split(block, "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		trimmed := strings.TrimSpace(l)
		if trimmed == "" {
			out = append(out, "")
			continue
		}
		trimmed = strings.TrimPrefix(trimmed, commentMarker)
		trimmed = strings.TrimPrefix(trimmed, " ")
		out = append(out, trimmed)
	}
	return out
}
