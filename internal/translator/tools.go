package translator

import "fmt"

const (
	// MaxTools is the upstream limit on tool definitions per request; excess
	// entries are dropped, first MaxTools kept.
	MaxTools = 50
	// MaxToolDescription is the upstream limit on tool description length;
	// longer descriptions are truncated with a trailing ellipsis marker.
	MaxToolDescription = 500
	// WebSearchToolName is the reserved tool name mapped to the upstream's
	// native web-search capability instead of a user tool.
	WebSearchToolName = "web_search"
)

// CapTools applies the upstream tool limits to a decoded tool list. The
// returned list is a copy; the input is not modified. The second return is
// the number of tools dropped by the list cap.
func CapTools(tools []Tool) ([]Tool, int) {
	dropped := 0
	if len(tools) > MaxTools {
		dropped = len(tools) - MaxTools
		tools = tools[:MaxTools]
	}
	out := make([]Tool, len(tools))
	for i, t := range tools {
		if r := []rune(t.Description); len(r) > MaxToolDescription {
			t.Description = string(r[:MaxToolDescription]) + "..."
		}
		out[i] = t
	}
	return out, dropped
}

// ExtractWebSearch splits the reserved web_search pseudo-tool out of the
// list, reporting whether it was present. It runs before CapTools so the
// pseudo-tool never consumes a slot.
func ExtractWebSearch(tools []Tool) ([]Tool, bool) {
	found := false
	out := tools[:0:0]
	for _, t := range tools {
		if t.Name == WebSearchToolName {
			found = true
			continue
		}
		out = append(out, t)
	}
	return out, found
}

// ToolChoiceInstruction is the system prefix injected when the client forces
// tool use. name narrows the requirement to a single tool when non-empty.
func ToolChoiceInstruction(name string) string {
	if name != "" {
		return fmt.Sprintf("You must answer this request by calling the %q tool.", name)
	}
	return "You must answer this request by calling one of the provided tools."
}
