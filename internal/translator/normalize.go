package translator

import "strings"

// Placeholder content inserted to restore strict user/assistant alternation.
const (
	userPlaceholder      = " "
	assistantPlaceholder = "…"
)

// Normalize rewrites a decoded conversation into the strict shape the
// upstream accepts, in a single left-to-right pass:
//
//   - Leading system content becomes a prefix block on the first outgoing
//     user message.
//   - Every tool role message folds into a user message as tool_result
//     parts; consecutive results merge under one user message, deduplicated
//     by tool_use id with the last occurrence winning.
//   - Adjacent messages sharing a role are separated by a minimal
//     placeholder of the other role. Content is never dropped.
//   - The result begins and ends with a user message.
//
// The input is not modified, and Normalize(Normalize(x)) == Normalize(x).
func Normalize(in []Message) []Message {
	var prefix []string
	idx := 0
	for ; idx < len(in); idx++ {
		if in[idx].Role != RoleSystem {
			break
		}
		if t := in[idx].Text(); t != "" {
			prefix = append(prefix, t)
		}
	}

	out := make([]Message, 0, len(in)+2)
	for _, m := range in[idx:] {
		switch m.Role {
		case RoleTool:
			foldToolMessage(&out, m)
		case RoleSystem:
			// Out-of-band system content mid-conversation is carried
			// forward as user text rather than dropped.
			appendAlternating(&out, Message{Role: RoleUser, Parts: m.Clone().Parts})
		default:
			appendAlternating(&out, m.Clone())
		}
	}

	if len(out) == 0 {
		out = append(out, UserText(userPlaceholder))
	}
	if out[len(out)-1].Role == RoleAssistant {
		out = append(out, UserText(userPlaceholder))
	}
	if len(prefix) > 0 {
		out[0].Parts = append([]Part{TextPart(strings.Join(prefix, "\n\n"))}, out[0].Parts...)
	}
	return out
}

// appendAlternating appends m, first inserting whatever placeholder the
// alternation invariant requires and filling empty content with the role's
// placeholder text.
func appendAlternating(out *[]Message, m Message) {
	if m.Empty() {
		m.Parts = []Part{TextPart(placeholderFor(m.Role))}
	}
	msgs := *out
	if len(msgs) == 0 {
		if m.Role == RoleAssistant {
			msgs = append(msgs, UserText(userPlaceholder))
		}
	} else if msgs[len(msgs)-1].Role == m.Role {
		msgs = append(msgs, placeholderMessage(otherRole(m.Role)))
	}
	*out = append(msgs, m)
}

// foldToolMessage merges a tool role message into the adjacent user message,
// starting a new user message when the previous message is not user.
func foldToolMessage(out *[]Message, m Message) {
	msgs := *out
	if n := len(msgs); n > 0 && msgs[n-1].Role == RoleUser {
		target := &msgs[n-1]
		for _, p := range m.Clone().Parts {
			if p.Kind == PartToolResult && p.ToolResult != nil {
				upsertToolResult(target, p)
				continue
			}
			target.Parts = append(target.Parts, p)
		}
		*out = msgs
		return
	}
	nm := Message{Role: RoleUser}
	for _, p := range m.Clone().Parts {
		if p.Kind == PartToolResult && p.ToolResult != nil {
			upsertToolResult(&nm, p)
			continue
		}
		nm.Parts = append(nm.Parts, p)
	}
	if nm.Empty() {
		nm.Parts = []Part{TextPart(userPlaceholder)}
	}
	*out = append(msgs, nm)
}

// upsertToolResult appends a tool_result part, replacing an earlier result
// for the same tool_use id so that the last occurrence wins.
func upsertToolResult(m *Message, p Part) {
	id := p.ToolResult.ToolUseID
	if id != "" {
		for i := range m.Parts {
			if m.Parts[i].Kind == PartToolResult && m.Parts[i].ToolResult != nil && m.Parts[i].ToolResult.ToolUseID == id {
				m.Parts[i] = p
				return
			}
		}
	}
	m.Parts = append(m.Parts, p)
}

// InsertLeadingSystem places text into the conversation's leading system
// block, after any system messages already there. Parsers use it for
// instructions that must reach the system prefix.
func InsertLeadingSystem(msgs []Message, text string) []Message {
	idx := 0
	for idx < len(msgs) && msgs[idx].Role == RoleSystem {
		idx++
	}
	out := make([]Message, 0, len(msgs)+1)
	out = append(out, msgs[:idx]...)
	out = append(out, SystemText(text))
	out = append(out, msgs[idx:]...)
	return out
}

func otherRole(r Role) Role {
	if r == RoleUser {
		return RoleAssistant
	}
	return RoleUser
}

func placeholderFor(r Role) string {
	if r == RoleAssistant {
		return assistantPlaceholder
	}
	return userPlaceholder
}

func placeholderMessage(r Role) Message {
	return Message{Role: r, Parts: []Part{TextPart(placeholderFor(r))}}
}
