package session

import (
	"fmt"
	"strings"

	"github.com/samsaffron/forumchat/internal/llm"
)

// StripReasoning returns copies of turns with every reasoning part
// removed. Applying it twice gives the same result as applying it once.
func StripReasoning(turns []Turn) []Turn {
	out := make([]Turn, len(turns))
	for i, t := range turns {
		t = t.clone()
		parts := t.Parts[:0]
		for _, p := range t.Parts {
			if p.Kind != PartReasoning {
				parts = append(parts, p)
			}
		}
		t.Parts = parts
		out[i] = t
	}
	return out
}

// ToMessages converts turns into model messages. Reasoning is stripped;
// tool invocations that never settled are dropped, and settled ones become
// an assistant tool call followed by its result.
func ToMessages(turns []Turn) []llm.Message {
	var out []llm.Message
	for _, t := range StripReasoning(turns) {
		switch t.Role {
		case RoleUser:
			if text := userText(t); text != "" {
				out = append(out, llm.UserText(text))
			}
		case RoleAssistant:
			out = append(out, assistantMessages(t)...)
		}
	}
	return out
}

func userText(t Turn) string {
	var b strings.Builder
	for _, p := range t.Parts {
		switch p.Kind {
		case PartText:
			b.WriteString(p.Text)
		case PartFile:
			if p.File == nil {
				continue
			}
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			name := p.File.Name
			if name == "" {
				name = "attachment"
			}
			fmt.Fprintf(&b, "[%s](%s)", name, p.File.URL)
		}
	}
	return b.String()
}

// assistantMessages splits an assistant turn into model steps: text and
// tool calls up to a batch of results, then the results, then whatever
// follows.
func assistantMessages(t Turn) []llm.Message {
	var out []llm.Message
	current := llm.Message{Role: llm.RoleAssistant}
	var results []llm.Message

	flush := func() {
		if len(current.Parts) > 0 {
			out = append(out, current)
		}
		out = append(out, results...)
		current = llm.Message{Role: llm.RoleAssistant}
		results = nil
	}

	for _, p := range t.Parts {
		switch p.Kind {
		case PartText:
			if p.Text == "" {
				continue
			}
			if len(results) > 0 {
				flush()
			}
			current.Parts = append(current.Parts, llm.Part{Type: llm.PartText, Text: p.Text})
		case PartTool:
			inv := p.Tool
			if inv == nil || !inv.State.Terminal() {
				continue
			}
			args := inv.Input
			if len(args) == 0 {
				args = []byte("{}")
			}
			current.Parts = append(current.Parts, llm.Part{
				Type:     llm.PartToolCall,
				ToolCall: &llm.ToolCall{ID: inv.CallID, Name: inv.ToolName, Arguments: args},
			})
			if inv.State == ToolError {
				results = append(results, llm.ToolErrorMessage(inv.CallID, inv.ToolName, inv.Error))
			} else {
				results = append(results, llm.ToolResultMessage(inv.CallID, inv.ToolName, inv.Output))
			}
		}
	}
	flush()
	return out
}
