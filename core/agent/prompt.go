package agent

import (
	"fmt"
	"strings"

	"github.com/semanticarchitectures/multi-agent-collab/core/mcptools"
)

const protocolReminder = `COMMUNICATION PROTOCOL:
You communicate using voice net protocol (like pilot-ATC radio communication):
- Format: "[Recipient], this is %[1]s, [message], over."
- Use "Roger" to acknowledge: "Roger, [acknowledgment]."
- Use "Copy" to confirm: "Copy, [confirmation]."
- Address other stations by their callsigns
- Keep transmissions clear and concise
- End transmissions with "over" when expecting a response

Your callsign is: %[1]s`

const memorizeInstructions = `MEMORY COMMANDS:
To remember something across turns, emit a line of the form
MEMORIZE[category]: content
on its own line in your response. Categories: task, fact, decision, concern,
note. Facts must be key=value. Example: MEMORIZE[fact]: runway=04R`

// buildSystemPrompt layers the full system prompt: role, protocol reminder,
// memory summary, tool catalog (when present), memory command instructions.
func (a *Agent) buildSystemPrompt(catalog []mcptools.ToolDescriptor) string {
	var sections []string

	sections = append(sections, fmt.Sprintf("You are %s, an agent in a multi-agent collaboration system.", a.options.callsign))
	if a.options.systemPrompt != "" {
		sections = append(sections, a.options.systemPrompt)
	}
	sections = append(sections, fmt.Sprintf(protocolReminder, a.options.callsign))

	if fragment := a.memory.PromptFragment(); fragment != "" {
		sections = append(sections, fragment)
	}

	if len(catalog) > 0 {
		var b strings.Builder
		b.WriteString("AVAILABLE TOOLS:\nUse them when appropriate to complete tasks:\n")
		for _, tool := range catalog {
			fmt.Fprintf(&b, "- %s (%s): %s\n", tool.Name, tool.ServerName, tool.Description)
		}
		sections = append(sections, strings.TrimRight(b.String(), "\n"))
	}

	sections = append(sections, memorizeInstructions)
	sections = append(sections, "Remember to stay in character and follow the voice net protocol for all communications.")

	return strings.Join(sections, "\n\n")
}
