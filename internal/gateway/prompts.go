package gateway

import (
	"fmt"
	"strings"

	"gemchat/internal/providers"
)

const contextFraming = `IMPORTANT CONTEXT TO TAKE INTO ACCOUNT FOR ALL MY ANSWERS:

%s

---

Use this context to answer my questions more precisely and relevantly. Refer to elements of the context whenever it helps.`

const contextAcknowledgement = "I have taken the provided context into account. I will use it to answer your questions more precisely and relevantly."

const contextEditTemplate = `You are an assistant that edits and improves working-context documents.

Current context:
%s

Instruction: %s

Rules:
- If the instruction asks to summarize, write a concise summary
- If the instruction asks to expand, add relevant information
- If the instruction asks to rewrite, rephrase while keeping the meaning
- If the instruction asks to structure, organize the content under headings
- If the instruction asks to clean up, fix grammar and formatting
- Reply only with the edited content, without explanation

Edited content:`

// BuildTurns lays out a chat request: optional context framing pair, the
// history as given (turns without text are dropped), then the new message.
func BuildTurns(message string, history []providers.Turn, workingContext string) []providers.Turn {
	turns := make([]providers.Turn, 0, len(history)+3)
	if c := strings.TrimSpace(workingContext); c != "" {
		turns = append(turns,
			providers.TextTurn(providers.RoleUser, fmt.Sprintf(contextFraming, c)),
			providers.TextTurn(providers.RoleModel, contextAcknowledgement),
		)
	}
	for _, h := range history {
		text := h.Text()
		if text == "" {
			continue
		}
		turns = append(turns, providers.TextTurn(normalizeRole(h.Role), text))
	}
	return append(turns, providers.TextTurn(providers.RoleUser, message))
}

// BuildContextPrompt wraps an edit instruction around the current context.
func BuildContextPrompt(instruction, current string) string {
	if strings.TrimSpace(current) == "" {
		current = "[No context]"
	}
	return fmt.Sprintf(contextEditTemplate, current, instruction)
}

func normalizeRole(role string) string {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "model", "assistant", "ia":
		return providers.RoleModel
	default:
		return providers.RoleUser
	}
}
