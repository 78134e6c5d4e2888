package finance

import "slices"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

const (
	// MemoryLimit is the number of recent messages kept per user.
	MemoryLimit = 10
	// PromptWindow is the number of recent messages injected into a prompt.
	PromptWindow = 6
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Memory is the rolling message history of one user.
type Memory struct {
	Recent []Message `json:"recent"`
}

// Append returns a copy with msgs added, keeping the last MemoryLimit.
func (m Memory) Append(msgs ...Message) Memory {
	recent := append(slices.Clone(m.Recent), msgs...)
	if len(recent) > MemoryLimit {
		recent = recent[len(recent)-MemoryLimit:]
	}
	return Memory{Recent: recent}
}

// Window returns the last n messages.
func (m Memory) Window(n int) []Message {
	if n >= len(m.Recent) {
		return slices.Clone(m.Recent)
	}
	return slices.Clone(m.Recent[len(m.Recent)-n:])
}

// ByRole returns the last n messages of one role, oldest first.
func (m Memory) ByRole(role Role, n int) []Message {
	var out []Message
	for i := len(m.Recent) - 1; i >= 0 && len(out) < n; i-- {
		if m.Recent[i].Role == role {
			out = append(out, m.Recent[i])
		}
	}
	slices.Reverse(out)
	return out
}
