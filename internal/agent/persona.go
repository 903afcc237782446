package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Persona defines an agent's identity and standing instructions.
type Persona struct {
	ID           string `json:"id" yaml:"id"`
	Name         string `json:"name" yaml:"name"`
	Role         string `json:"role" yaml:"role"`
	Personality  string `json:"personality" yaml:"personality"`
	Backstory    string `json:"backstory" yaml:"backstory"`
	SystemPrompt string `json:"system_prompt" yaml:"system_prompt"`
}

// Intro renders the persona as a system message, or "" when it carries no
// identity beyond the system prompt.
func (p Persona) Intro() string {
	if p.Name == "" && p.Role == "" && p.Personality == "" {
		return ""
	}
	var b strings.Builder
	name := p.Name
	if name == "" {
		name = p.ID
	}
	fmt.Fprintf(&b, "You are %s", name)
	if p.Role != "" {
		fmt.Fprintf(&b, ", %s", p.Role)
	}
	b.WriteString(".")
	if p.Personality != "" {
		fmt.Fprintf(&b, " %s", p.Personality)
	}
	if p.Backstory != "" {
		fmt.Fprintf(&b, "\nBackground: %s", p.Backstory)
	}
	return b.String()
}

// ProfileFiles are read, in order, from an agent's profile directory.
var ProfileFiles = []string{"PERSONA.md", "GUIDELINES.md"}

// LoadProfile reads the profile files of agentID under dir and returns their
// concatenated content for system prompt injection.
func LoadProfile(dir, agentID string) string {
	if dir == "" {
		return ""
	}
	base := filepath.Join(dir, agentID)
	var parts []string
	for _, f := range ProfileFiles {
		data, err := os.ReadFile(filepath.Join(base, f))
		if err != nil {
			continue
		}
		if s := strings.TrimSpace(string(data)); s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, "\n\n---\n\n")
}
