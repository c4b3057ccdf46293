// Package prompt holds the fixed prompt variants and assembles the message
// list sent to the completion backend.
package prompt

import (
	_ "embed"
	"fmt"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/stupiduntilnot/cookbot/internal/history"
)

// Kind selects one of the fixed prompt variants.
type Kind int

const (
	// General is the conversational culinary assistant. It sees chat history.
	General Kind = iota
	// Recipe produces one structured recipe and never sees chat history.
	Recipe
)

func (k Kind) String() string {
	switch k {
	case General:
		return "general"
	case Recipe:
		return "recipe"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Message is a model-agnostic chat message: a history entry without its timestamp.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Template is a system prompt together with its sampling parameters.
type Template struct {
	System      string  `toml:"system"`
	Temperature float32 `toml:"temperature"`
	MaxTokens   int     `toml:"max_tokens"`
}

// Templates maps each variant to its template.
type Templates map[Kind]Template

//go:embed prompts.toml
var promptsTOML string

type templateFile struct {
	General Template `toml:"general"`
	Recipe  Template `toml:"recipe"`
}

var (
	defaultsOnce sync.Once
	defaults     Templates
	defaultsErr  error
)

// DefaultTemplates returns the built-in variants.
func DefaultTemplates() (Templates, error) {
	defaultsOnce.Do(func() {
		defaults, defaultsErr = ParseTemplates(promptsTOML)
	})
	if defaultsErr != nil {
		return nil, defaultsErr
	}
	out := make(Templates, len(defaults))
	for k, v := range defaults {
		out[k] = v
	}
	return out, nil
}

// ParseTemplates decodes a TOML document with [general] and [recipe] tables.
func ParseTemplates(data string) (Templates, error) {
	var f templateFile
	if _, err := toml.Decode(data, &f); err != nil {
		return nil, fmt.Errorf("decode prompt templates: %w", err)
	}
	t := Templates{General: f.General, Recipe: f.Recipe}
	for kind, tpl := range t {
		if tpl.System == "" {
			return nil, fmt.Errorf("prompt template %s: system prompt is empty", kind)
		}
		if tpl.MaxTokens <= 0 {
			return nil, fmt.Errorf("prompt template %s: max_tokens must be > 0", kind)
		}
	}
	return t, nil
}

// FromHistory strips timestamps from stored history.
func FromHistory(msgs []history.Message) []Message {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Message{Role: string(m.Role), Content: m.Content})
	}
	return out
}

// BuildGeneral returns system + history + user, in that order.
func BuildGeneral(system string, hist []Message, userMsg string) []Message {
	messages := make([]Message, 0, 1+len(hist)+1)
	messages = append(messages, Message{Role: string(history.RoleSystem), Content: system})
	messages = append(messages, hist...)
	messages = append(messages, Message{Role: string(history.RoleUser), Content: userMsg})
	return messages
}

// BuildRecipe returns system + user. Chat history is never included.
func BuildRecipe(system string, userMsg string) []Message {
	return []Message{
		{Role: string(history.RoleSystem), Content: system},
		{Role: string(history.RoleUser), Content: userMsg},
	}
}

// Build assembles the prompt for the given variant.
func Build(kind Kind, tpl Template, hist []Message, userMsg string) []Message {
	if kind == Recipe {
		return BuildRecipe(tpl.System, userMsg)
	}
	return BuildGeneral(tpl.System, hist, userMsg)
}
