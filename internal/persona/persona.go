package persona

import (
	"encoding/json"
	"fmt"
	"os"
)

// Persona describes one selectable conversation partner: the system
// instruction sent at session setup and the synthesis voice to request.
type Persona struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName"`
	VoiceID           string `json:"voiceId"`
	SystemInstruction string `json:"systemInstruction"`
}

// Registry maps persona identifiers to their definitions. It is read-only
// after construction; the controller resolves a persona once at connect time.
type Registry struct {
	personas  map[string]Persona
	defaultID string
}

// NewRegistry creates a registry seeded with the built-in personas.
func NewRegistry(defaultID string) *Registry {
	r := &Registry{
		personas:  make(map[string]Persona),
		defaultID: defaultID,
	}
	for _, p := range builtins() {
		r.personas[p.ID] = p
	}
	if _, ok := r.personas[r.defaultID]; !ok {
		r.defaultID = "aria"
	}
	return r
}

func builtins() []Persona {
	return []Persona{
		{
			ID:                "aria",
			DisplayName:       "Aria",
			VoiceID:           "aoede",
			SystemInstruction: "You are Aria, a warm and encouraging conversation partner. Keep replies short and natural, as in spoken conversation.",
		},
		{
			ID:                "sage",
			DisplayName:       "Sage",
			VoiceID:           "charon",
			SystemInstruction: "You are Sage, a calm and precise assistant. Answer concisely and ask a clarifying question when the request is ambiguous.",
		},
		{
			ID:                "scout",
			DisplayName:       "Scout",
			VoiceID:           "puck",
			SystemInstruction: "You are Scout, an upbeat and curious companion. Keep the conversation moving with short, lively replies.",
		},
	}
}

// LoadFile overlays persona definitions from a JSON file. Entries with an
// existing ID replace the built-in definition.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read persona file: %w", err)
	}

	var overlay []Persona
	if err := json.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("failed to parse persona file: %w", err)
	}
	for _, p := range overlay {
		if p.ID == "" {
			return fmt.Errorf("persona file contains an entry without an id")
		}
		r.personas[p.ID] = p
	}
	return nil
}

// Resolve returns the persona for id, falling back to the default persona
// for unknown identifiers.
func (r *Registry) Resolve(id string) Persona {
	if p, ok := r.personas[id]; ok {
		return p
	}
	return r.personas[r.defaultID]
}

// IDs returns all registered persona identifiers.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.personas))
	for id := range r.personas {
		ids = append(ids, id)
	}
	return ids
}
