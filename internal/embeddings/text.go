package embeddings

import (
	"strings"

	"github.com/jmerrifield20/agent-registry/internal/registry/model"
)

// BuildSearchableText renders the text an agent embedding is computed from.
// The name is repeated for weight, and every non-empty capability category
// is written both as a listing and as a sentence. Output depends only on the
// inputs.
func BuildSearchableText(name, description string, caps model.Capabilities) string {
	parts := []string{"Agent Name: " + name + ". " + name + "."}

	if description != "" {
		parts = append(parts, "Description: "+description)
	}
	if len(caps.AI) > 0 {
		list := strings.Join(caps.AI, ", ")
		parts = append(parts, "AI Capabilities: "+list+". The agent can perform "+list+".")
	}
	if len(caps.Protocols) > 0 {
		list := strings.Join(caps.Protocols, ", ")
		parts = append(parts, "Supported Protocols: "+list+". Compatible with "+list+".")
	}
	if len(caps.Integration) > 0 {
		list := strings.Join(caps.Integration, ", ")
		parts = append(parts, "Integrations: "+list+". Integrates with "+list+".")
	}
	return strings.Join(parts, ". ")
}

// BuildQueryText combines a search keyword and capability tokens into the
// single string that is embedded for ranked search.
func BuildQueryText(keyword string, capabilities []string) string {
	var parts []string
	if k := strings.TrimSpace(keyword); k != "" {
		parts = append(parts, k)
	}
	if len(capabilities) > 0 {
		parts = append(parts, strings.Join(capabilities, ", "))
	}
	return strings.Join(parts, ". ")
}
