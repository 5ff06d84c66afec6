package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Capability category keys as they appear in JSON and in storage.
const (
	CategoryAI          = "ai"
	CategoryProtocols   = "protocols"
	CategoryIntegration = "integration"
)

const (
	maxTokensPerCategory = 50
	maxTokenLen          = 100
)

// Capabilities is the typed capability set of an agent. Token case is kept
// as written; matching is always case-insensitive.
type Capabilities struct {
	AI          []string `json:"ai"`
	Protocols   []string `json:"protocols"`
	Integration []string `json:"integration"`
}

// UnmarshalJSON rejects categories other than ai, protocols and integration.
func (c *Capabilities) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*c = Capabilities{}
		return nil
	}
	type plain Capabilities
	var p plain
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return &ErrValidation{Msg: fmt.Sprintf("invalid capabilities: %v", err)}
	}
	*c = Capabilities(p)
	return nil
}

// MarshalJSON always emits all three categories as arrays.
func (c Capabilities) MarshalJSON() ([]byte, error) {
	type plain Capabilities
	return json.Marshal(plain{
		AI:          orEmpty(c.AI),
		Protocols:   orEmpty(c.Protocols),
		Integration: orEmpty(c.Integration),
	})
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Normalized returns a copy with tokens trimmed and empty tokens dropped.
func (c Capabilities) Normalized() (Capabilities, error) {
	var out Capabilities
	var err error
	if out.AI, err = normalizeTokens(CategoryAI, c.AI); err != nil {
		return Capabilities{}, err
	}
	if out.Protocols, err = normalizeTokens(CategoryProtocols, c.Protocols); err != nil {
		return Capabilities{}, err
	}
	if out.Integration, err = normalizeTokens(CategoryIntegration, c.Integration); err != nil {
		return Capabilities{}, err
	}
	return out, nil
}

func normalizeTokens(category string, tokens []string) ([]string, error) {
	if len(tokens) > maxTokensPerCategory {
		return nil, &ErrValidation{Msg: fmt.Sprintf("too many %s capabilities (max %d)", category, maxTokensPerCategory)}
	}
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if utf8.RuneCountInString(t) > maxTokenLen {
			return nil, &ErrValidation{Msg: fmt.Sprintf("%s capability %q is too long", category, t)}
		}
		out = append(out, t)
	}
	return out, nil
}

// All returns every token across the three categories in category order.
func (c Capabilities) All() []string {
	out := make([]string, 0, len(c.AI)+len(c.Protocols)+len(c.Integration))
	out = append(out, c.AI...)
	out = append(out, c.Protocols...)
	return append(out, c.Integration...)
}

// IsEmpty reports whether no category has any token.
func (c Capabilities) IsEmpty() bool {
	return len(c.AI) == 0 && len(c.Protocols) == 0 && len(c.Integration) == 0
}

// MatchesAny reports whether at least one token in any category contains one
// of needles, ignoring case. An empty needle list matches everything.
func (c Capabilities) MatchesAny(needles []string) bool {
	if len(needles) == 0 {
		return true
	}
	for _, token := range c.All() {
		lt := strings.ToLower(token)
		for _, n := range needles {
			if n = strings.ToLower(strings.TrimSpace(n)); n != "" && strings.Contains(lt, n) {
				return true
			}
		}
	}
	return false
}

// SplitTokens parses a comma separated capability list, dropping blanks.
func SplitTokens(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
