package model

import (
	"encoding/json"
	"html"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// EmbeddingDimensions is the fixed length of every stored agent embedding.
const EmbeddingDimensions = 1536

// AgentStatus represents the lifecycle state of a registered agent.
type AgentStatus string

const (
	AgentStatusActive    AgentStatus = "ACTIVE"
	AgentStatusInactive  AgentStatus = "INACTIVE"
	AgentStatusSuspended AgentStatus = "SUSPENDED"
)

// Valid reports whether s is a known status.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusActive, AgentStatusInactive, AgentStatusSuspended:
		return true
	}
	return false
}

// ParseStatus accepts a status in any letter case. Empty input yields ACTIVE.
func ParseStatus(raw string) (AgentStatus, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return AgentStatusActive, nil
	}
	s := AgentStatus(strings.ToUpper(raw))
	if !s.Valid() {
		return "", &ErrValidation{Msg: "unknown status " + raw}
	}
	return s, nil
}

// Agent is the core domain model of the registry.
type Agent struct {
	ID               string          `json:"id"                          db:"id"`
	DIDIdentifier    string          `json:"did_identifier"              db:"did_identifier"`
	DIDDocument      json.RawMessage `json:"did_document"                db:"did_document"`
	Seed             string          `json:"seed,omitempty"              db:"seed"`
	Name             string          `json:"name"                        db:"name"`
	Description      string          `json:"description"                 db:"description"`
	Capabilities     Capabilities    `json:"capabilities"                db:"capabilities"`
	Status           AgentStatus     `json:"status"                      db:"status"`
	OwnerID          string          `json:"owner_id"                    db:"owner_id"`
	ConnectionString *string         `json:"connection_string,omitempty" db:"connection_string"`
	MQTTURI          *string         `json:"mqtt_uri"                    db:"mqtt_uri"`
	Metadata         AgentMeta       `json:"metadata,omitempty"          db:"-"`
	// HasEmbedding is read from the embedding column; the vector itself is never loaded.
	HasEmbedding bool      `json:"has_embedding" db:"-"`
	CreatedAt    time.Time `json:"created_at"    db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"    db:"updated_at"`
}

// AgentMeta holds public key-value metadata attached to an agent.
type AgentMeta map[string]string

// OwnedBy reports whether userID owns the agent.
func (a *Agent) OwnedBy(userID string) bool {
	return userID != "" && a.OwnerID == userID
}

// ViewFor returns a copy of the agent suitable for viewer. The seed is only
// kept when the viewer owns the agent.
func (a *Agent) ViewFor(viewer string) *Agent {
	cp := *a
	if !a.OwnedBy(viewer) {
		cp.Seed = ""
	}
	return &cp
}

// CreateRequest is the payload for creating an agent.
type CreateRequest struct {
	// ID is optional; when set, creation is idempotent for the same owner.
	ID           string       `json:"id,omitempty"`
	Name         string       `json:"name"         binding:"required"`
	Description  string       `json:"description"`
	Capabilities Capabilities `json:"capabilities"`
	Status       AgentStatus  `json:"status,omitempty"`
	Metadata     AgentMeta    `json:"metadata,omitempty"`
}

// UpdateRequest is the payload for PATCH /agents/:id. Nil fields are left untouched.
type UpdateRequest struct {
	Name         *string       `json:"name,omitempty"`
	Description  *string       `json:"description,omitempty"`
	Capabilities *Capabilities `json:"capabilities,omitempty"`
	Status       *AgentStatus  `json:"status,omitempty"`
}

// TouchesEmbedding reports whether the update changes any field the
// embedding is derived from.
func (r *UpdateRequest) TouchesEmbedding() bool {
	return r.Name != nil || r.Description != nil || r.Capabilities != nil
}

const (
	maxNameLen        = 200
	maxDescriptionLen = 4000
	maxIDLen          = 128
	maxMetadataKeys   = 32
)

var textPolicy = bluemonday.StrictPolicy()

// sanitizeText strips markup and surrounding whitespace from free text.
// The policy HTML-escapes what it keeps; that is undone so the stored text
// matches what the caller wrote, minus tags.
func sanitizeText(s string) string {
	return strings.TrimSpace(html.UnescapeString(textPolicy.Sanitize(s)))
}

// Normalize cleans and validates the request in place.
func (r *CreateRequest) Normalize() error {
	r.ID = strings.TrimSpace(r.ID)
	if utf8.RuneCountInString(r.ID) > maxIDLen {
		return &ErrValidation{Msg: "id is too long"}
	}
	r.Name = sanitizeText(r.Name)
	if r.Name == "" {
		return &ErrValidation{Msg: "name is required"}
	}
	if utf8.RuneCountInString(r.Name) > maxNameLen {
		return &ErrValidation{Msg: "name is too long"}
	}
	r.Description = sanitizeText(r.Description)
	if utf8.RuneCountInString(r.Description) > maxDescriptionLen {
		return &ErrValidation{Msg: "description is too long"}
	}
	status, err := ParseStatus(string(r.Status))
	if err != nil {
		return err
	}
	r.Status = status
	if len(r.Metadata) > maxMetadataKeys {
		return &ErrValidation{Msg: "too many metadata keys"}
	}
	for k := range r.Metadata {
		if strings.TrimSpace(k) == "" {
			return &ErrValidation{Msg: "metadata keys must not be empty"}
		}
	}
	caps, err := r.Capabilities.Normalized()
	if err != nil {
		return err
	}
	r.Capabilities = caps
	return nil
}

// Normalize cleans and validates the update in place.
func (r *UpdateRequest) Normalize() error {
	if r.Name != nil {
		name := sanitizeText(*r.Name)
		if name == "" {
			return &ErrValidation{Msg: "name must not be empty"}
		}
		if utf8.RuneCountInString(name) > maxNameLen {
			return &ErrValidation{Msg: "name is too long"}
		}
		r.Name = &name
	}
	if r.Description != nil {
		desc := sanitizeText(*r.Description)
		if utf8.RuneCountInString(desc) > maxDescriptionLen {
			return &ErrValidation{Msg: "description is too long"}
		}
		r.Description = &desc
	}
	if r.Status != nil {
		if strings.TrimSpace(string(*r.Status)) == "" {
			return &ErrValidation{Msg: "status must not be empty"}
		}
		status, err := ParseStatus(string(*r.Status))
		if err != nil {
			return err
		}
		r.Status = &status
	}
	if r.Capabilities != nil {
		caps, err := r.Capabilities.Normalized()
		if err != nil {
			return err
		}
		r.Capabilities = &caps
	}
	return nil
}

// Apply copies the non-nil fields of r onto a.
func (r *UpdateRequest) Apply(a *Agent) {
	if r.Name != nil {
		a.Name = *r.Name
	}
	if r.Description != nil {
		a.Description = *r.Description
	}
	if r.Capabilities != nil {
		a.Capabilities = *r.Capabilities
	}
	if r.Status != nil {
		a.Status = *r.Status
	}
}

// MQTTRequest sets the broker URI an agent can be reached on. The agent is
// identified and authorized by its seed alone. An empty URI clears it.
type MQTTRequest struct {
	Seed    string `json:"seed"     binding:"required"`
	MQTTURI string `json:"mqtt_uri"`
}

const maxMQTTURILen = 2048

var mqttSchemes = map[string]bool{
	"mqtt": true, "mqtts": true, "tcp": true, "ssl": true, "ws": true, "wss": true,
}

// Normalize trims the request and checks the URI shape.
func (r *MQTTRequest) Normalize() error {
	r.Seed = strings.TrimSpace(r.Seed)
	if r.Seed == "" {
		return &ErrValidation{Msg: "seed is required"}
	}
	r.MQTTURI = strings.TrimSpace(r.MQTTURI)
	if r.MQTTURI == "" {
		return nil
	}
	if len(r.MQTTURI) > maxMQTTURILen {
		return &ErrValidation{Msg: "mqtt_uri is too long"}
	}
	u, err := url.Parse(r.MQTTURI)
	if err != nil || u.Host == "" || !mqttSchemes[strings.ToLower(u.Scheme)] {
		return &ErrValidation{Msg: "mqtt_uri must be an mqtt, mqtts, tcp, ssl, ws or wss URL with a host"}
	}
	return nil
}

// ListFilter narrows a listing of agents. Zero values mean "no filter".
type ListFilter struct {
	Name         string
	Status       AgentStatus
	DID          string
	OwnerID      string
	Capabilities []string
	Limit        int
	Offset       int
}
