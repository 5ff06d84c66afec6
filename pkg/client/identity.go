package client

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmerrifield20/agent-registry/internal/identity"
)

// AgentKey holds the identity material an owner receives when an agent is
// created. It is written to disk by 'agentctl create' and read back by
// LoadAgentKey.
type AgentKey struct {
	ID  string `json:"id"`
	DID string `json:"did"`
	// Seed is the base64 seed the agent's key is derived from. Keep this secret.
	Seed string `json:"seed"`
}

// KeyFromAgent extracts the key material from an owner's view of an agent.
func KeyFromAgent(a *Agent) (*AgentKey, error) {
	if a == nil || a.Seed == "" {
		return nil, errors.New("agent has no seed; only the owner receives it")
	}
	return &AgentKey{ID: a.ID, DID: a.DIDIdentifier, Seed: a.Seed}, nil
}

// SigningKey derives the agent's ed25519 private key from the seed and
// checks that it matches the recorded DID.
func (k *AgentKey) SigningKey() (ed25519.PrivateKey, error) {
	seed, err := identity.DecodeSeed(k.Seed)
	if err != nil {
		return nil, err
	}
	priv, err := identity.PrivateKey(seed)
	if err != nil {
		return nil, err
	}
	pub, err := identity.PublicKeyFromDID(k.DID)
	if err != nil {
		return nil, err
	}
	if !pub.Equal(priv.Public()) {
		return nil, fmt.Errorf("seed does not match %s", k.DID)
	}
	return priv, nil
}

// SaveAgentKey writes k to dir/<id>.json with owner-only permissions.
func SaveAgentKey(dir string, k *AgentKey) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create key dir: %w", err)
	}
	raw, err := json.MarshalIndent(k, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode key: %w", err)
	}
	path := filepath.Join(dir, k.ID+".json")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

// LoadAgentKey reads dir/<id>.json.
//
//	key, err := client.LoadAgentKey(os.ExpandEnv("$HOME/.agentctl/keys"), agentID)
func LoadAgentKey(dir, id string) (*AgentKey, error) {
	raw, err := os.ReadFile(filepath.Join(dir, id+".json"))
	if err != nil {
		return nil, fmt.Errorf("read key for %s: %w", id, err)
	}
	var k AgentKey
	if err := json.Unmarshal(raw, &k); err != nil {
		return nil, fmt.Errorf("decode key for %s: %w", id, err)
	}
	return &k, nil
}
