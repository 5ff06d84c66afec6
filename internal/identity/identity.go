// Package identity generates the decentralized identifiers attached to
// registered agents.
//
// It provides:
//   - GenerateSeed: random seed material, base64 encoded for storage
//   - KeyProvider: deterministic did:key identifiers and DID documents
package identity

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/jmerrifield20/agent-registry/internal/registry/model"
)

// DefaultSeedLength is the seed size used when the caller does not pick one.
const DefaultSeedLength = 32

// Identity is the identifier and DID document derived from a seed.
type Identity struct {
	Identifier string
	Document   json.RawMessage
}

// Provider is the narrow identity interface consumed by the provisioning saga.
type Provider interface {
	GenerateSeed(length int) ([]byte, error)
	CreateIdentity(seed []byte) (*Identity, error)
}

// GenerateSeed returns length cryptographically random bytes.
// A non-positive length selects DefaultSeedLength.
func GenerateSeed(length int) ([]byte, error) {
	if length <= 0 {
		length = DefaultSeedLength
	}
	seed := make([]byte, length)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("%w: read random seed: %v", model.ErrIdentity, err)
	}
	return seed, nil
}

// EncodeSeed renders a seed in its storage form.
func EncodeSeed(seed []byte) string {
	return base64.StdEncoding.EncodeToString(seed)
}

// DecodeSeed parses a stored seed.
func DecodeSeed(s string) ([]byte, error) {
	seed, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: decode seed: %v", model.ErrIdentity, err)
	}
	return seed, nil
}
