package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"

	"github.com/jmerrifield20/agent-registry/internal/registry/model"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/hkdf"
)

// ed25519-pub multicodec prefix (0xed, varint encoded).
var ed25519Multicodec = []byte{0xed, 0x01}

const (
	minSeedLength = 16
	hkdfInfo      = "agent-registry did:key ed25519"
)

// KeyProvider derives did:key identities. The ed25519 key is expanded from
// the seed with HKDF-SHA256, so any seed length of at least 16 bytes works
// and the same seed always yields the same identity.
type KeyProvider struct{}

// NewKeyProvider returns a did:key identity provider.
func NewKeyProvider() *KeyProvider { return &KeyProvider{} }

// GenerateSeed implements Provider.
func (p *KeyProvider) GenerateSeed(length int) ([]byte, error) {
	return GenerateSeed(length)
}

// CreateIdentity implements Provider.
func (p *KeyProvider) CreateIdentity(seed []byte) (*Identity, error) {
	priv, err := PrivateKey(seed)
	if err != nil {
		return nil, err
	}
	pub := priv.Public().(ed25519.PublicKey)

	multibase := "z" + base58.Encode(append(append([]byte{}, ed25519Multicodec...), pub...))
	did := "did:key:" + multibase

	doc, err := json.Marshal(newDocument(did, multibase))
	if err != nil {
		return nil, fmt.Errorf("%w: encode DID document: %v", model.ErrIdentity, err)
	}
	return &Identity{Identifier: did, Document: doc}, nil
}

// PrivateKey derives the ed25519 signing key behind the did:key for seed.
func PrivateKey(seed []byte) (ed25519.PrivateKey, error) {
	if len(seed) < minSeedLength {
		return nil, fmt.Errorf("%w: seed must be at least %d bytes, got %d", model.ErrIdentity, minSeedLength, len(seed))
	}
	keySeed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, seed, nil, []byte(hkdfInfo)), keySeed); err != nil {
		return nil, fmt.Errorf("%w: derive key: %v", model.ErrIdentity, err)
	}
	return ed25519.NewKeyFromSeed(keySeed), nil
}

// PublicKeyFromDID extracts the ed25519 public key from a did:key identifier.
func PublicKeyFromDID(did string) (ed25519.PublicKey, error) {
	const prefix = "did:key:z"
	if len(did) <= len(prefix) || did[:len(prefix)] != prefix {
		return nil, fmt.Errorf("%w: not a base58 did:key: %q", model.ErrIdentity, did)
	}
	raw, err := base58.Decode(did[len(prefix):])
	if err != nil {
		return nil, fmt.Errorf("%w: decode did:key: %v", model.ErrIdentity, err)
	}
	if len(raw) != len(ed25519Multicodec)+ed25519.PublicKeySize ||
		raw[0] != ed25519Multicodec[0] || raw[1] != ed25519Multicodec[1] {
		return nil, fmt.Errorf("%w: did:key is not an ed25519 key", model.ErrIdentity)
	}
	return ed25519.PublicKey(raw[len(ed25519Multicodec):]), nil
}

type verificationMethod struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	Controller         string `json:"controller"`
	PublicKeyMultibase string `json:"publicKeyMultibase"`
}

type document struct {
	Context              []string             `json:"@context"`
	ID                   string               `json:"id"`
	VerificationMethod   []verificationMethod `json:"verificationMethod"`
	Authentication       []string             `json:"authentication"`
	AssertionMethod      []string             `json:"assertionMethod"`
	CapabilityInvocation []string             `json:"capabilityInvocation"`
	CapabilityDelegation []string             `json:"capabilityDelegation"`
}

func newDocument(did, multibase string) document {
	keyID := did + "#" + multibase
	refs := []string{keyID}
	return document{
		Context: []string{
			"https://www.w3.org/ns/did/v1",
			"https://w3id.org/security/suites/ed25519-2020/v1",
		},
		ID: did,
		VerificationMethod: []verificationMethod{{
			ID:                 keyID,
			Type:               "Ed25519VerificationKey2020",
			Controller:         did,
			PublicKeyMultibase: multibase,
		}},
		Authentication:       refs,
		AssertionMethod:      refs,
		CapabilityInvocation: refs,
		CapabilityDelegation: refs,
	}
}
