package identity_test

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/jmerrifield20/agent-registry/internal/identity"
	"github.com/jmerrifield20/agent-registry/internal/registry/model"
)

func TestGenerateSeed_Length(t *testing.T) {
	seed, err := identity.GenerateSeed(0)
	if err != nil {
		t.Fatalf("GenerateSeed: %v", err)
	}
	if len(seed) != identity.DefaultSeedLength {
		t.Errorf("len = %d, want %d", len(seed), identity.DefaultSeedLength)
	}

	other, _ := identity.GenerateSeed(64)
	if len(other) != 64 {
		t.Errorf("len = %d, want 64", len(other))
	}
	if bytes.Equal(seed, other[:32]) {
		t.Error("two seeds should not collide")
	}
}

func TestSeedEncoding_RoundTrip(t *testing.T) {
	seed, _ := identity.GenerateSeed(32)
	decoded, err := identity.DecodeSeed(identity.EncodeSeed(seed))
	if err != nil {
		t.Fatalf("DecodeSeed: %v", err)
	}
	if !bytes.Equal(seed, decoded) {
		t.Error("decoded seed differs from original")
	}

	if _, err := identity.DecodeSeed("%%%"); !errors.Is(err, model.ErrIdentity) {
		t.Errorf("expected ErrIdentity for bad seed, got %v", err)
	}
}

func TestCreateIdentity_Deterministic(t *testing.T) {
	p := identity.NewKeyProvider()
	seed := bytes.Repeat([]byte{7}, 32)

	a, err := p.CreateIdentity(seed)
	if err != nil {
		t.Fatalf("CreateIdentity: %v", err)
	}
	b, _ := p.CreateIdentity(seed)
	if a.Identifier != b.Identifier || !bytes.Equal(a.Document, b.Document) {
		t.Error("same seed produced different identities")
	}

	c, _ := p.CreateIdentity(bytes.Repeat([]byte{8}, 32))
	if c.Identifier == a.Identifier {
		t.Error("different seeds produced the same identifier")
	}
}

func TestCreateIdentity_DocumentShape(t *testing.T) {
	p := identity.NewKeyProvider()
	seed, _ := p.GenerateSeed(32)
	id, err := p.CreateIdentity(seed)
	if err != nil {
		t.Fatalf("CreateIdentity: %v", err)
	}
	if !strings.HasPrefix(id.Identifier, "did:key:z6Mk") {
		t.Errorf("identifier %q is not an ed25519 did:key", id.Identifier)
	}

	var doc struct {
		ID                 string `json:"id"`
		VerificationMethod []struct {
			ID         string `json:"id"`
			Controller string `json:"controller"`
		} `json:"verificationMethod"`
		Authentication []string `json:"authentication"`
	}
	if err := json.Unmarshal(id.Document, &doc); err != nil {
		t.Fatalf("document is not JSON: %v", err)
	}
	if doc.ID != id.Identifier {
		t.Errorf("document id = %q, want %q", doc.ID, id.Identifier)
	}
	if len(doc.VerificationMethod) != 1 || doc.VerificationMethod[0].Controller != id.Identifier {
		t.Errorf("unexpected verification methods: %+v", doc.VerificationMethod)
	}
	if len(doc.Authentication) != 1 || doc.Authentication[0] != doc.VerificationMethod[0].ID {
		t.Errorf("authentication should reference the key: %v", doc.Authentication)
	}

	pub, err := identity.PublicKeyFromDID(id.Identifier)
	if err != nil {
		t.Fatalf("PublicKeyFromDID: %v", err)
	}
	if len(pub) != 32 {
		t.Errorf("public key length = %d, want 32", len(pub))
	}
}

func TestCreateIdentity_ShortSeed(t *testing.T) {
	_, err := identity.NewKeyProvider().CreateIdentity([]byte("short"))
	if !errors.Is(err, model.ErrIdentity) {
		t.Errorf("expected ErrIdentity, got %v", err)
	}
}

func TestPublicKeyFromDID_Rejects(t *testing.T) {
	for _, did := range []string{"", "did:web:example.com", "did:key:z0OIl", "did:key:z111"} {
		if _, err := identity.PublicKeyFromDID(did); err == nil {
			t.Errorf("PublicKeyFromDID(%q) should fail", did)
		}
	}
}

func TestPrivateKey_MatchesDID(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, 32)
	priv, err := identity.PrivateKey(seed)
	if err != nil {
		t.Fatalf("PrivateKey: %v", err)
	}
	id, err := identity.NewKeyProvider().CreateIdentity(seed)
	if err != nil {
		t.Fatalf("CreateIdentity: %v", err)
	}
	pub, err := identity.PublicKeyFromDID(id.Identifier)
	if err != nil {
		t.Fatalf("PublicKeyFromDID: %v", err)
	}
	msg := []byte("hello")
	if !ed25519.Verify(pub, msg, ed25519.Sign(priv, msg)) {
		t.Error("signature from the derived key should verify against the DID key")
	}
}
