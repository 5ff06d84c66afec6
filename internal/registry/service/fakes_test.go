package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmerrifield20/agent-registry/internal/embeddings"
	"github.com/jmerrifield20/agent-registry/internal/identity"
	"github.com/jmerrifield20/agent-registry/internal/registry/model"
	"github.com/jmerrifield20/agent-registry/internal/registry/repository"
)

// vocab is the fixed term list the test embedder projects text onto.
var vocab = []string{"translation", "http", "pdf", "invoice", "weather", "grpc", "slack", "chat"}

// vocabEmbedder marks one axis per vocabulary term present in the text.
// Cosine similarity between two texts is then a function of shared terms only.
type vocabEmbedder struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (e *vocabEmbedder) EmbedText(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	v := make([]float32, model.EmbeddingDimensions)
	lower := strings.ToLower(text)
	for i, term := range vocab {
		if strings.Contains(lower, term) {
			v[i] = 1
		}
	}
	return v, nil
}

func (e *vocabEmbedder) EmbedAgent(ctx context.Context, name, description string, caps model.Capabilities) ([]float32, error) {
	return e.EmbedText(ctx, embeddings.BuildSearchableText(name, description, caps))
}

func (e *vocabEmbedder) fail(err error) {
	e.mu.Lock()
	e.err = err
	e.mu.Unlock()
}

func (e *vocabEmbedder) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// failingIdentity always fails to derive an identity.
type failingIdentity struct{}

func (failingIdentity) GenerateSeed(n int) ([]byte, error) { return identity.GenerateSeed(n) }
func (failingIdentity) CreateIdentity([]byte) (*identity.Identity, error) {
	return nil, errors.New("key material unavailable")
}

// unverifiedRepo commits the row and then reports that the embedding could
// not be read back, as a transaction that partially escaped would.
type unverifiedRepo struct {
	*repository.MemoryAgentRepository
	broken bool
}

func (r *unverifiedRepo) CreateVerified(ctx context.Context, agent *model.Agent, embedding []float32) error {
	if err := r.MemoryAgentRepository.CreateVerified(ctx, agent, embedding); err != nil {
		return err
	}
	if r.broken {
		return fmt.Errorf("%w: embedding not visible after write", model.ErrStorage)
	}
	return nil
}

// blindRepo never finds an agent by id, so the idempotency lookup is skipped
// and uniqueness is left to the store.
type blindRepo struct {
	*repository.MemoryAgentRepository
}

func (blindRepo) GetByID(context.Context, string) (*model.Agent, error) {
	return nil, model.ErrNotFound
}

// stubIssuer records calls and fails when configured to.
type stubIssuer struct {
	mu          sync.Mutex
	err         error
	connections map[string]string
	issued      []string
	held        json.RawMessage
}

func newStubIssuer() *stubIssuer {
	return &stubIssuer{connections: map[string]string{}}
}

func (s *stubIssuer) CreateConnection(_ context.Context, did string, _ json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.connections[did] = "conn-" + did
	return nil
}

func (s *stubIssuer) ResolveConnection(_ context.Context, did string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	id, ok := s.connections[did]
	if !ok {
		return "", model.ErrIssuer
	}
	return id, nil
}

func (s *stubIssuer) IssueCredential(_ context.Context, did string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.issued = append(s.issued, did)
	return nil
}

func (s *stubIssuer) Credentials(_ context.Context, did string) (json.RawMessage, error) {
	if s.err != nil {
		return nil, s.err
	}
	return json.RawMessage(`[{"id":"cred-` + did + `"}]`), nil
}

func (s *stubIssuer) VerifyCredential(_ context.Context, presented json.RawMessage) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	var a, b any
	_ = json.Unmarshal(presented, &a)
	_ = json.Unmarshal(s.held, &b)
	return fmt.Sprint(a) == fmt.Sprint(b), nil
}

// recordingMetrics counts observations by key.
type recordingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{counts: map[string]int{}}
}

func (m *recordingMetrics) inc(key string) {
	m.mu.Lock()
	m.counts[key]++
	m.mu.Unlock()
}

func (m *recordingMetrics) get(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[key]
}

func (m *recordingMetrics) RecordProvisioning(outcome, step string, _ time.Duration) {
	m.inc("provision:" + outcome + ":" + step)
}

func (m *recordingMetrics) RecordCompensation(action string, ok bool) {
	m.inc(fmt.Sprintf("compensate:%s:%t", action, ok))
}

func (m *recordingMetrics) RecordEnrichment(branch string, ok bool) {
	m.inc(fmt.Sprintf("enrich:%s:%t", branch, ok))
}

func (m *recordingMetrics) RecordSearch(mode model.SearchMode, _ int, ok bool, _ time.Duration) {
	m.inc(fmt.Sprintf("search:%s:%t", mode, ok))
}
