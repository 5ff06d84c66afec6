package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmerrifield20/agent-registry/internal/identity"
	"github.com/jmerrifield20/agent-registry/pkg/client"
)

const testAgentID = "550e8400-e29b-41d4-a716-446655440000"

// ── Stub server ─────────────────────────────────────────────────────────

type stub struct {
	srv      *httptest.Server
	gets     atomic.Int32
	lastAuth atomic.Value
	lastURL  atomic.Value
}

func stubRegistryServer(t *testing.T) *stub {
	t.Helper()
	s := &stub{}
	mux := http.NewServeMux()

	agentJSON := map[string]any{
		"id":             testAgentID,
		"did_identifier": "did:key:z6Mktest",
		"name":           "Translator Bot",
		"status":         "ACTIVE",
		"owner_id":       "alice",
		"capabilities":   map[string]any{"ai": []string{"translation"}, "protocols": []string{"http"}, "integration": []string{}},
	}

	mux.HandleFunc("/api/v1/agents", func(w http.ResponseWriter, r *http.Request) {
		s.lastAuth.Store(r.Header.Get("Authorization"))
		s.lastURL.Store(r.URL.String())
		switch r.Method {
		case http.MethodPost:
			var req client.CreateAgentRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]string{"error": "name is required"})
				return
			}
			if req.ID == testAgentID {
				w.WriteHeader(http.StatusOK)
			} else {
				w.WriteHeader(http.StatusCreated)
			}
			json.NewEncoder(w).Encode(agentJSON)
		case http.MethodGet:
			json.NewEncoder(w).Encode(map[string]any{
				"agents": []any{agentJSON},
				"count":  1,
				"total":  1,
			})
		}
	})

	mux.HandleFunc("/api/v1/agents/search", func(w http.ResponseWriter, r *http.Request) {
		s.lastURL.Store(r.URL.String())
		json.NewEncoder(w).Encode(map[string]any{
			"mode":    r.URL.Query().Get("mode"),
			"results": []any{map[string]any{"agent": agentJSON, "match_score": 0.87}},
			"count":   1,
			"total":   1,
		})
	})

	mux.HandleFunc("/api/v1/agents/"+testAgentID, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			s.gets.Add(1)
			json.NewEncoder(w).Encode(agentJSON)
		case http.MethodPatch:
			json.NewEncoder(w).Encode(agentJSON)
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		}
	})

	mux.HandleFunc("/api/v1/agents/mqtt", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Seed    string `json:"seed"`
			MQTTURI string `json:"mqtt_uri"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if body.Seed != "c2VlZA==" {
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(map[string]string{"error": "forbidden"})
			return
		}
		out := map[string]any{}
		for k, v := range agentJSON {
			out[k] = v
		}
		if body.MQTTURI != "" {
			out["mqtt_uri"] = body.MQTTURI
		}
		json.NewEncoder(w).Encode(out)
	})

	mux.HandleFunc("/api/v1/agents/missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "agent not found"})
	})

	mux.HandleFunc("/api/v1/sdk/match", func(w http.ResponseWriter, r *http.Request) {
		s.lastURL.Store(r.URL.String())
		json.NewEncoder(w).Encode(map[string]any{
			"mode":    "fuzzy",
			"results": []any{map[string]any{"agent": agentJSON, "match_score": 0.9}},
			"count":   1,
			"total":   1,
		})
	})

	mux.HandleFunc("/api/v1/sdk/verify", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			DID string `json:"did"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		json.NewEncoder(w).Encode(map[string]any{"did": body.DID, "valid": body.DID == "did:key:z6Mktest"})
	})

	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

// ── Tests ───────────────────────────────────────────────────────────────

func TestNew_RequiresBase(t *testing.T) {
	if _, err := client.New(""); err == nil {
		t.Fatal("expected error for empty base URL")
	}
	if _, err := client.New("http://x", client.WithHTTPClient(nil)); err == nil {
		t.Fatal("expected error for nil http client")
	}
}

func TestCreateAgent(t *testing.T) {
	s := stubRegistryServer(t)
	c := client.MustNew(s.srv.URL, client.WithBearerToken("tok"))

	agent, created, err := c.CreateAgent(context.Background(), client.CreateAgentRequest{
		Name:         "Translator Bot",
		Capabilities: client.Capabilities{AI: []string{"translation"}},
	})
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	if !created {
		t.Error("expected created=true on 201")
	}
	if agent.ID != testAgentID || agent.Capabilities.AI[0] != "translation" {
		t.Errorf("unexpected agent: %+v", agent)
	}
	if got := s.lastAuth.Load(); got != "Bearer tok" {
		t.Errorf("Authorization = %v, want Bearer tok", got)
	}

	_, created, err = c.CreateAgent(context.Background(), client.CreateAgentRequest{ID: testAgentID, Name: "Translator Bot"})
	if err != nil {
		t.Fatalf("CreateAgent (existing): %v", err)
	}
	if created {
		t.Error("expected created=false on 200")
	}
}

func TestCreateAgent_APIError(t *testing.T) {
	s := stubRegistryServer(t)
	c := client.MustNew(s.srv.URL)

	_, _, err := c.CreateAgent(context.Background(), client.CreateAgentRequest{})
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Message != "name is required" {
		t.Errorf("unexpected error: %+v", apiErr)
	}
}

func TestGetAgent_NotFound(t *testing.T) {
	s := stubRegistryServer(t)
	c := client.MustNew(s.srv.URL)

	_, err := c.GetAgent(context.Background(), "missing")
	if !client.IsNotFound(err) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestGetAgent_Cache(t *testing.T) {
	s := stubRegistryServer(t)
	c := client.MustNew(s.srv.URL, client.WithCacheTTL(time.Minute))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := c.GetAgent(ctx, testAgentID); err != nil {
			t.Fatalf("GetAgent: %v", err)
		}
	}
	if n := s.gets.Load(); n != 1 {
		t.Errorf("server saw %d GETs, want 1", n)
	}

	if err := c.DeleteAgent(ctx, testAgentID); err != nil {
		t.Fatalf("DeleteAgent: %v", err)
	}
	if _, err := c.GetAgent(ctx, testAgentID); err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if n := s.gets.Load(); n != 2 {
		t.Errorf("server saw %d GETs after delete, want 2", n)
	}
}

func TestUpdateMQTT(t *testing.T) {
	s := stubRegistryServer(t)
	c := client.MustNew(s.srv.URL, client.WithCacheTTL(time.Minute))
	ctx := context.Background()

	if _, err := c.GetAgent(ctx, testAgentID); err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	a, err := c.UpdateMQTT(ctx, "c2VlZA==", "mqtt://broker.local:1883")
	if err != nil {
		t.Fatalf("UpdateMQTT: %v", err)
	}
	if a.MQTTURI == nil || *a.MQTTURI != "mqtt://broker.local:1883" {
		t.Errorf("mqtt_uri = %v", a.MQTTURI)
	}
	if _, err := c.GetAgent(ctx, testAgentID); err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if n := s.gets.Load(); n != 2 {
		t.Errorf("cached agent should be evicted, server saw %d GETs", n)
	}

	_, err = c.UpdateMQTT(ctx, "d3Jvbmc=", "mqtt://broker")
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 APIError, got %v", err)
	}
}

func TestListAgents_Query(t *testing.T) {
	s := stubRegistryServer(t)
	c := client.MustNew(s.srv.URL)

	list, err := c.ListAgents(context.Background(), client.ListParams{
		Status:       "ACTIVE",
		Capabilities: []string{"translation", "http"},
		Limit:        10,
	})
	if err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	if list.Total != 1 || len(list.Agents) != 1 {
		t.Errorf("unexpected list: %+v", list)
	}
	u := s.lastURL.Load().(string)
	for _, want := range []string{"status=ACTIVE", "capabilities=translation%2Chttp", "limit=10"} {
		if !strings.Contains(u, want) {
			t.Errorf("query %q missing %q", u, want)
		}
	}
	if strings.Contains(u, "offset=") {
		t.Errorf("zero offset should be omitted: %q", u)
	}
}

func TestSearch(t *testing.T) {
	s := stubRegistryServer(t)
	c := client.MustNew(s.srv.URL)

	res, err := c.Search(context.Background(), client.SearchParams{Keyword: "translate", Mode: "ranked"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res.Mode != "ranked" || len(res.Results) != 1 || res.Results[0].Score != 0.87 {
		t.Errorf("unexpected result: %+v", res)
	}
	if u := s.lastURL.Load().(string); !strings.Contains(u, "keyword=translate") {
		t.Errorf("query %q missing keyword", u)
	}
}

func TestMatch(t *testing.T) {
	s := stubRegistryServer(t)
	c := client.MustNew(s.srv.URL)

	if _, err := c.Match(context.Background()); err == nil {
		t.Fatal("expected error with no capabilities")
	}
	res, err := c.Match(context.Background(), "translaton")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if res.Mode != "fuzzy" || res.Count != 1 {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestVerifyCredential(t *testing.T) {
	s := stubRegistryServer(t)
	c := client.MustNew(s.srv.URL)

	ok, err := c.VerifyCredential(context.Background(), "did:key:z6Mktest", json.RawMessage(`{"proof":"x"}`))
	if err != nil || !ok {
		t.Fatalf("VerifyCredential = %v, %v; want true", ok, err)
	}
	ok, err = c.VerifyCredential(context.Background(), "did:key:other", json.RawMessage(`{}`))
	if err != nil || ok {
		t.Fatalf("VerifyCredential = %v, %v; want false", ok, err)
	}
}

// ── Agent keys ──────────────────────────────────────────────────────────

func TestAgentKey_RoundTripAndSign(t *testing.T) {
	seed, err := identity.GenerateSeed(0)
	if err != nil {
		t.Fatal(err)
	}
	id, err := identity.NewKeyProvider().CreateIdentity(seed)
	if err != nil {
		t.Fatal(err)
	}

	key, err := client.KeyFromAgent(&client.Agent{ID: "a1", DIDIdentifier: id.Identifier, Seed: identity.EncodeSeed(seed)})
	if err != nil {
		t.Fatalf("KeyFromAgent: %v", err)
	}

	dir := t.TempDir()
	if _, err := client.SaveAgentKey(dir, key); err != nil {
		t.Fatalf("SaveAgentKey: %v", err)
	}
	loaded, err := client.LoadAgentKey(dir, "a1")
	if err != nil {
		t.Fatalf("LoadAgentKey: %v", err)
	}
	if *loaded != *key {
		t.Errorf("loaded %+v, want %+v", loaded, key)
	}

	if _, err := loaded.SigningKey(); err != nil {
		t.Fatalf("SigningKey: %v", err)
	}

	other, _ := identity.GenerateSeed(0)
	loaded.Seed = identity.EncodeSeed(other)
	if _, err := loaded.SigningKey(); err == nil {
		t.Error("expected mismatch error for a foreign seed")
	}
}

func TestKeyFromAgent_NoSeed(t *testing.T) {
	if _, err := client.KeyFromAgent(&client.Agent{ID: "a1"}); err == nil {
		t.Error("expected error when seed is absent")
	}
}
