package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/jmerrifield20/agent-registry/internal/audit"
	"github.com/jmerrifield20/agent-registry/internal/identity"
	"github.com/jmerrifield20/agent-registry/internal/registry/model"
)

func TestGet_SeedOnlyForOwner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	agent := h.create(t, translatorBot())

	mine, err := h.agents.Get(ctx, agent.ID, owner)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if mine.Seed == "" {
		t.Error("owner should see the seed")
	}

	theirs, err := h.agents.GetByDID(ctx, agent.DIDIdentifier, "someone-else")
	if err != nil {
		t.Fatalf("GetByDID: %v", err)
	}
	if theirs.Seed != "" {
		t.Error("seed must be redacted for other viewers")
	}

	if _, err := h.agents.Get(ctx, "missing", owner); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestList_FiltersAndRedacts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, translatorBot())
	h.create(t, model.CreateRequest{Name: "Weather", Capabilities: model.Capabilities{AI: []string{"weather"}}})

	agents, total, err := h.agents.List(ctx, model.ListFilter{Name: "translator"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 1 || agents[0].Name != "Translator Bot" || agents[0].Seed != "" {
		t.Errorf("unexpected list: total=%d %+v", total, agents)
	}

	mine, total, err := h.agents.ListMine(ctx, owner, 0, 0)
	if err != nil || total != 2 {
		t.Fatalf("ListMine: total=%d err=%v", total, err)
	}
	for _, a := range mine {
		if a.Seed == "" {
			t.Error("owner listing should keep seeds")
		}
	}
}

func TestUpdate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	agent := h.create(t, translatorBot())

	name := "Weather Bot"
	if _, err := h.agents.Update(ctx, agent.ID, "someone-else", &model.UpdateRequest{Name: &name}); !errors.Is(err, model.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	calls := h.embedder.callCount()
	caps := model.Capabilities{AI: []string{"weather"}}
	updated, err := h.agents.Update(ctx, agent.ID, owner, &model.UpdateRequest{Name: &name, Capabilities: &caps})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Name != "Weather Bot" {
		t.Errorf("name = %q", updated.Name)
	}
	if h.embedder.callCount() != calls+1 {
		t.Error("changing describing fields should refresh the embedding")
	}

	// The refreshed embedding is what ranked search sees.
	res, err := h.search.Search(ctx, model.SearchQuery{Keyword: "weather"})
	if err != nil || len(res.Results) != 1 {
		t.Fatalf("search after update: %+v %v", res, err)
	}

	status := model.AgentStatusInactive
	calls = h.embedder.callCount()
	if _, err := h.agents.Update(ctx, agent.ID, owner, &model.UpdateRequest{Status: &status}); err != nil {
		t.Fatalf("status update: %v", err)
	}
	if h.embedder.callCount() != calls {
		t.Error("status-only update must not re-embed")
	}
}

func TestUpdate_RefreshFailureIsNonFatal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	agent := h.create(t, translatorBot())

	h.embedder.fail(errors.New("provider down"))
	desc := "now with more languages"
	updated, err := h.agents.Update(ctx, agent.ID, owner, &model.UpdateRequest{Description: &desc})
	if err != nil {
		t.Fatalf("Update should succeed despite refresh failure: %v", err)
	}
	stored, _ := h.repo.GetByID(ctx, agent.ID)
	if stored.Description != desc || updated.Description != desc {
		t.Error("metadata update must stand")
	}
}

func TestDelete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	agent := h.create(t, translatorBot())

	if err := h.agents.Delete(ctx, agent.ID, "someone-else"); !errors.Is(err, model.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := h.agents.Delete(ctx, agent.ID, owner); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if h.repo.Len() != 0 {
		t.Error("agent should be gone")
	}
}

func TestHistory_RecordsLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	agent := h.create(t, translatorBot())

	name := "Translator Bot v2"
	if _, err := h.agents.Update(ctx, agent.ID, owner, &model.UpdateRequest{Name: &name}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	hist, err := h.agents.History(ctx, agent.ID, owner)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(hist))
	}
	if hist[0].Action != audit.ActionCreated || hist[1].Action != audit.ActionUpdated {
		t.Errorf("actions = %s, %s", hist[0].Action, hist[1].Action)
	}
	if hist[0].Actor != owner {
		t.Errorf("actor = %q, want %q", hist[0].Actor, owner)
	}

	if _, err := h.agents.History(ctx, agent.ID, "someone-else"); !errors.Is(err, model.ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}

	if err := h.agents.Delete(ctx, agent.ID, owner); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	deleted, _ := h.audit.History(ctx, agent.ID)
	if last := deleted[len(deleted)-1]; last.Action != audit.ActionDeleted {
		t.Errorf("last action = %s, want deleted", last.Action)
	}
	if err := h.audit.Verify(ctx); err != nil {
		t.Errorf("audit chain should verify: %v", err)
	}
}

func TestCreate_FailureIsNotAudited(t *testing.T) {
	h := newHarness(t)
	h.embedder.fail(errors.New("provider down"))

	req := translatorBot()
	if _, _, err := h.prov.Create(context.Background(), owner, &req); err == nil {
		t.Fatal("expected creation error")
	}
	if n, _ := h.audit.Len(context.Background()); n != 1 {
		t.Errorf("aborted creation should not be audited, log len=%d", n)
	}
}

func TestCredentials(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	agent := h.create(t, translatorBot())

	creds, err := h.agents.Credentials(ctx, agent.ID, owner)
	if err != nil {
		t.Fatalf("Credentials: %v", err)
	}
	if string(creds) != `[{"id":"cred-`+agent.DIDIdentifier+`"}]` {
		t.Errorf("creds = %s", creds)
	}
	if _, err := h.agents.Credentials(ctx, agent.ID, "someone-else"); !errors.Is(err, model.ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
}

func TestVerifyCredential(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	agent := h.create(t, translatorBot())

	cred := json.RawMessage(`{"id":"cred-1","vc":{"credentialSubject":{"id":"` + agent.DIDIdentifier + `"}}}`)
	h.issuer.held = cred

	ok, err := h.agents.VerifyCredential(ctx, agent.DIDIdentifier, cred)
	if err != nil || !ok {
		t.Fatalf("VerifyCredential = %v, %v", ok, err)
	}

	other := json.RawMessage(`{"id":"cred-1","vc":{"credentialSubject":{"id":"did:key:zOther"}}}`)
	ok, err = h.agents.VerifyCredential(ctx, agent.DIDIdentifier, other)
	if err != nil || ok {
		t.Errorf("credential for another subject: %v, %v", ok, err)
	}

	if _, err := h.agents.VerifyCredential(ctx, "did:key:zUnknown", cred); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateMQTT(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	agent := h.create(t, translatorBot())

	got, err := h.agents.UpdateMQTT(ctx, &model.MQTTRequest{Seed: agent.Seed, MQTTURI: "mqtt://broker.local:1883"})
	if err != nil {
		t.Fatalf("UpdateMQTT: %v", err)
	}
	if got.MQTTURI == nil || *got.MQTTURI != "mqtt://broker.local:1883" {
		t.Fatalf("mqtt_uri = %v", got.MQTTURI)
	}
	if got.Seed != "" {
		t.Error("seed must be redacted")
	}
	stored, _ := h.repo.GetByID(ctx, agent.ID)
	if stored.MQTTURI == nil || *stored.MQTTURI != "mqtt://broker.local:1883" {
		t.Errorf("stored mqtt_uri = %v", stored.MQTTURI)
	}

	hist, _ := h.audit.History(ctx, agent.ID)
	last := hist[len(hist)-1]
	if last.Action != audit.ActionUpdated || last.Actor != agent.DIDIdentifier {
		t.Errorf("audit entry = %s by %s", last.Action, last.Actor)
	}

	// An empty URI clears it.
	got, err = h.agents.UpdateMQTT(ctx, &model.MQTTRequest{Seed: agent.Seed})
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if got.MQTTURI != nil {
		t.Errorf("mqtt_uri should be cleared, got %q", *got.MQTTURI)
	}
}

func TestUpdateMQTT_Rejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	agent := h.create(t, translatorBot())
	gone := h.create(t, model.CreateRequest{Name: "Short Lived"})
	if err := h.agents.Delete(ctx, gone.ID, owner); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	stranger, err := identity.GenerateSeed(32)
	if err != nil {
		t.Fatalf("GenerateSeed: %v", err)
	}

	var valErr *model.ErrValidation
	if _, err := h.agents.UpdateMQTT(ctx, &model.MQTTRequest{Seed: agent.Seed, MQTTURI: "ftp://broker"}); !errors.As(err, &valErr) {
		t.Errorf("bad scheme: expected ErrValidation, got %v", err)
	}
	if _, err := h.agents.UpdateMQTT(ctx, &model.MQTTRequest{Seed: "not base64!", MQTTURI: "mqtt://broker"}); !errors.As(err, &valErr) {
		t.Errorf("bad seed encoding: expected ErrValidation, got %v", err)
	}
	for name, seed := range map[string]string{
		"unknown seed": identity.EncodeSeed(stranger),
		"deleted":      gone.Seed,
	} {
		_, err := h.agents.UpdateMQTT(ctx, &model.MQTTRequest{Seed: seed, MQTTURI: "mqtt://broker"})
		if !errors.Is(err, model.ErrForbidden) {
			t.Errorf("%s: expected ErrForbidden, got %v", name, err)
		}
	}

	stored, _ := h.repo.GetByID(ctx, agent.ID)
	if stored.MQTTURI != nil {
		t.Errorf("rejected updates must not write, got %q", *stored.MQTTURI)
	}
}
