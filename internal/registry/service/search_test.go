package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/jmerrifield20/agent-registry/internal/registry/model"
	"github.com/jmerrifield20/agent-registry/internal/registry/repository"
	"github.com/jmerrifield20/agent-registry/internal/registry/service"
)

func seedCatalog(t *testing.T, h *harness) map[string]*model.Agent {
	t.Helper()
	reqs := []model.CreateRequest{
		translatorBot(),
		{Name: "Invoice Reader", Description: "Extracts totals from PDF invoice files",
			Capabilities: model.Capabilities{AI: []string{"pdf parsing"}, Integration: []string{"slack"}}},
		{Name: "Forecaster", Description: "Weather forecasts",
			Capabilities: model.Capabilities{AI: []string{"weather"}, Protocols: []string{"grpc"}}},
		{Name: "Dormant", Status: model.AgentStatusInactive,
			Capabilities: model.Capabilities{Protocols: []string{"http2"}}},
	}
	out := map[string]*model.Agent{}
	for _, r := range reqs {
		a := h.create(t, r)
		out[a.Name] = a
	}
	return out
}

func TestSearch_ListingWithoutCriteria(t *testing.T) {
	h := newHarness(t)
	seedCatalog(t, h)

	res, err := h.search.Search(context.Background(), model.SearchQuery{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res.Mode != model.SearchModeListing {
		t.Errorf("mode = %s, want listing", res.Mode)
	}
	want := []string{"Forecaster", "Invoice Reader", "Translator Bot"}
	if res.Total != len(want) || len(res.Results) != len(want) {
		t.Fatalf("got %d results (total %d), want %d", len(res.Results), res.Total, len(want))
	}
	for i, name := range want {
		r := res.Results[i]
		if r.Agent.Name != name {
			t.Errorf("result[%d] = %s, want %s", i, r.Agent.Name, name)
		}
		if r.Score != 1.0 {
			t.Errorf("listing score = %f, want 1", r.Score)
		}
		if r.Agent.Status != model.AgentStatusActive {
			t.Errorf("listing returned %s agent", r.Agent.Status)
		}
	}
	if h.metrics.get("search:listing:true") != 1 {
		t.Error("search should be recorded")
	}
}

func TestSearch_RankedRespectsFloor(t *testing.T) {
	h := newHarness(t)
	seedCatalog(t, h)

	queries := []model.SearchQuery{
		{Keyword: "pdf invoice"},
		{Keyword: "weather"},
		{Capabilities: []string{"http"}},
		{Keyword: "chat about translation"},
		{Keyword: "nothing in the vocabulary"},
	}
	for _, q := range queries {
		res, err := h.search.Search(context.Background(), q)
		if err != nil {
			t.Fatalf("Search(%+v): %v", q, err)
		}
		if res.Mode != model.SearchModeRanked {
			t.Errorf("Search(%+v) mode = %s", q, res.Mode)
		}
		for i, r := range res.Results {
			if r.Score <= model.SemanticFloor {
				t.Errorf("Search(%+v): %s scored %f", q, r.Agent.Name, r.Score)
			}
			if i > 0 && r.Score > res.Results[i-1].Score {
				t.Errorf("Search(%+v): scores not descending", q)
			}
		}
	}
}

func TestSearch_RankedCapabilityFilter(t *testing.T) {
	h := newHarness(t)
	seedCatalog(t, h)

	// Only the invoice reader has a capability token containing "slack".
	res, err := h.search.Search(context.Background(), model.SearchQuery{
		Keyword:      "pdf invoice",
		Capabilities: []string{"SLACK"},
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Results) != 1 || res.Results[0].Agent.Name != "Invoice Reader" {
		t.Fatalf("unexpected results: %+v", res.Results)
	}

	res, err = h.search.Search(context.Background(), model.SearchQuery{
		Keyword:      "pdf invoice",
		Capabilities: []string{"grpc"},
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, r := range res.Results {
		if r.Agent.Name == "Invoice Reader" {
			t.Error("agents without a matching capability token must be filtered out")
		}
	}
}

func TestSearch_RankedEmbeddingFailure(t *testing.T) {
	h := newHarness(t)
	seedCatalog(t, h)
	h.embedder.fail(errors.New("provider down"))

	_, err := h.search.Search(context.Background(), model.SearchQuery{Keyword: "weather"})
	if !errors.Is(err, model.ErrSearch) {
		t.Fatalf("expected ErrSearch, got %v", err)
	}
	if h.metrics.get("search:ranked:false") != 1 {
		t.Error("failed search should be recorded")
	}

	// Lexical mode stays available when requested explicitly.
	res, err := h.search.Search(context.Background(), model.SearchQuery{Keyword: "weather", Mode: model.SearchModeLexical})
	if err != nil || len(res.Results) != 1 {
		t.Fatalf("lexical: %+v %v", res, err)
	}
}

func TestSearch_AutoWithoutEmbedderUsesLexical(t *testing.T) {
	h := newHarness(t)
	seedCatalog(t, h)
	s := service.NewSearchService(h.repo, nil, nil)

	res, err := s.Search(context.Background(), model.SearchQuery{Keyword: "invoice"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res.Mode != model.SearchModeLexical || len(res.Results) != 1 || res.Results[0].Agent.Name != "Invoice Reader" {
		t.Errorf("unexpected result: %+v", res)
	}

	if _, err := s.Ranked(context.Background(), model.SearchQuery{Keyword: "invoice"}); !errors.Is(err, model.ErrSearch) {
		t.Errorf("ranked without embedder: expected ErrSearch, got %v", err)
	}
}

func TestSearch_Fuzzy(t *testing.T) {
	h := newHarness(t)
	seedCatalog(t, h)
	h.create(t, model.CreateRequest{Name: "Web Client", Capabilities: model.Capabilities{Protocols: []string{" HTTP2 "}}})

	res, err := h.search.Search(context.Background(), model.SearchQuery{
		Capabilities: []string{"http"},
		Mode:         model.SearchModeFuzzy,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res.Mode != model.SearchModeFuzzy || len(res.Results) != 2 {
		t.Fatalf("unexpected results: %+v", res.Results)
	}
	// Exact match first, then the containment match at 4/5.
	if res.Results[0].Agent.Name != "Translator Bot" || res.Results[0].Score != 1.0 {
		t.Errorf("first = %s (%f)", res.Results[0].Agent.Name, res.Results[0].Score)
	}
	if res.Results[1].Agent.Name != "Web Client" || res.Results[1].Score != 0.8 {
		t.Errorf("second = %s (%f)", res.Results[1].Agent.Name, res.Results[1].Score)
	}
	for _, r := range res.Results {
		if r.Score < model.FuzzyThreshold {
			t.Errorf("%s scored %f below threshold", r.Agent.Name, r.Score)
		}
	}
}

func TestSearch_FuzzyNeedsTokens(t *testing.T) {
	h := newHarness(t)
	var valErr *model.ErrValidation
	_, err := h.search.Fuzzy(context.Background(), model.SearchQuery{})
	if !errors.As(err, &valErr) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestSearch_RankedNeedsCriteria(t *testing.T) {
	h := newHarness(t)
	seedCatalog(t, h)
	calls := h.embedder.callCount()

	var valErr *model.ErrValidation
	_, err := h.search.Search(context.Background(), model.SearchQuery{Mode: model.SearchModeRanked, Keyword: "  "})
	if !errors.As(err, &valErr) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if errors.Is(err, model.ErrSearch) {
		t.Error("missing criteria is bad input, not an unavailable search engine")
	}
	if h.embedder.callCount() != calls {
		t.Error("embedder must not be called without criteria")
	}
}

func TestSearch_Pagination(t *testing.T) {
	h := newHarness(t)
	seedCatalog(t, h)

	res, err := h.search.Search(context.Background(), model.SearchQuery{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res.Total != 3 || res.Count != 1 || res.Results[0].Agent.Name != "Invoice Reader" {
		t.Errorf("unexpected page: %+v", res)
	}
}

func TestRoute(t *testing.T) {
	s := service.NewSearchService(repository.NewMemoryAgentRepository(), &vocabEmbedder{}, nil)
	cases := []struct {
		q    model.SearchQuery
		want model.SearchMode
	}{
		{model.SearchQuery{}, model.SearchModeListing},
		{model.SearchQuery{Keyword: "x"}, model.SearchModeRanked},
		{model.SearchQuery{Capabilities: []string{"x"}}, model.SearchModeRanked},
		{model.SearchQuery{Keyword: "x", Mode: model.SearchModeFuzzy}, model.SearchModeFuzzy},
		{model.SearchQuery{Mode: model.SearchModeLexical}, model.SearchModeLexical},
	}
	for _, tc := range cases {
		if got := s.Route(tc.q); got != tc.want {
			t.Errorf("Route(%+v) = %s, want %s", tc.q, got, tc.want)
		}
	}
}
