package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmerrifield20/agent-registry/internal/embeddings"
	"github.com/jmerrifield20/agent-registry/internal/registry/model"
	"github.com/jmerrifield20/agent-registry/internal/similarity"
	"go.uber.org/zap"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// SearchConfig holds the search thresholds.
type SearchConfig struct {
	SemanticFloor  float64 // ranked mode: results must score strictly above
	FuzzyThreshold float64 // fuzzy mode: results must score at least
}

// SearchService routes a query to one of four strategies:
//
//	listing  no criteria; every agent with the status, newest first, score 1
//	ranked   cosine similarity of query and agent embeddings above a floor
//	lexical  case-insensitive substring match, newest first, score 1
//	fuzzy    best Levenshtein-based token score at or above a threshold
//
// Ranked and fuzzy keep their own thresholds and tie-breaks.
type SearchService struct {
	repo     agentRepo
	embedder Embedder // nil = ranked mode unavailable
	cfg      SearchConfig
	metrics  MetricsRecorder
	logger   *zap.Logger
}

// NewSearchService creates a SearchService. embedder may be nil.
func NewSearchService(repo agentRepo, embedder Embedder, logger *zap.Logger) *SearchService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SearchService{
		repo:     repo,
		embedder: embedder,
		cfg: SearchConfig{
			SemanticFloor:  model.SemanticFloor,
			FuzzyThreshold: model.FuzzyThreshold,
		},
		metrics: nopMetrics{},
		logger:  logger,
	}
}

// SetConfig overrides the thresholds. Zero fields keep their defaults.
func (s *SearchService) SetConfig(cfg SearchConfig) {
	if cfg.SemanticFloor > 0 {
		s.cfg.SemanticFloor = cfg.SemanticFloor
	}
	if cfg.FuzzyThreshold > 0 {
		s.cfg.FuzzyThreshold = cfg.FuzzyThreshold
	}
}

// SetMetrics configures the metrics recorder.
func (s *SearchService) SetMetrics(m MetricsRecorder) {
	if m == nil {
		m = nopMetrics{}
	}
	s.metrics = m
}

// Route returns the strategy Search will use for q.
func (s *SearchService) Route(q model.SearchQuery) model.SearchMode {
	if q.Mode != model.SearchModeAuto {
		return q.Mode
	}
	switch {
	case !q.HasCriteria():
		return model.SearchModeListing
	case s.embedder == nil:
		return model.SearchModeLexical
	default:
		return model.SearchModeRanked
	}
}

// Search normalizes q and runs the routed strategy. A ranked-mode failure is
// returned as model.ErrSearch and never falls back to another mode.
func (s *SearchService) Search(ctx context.Context, q model.SearchQuery) (*model.SearchResult, error) {
	q = normalizeQuery(q)
	mode := s.Route(q)

	start := time.Now()
	var (
		res *model.SearchResult
		err error
	)
	switch mode {
	case model.SearchModeListing:
		res, err = s.Listing(ctx, q)
	case model.SearchModeRanked:
		res, err = s.Ranked(ctx, q)
	case model.SearchModeLexical:
		res, err = s.Lexical(ctx, q)
	case model.SearchModeFuzzy:
		res, err = s.Fuzzy(ctx, q)
	default:
		err = &model.ErrValidation{Msg: "unknown search mode " + string(mode)}
	}

	n := 0
	if res != nil {
		n = res.Count
	}
	s.metrics.RecordSearch(mode, n, err == nil, time.Since(start))
	if err != nil {
		s.logger.Warn("search failed",
			zap.String("mode", string(mode)),
			zap.String("keyword", q.Keyword),
			zap.Error(err),
		)
		return nil, err
	}
	return res, nil
}

// Listing returns every agent with the requested status, newest first, each
// scored 1.0.
func (s *SearchService) Listing(ctx context.Context, q model.SearchQuery) (*model.SearchResult, error) {
	q = normalizeQuery(q)
	agents, total, err := s.repo.List(ctx, model.ListFilter{
		Status:       q.Status,
		Capabilities: q.Capabilities,
		Limit:        q.Limit,
		Offset:       q.Offset,
	})
	if err != nil {
		return nil, fmt.Errorf("listing search: %w", err)
	}
	scored := make([]*model.ScoredAgent, len(agents))
	for i, a := range agents {
		scored[i] = &model.ScoredAgent{Agent: a, Score: 1.0}
	}
	return result(model.SearchModeListing, scored, total), nil
}

// Ranked embeds keyword and capabilities as one query and ranks agents by
// cosine similarity. Capability tokens also act as a structural filter.
func (s *SearchService) Ranked(ctx context.Context, q model.SearchQuery) (*model.SearchResult, error) {
	q = normalizeQuery(q)
	if !q.HasCriteria() {
		return nil, &model.ErrValidation{Msg: "ranked search needs a keyword or at least one capability"}
	}
	if s.embedder == nil {
		return nil, fmt.Errorf("%w: no embedding provider configured", model.ErrSearch)
	}
	vec, err := s.embedder.EmbedText(ctx, embeddings.BuildQueryText(q.Keyword, q.Capabilities))
	if err != nil {
		return nil, fmt.Errorf("%w: embed query: %w", model.ErrSearch, err)
	}
	scored, total, err := s.repo.SemanticSearch(ctx, model.SemanticQuery{
		Embedding:    vec,
		Capabilities: q.Capabilities,
		Status:       q.Status,
		Floor:        s.cfg.SemanticFloor,
		Limit:        q.Limit,
		Offset:       q.Offset,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: semantic search: %w", model.ErrSearch, err)
	}
	return result(model.SearchModeRanked, scored, total), nil
}

// Lexical matches the keyword against name, description and public metadata.
func (s *SearchService) Lexical(ctx context.Context, q model.SearchQuery) (*model.SearchResult, error) {
	q = normalizeQuery(q)
	scored, total, err := s.repo.LexicalSearch(ctx, model.LexicalQuery{
		Keyword:      q.Keyword,
		Capabilities: q.Capabilities,
		Status:       q.Status,
		Limit:        q.Limit,
		Offset:       q.Offset,
	})
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}
	return result(model.SearchModeLexical, scored, total), nil
}

// Fuzzy scores every agent with the requested status by the best string
// similarity between a query token and any of its capability tokens.
// The keyword, when present, is scored as one more token.
func (s *SearchService) Fuzzy(ctx context.Context, q model.SearchQuery) (*model.SearchResult, error) {
	q = normalizeQuery(q)
	tokens := q.Capabilities
	if q.Keyword != "" {
		tokens = append(append([]string(nil), tokens...), q.Keyword)
	}
	if len(tokens) == 0 {
		return nil, &model.ErrValidation{Msg: "fuzzy search needs at least one capability"}
	}

	agents, err := s.repo.AllByStatus(ctx, q.Status)
	if err != nil {
		return nil, fmt.Errorf("fuzzy search: %w", err)
	}

	var scored []*model.ScoredAgent
	for _, a := range agents {
		if score := similarity.BestPair(tokens, a.Capabilities.All()); score >= s.cfg.FuzzyThreshold {
			scored = append(scored, &model.ScoredAgent{Agent: a, Score: score})
		}
	}
	// agents arrive newest first; the stable sort keeps that order for ties.
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	total := len(scored)
	lo := min(q.Offset, total)
	hi := min(lo+q.Limit, total)
	return result(model.SearchModeFuzzy, scored[lo:hi], total), nil
}

// normalizeQuery trims input, defaults the status to ACTIVE and clamps paging.
func normalizeQuery(q model.SearchQuery) model.SearchQuery {
	q.Keyword = strings.TrimSpace(q.Keyword)
	caps := make([]string, 0, len(q.Capabilities))
	for _, c := range q.Capabilities {
		if c = strings.TrimSpace(c); c != "" {
			caps = append(caps, c)
		}
	}
	q.Capabilities = caps
	if q.Status == "" {
		q.Status = model.AgentStatusActive
	}
	q.Limit, q.Offset = clampPage(q.Limit, q.Offset)
	return q
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func result(mode model.SearchMode, scored []*model.ScoredAgent, total int) *model.SearchResult {
	out := make([]*model.ScoredAgent, len(scored))
	for i, sa := range scored {
		out[i] = &model.ScoredAgent{Agent: sa.Agent.ViewFor(""), Score: sa.Score}
	}
	return &model.SearchResult{Mode: mode, Results: out, Count: len(out), Total: total}
}
