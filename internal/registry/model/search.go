package model

import "strings"

// SemanticFloor is the exclusive lower bound on cosine similarity for a
// ranked-mode result.
const SemanticFloor = 0.5

// FuzzyThreshold is the inclusive lower bound on a fuzzy-match score.
const FuzzyThreshold = 0.6

// SearchMode selects a retrieval strategy.
type SearchMode string

const (
	// SearchModeAuto picks listing when no criteria are given, ranked otherwise.
	SearchModeAuto    SearchMode = ""
	SearchModeListing SearchMode = "listing"
	SearchModeRanked  SearchMode = "ranked"
	SearchModeLexical SearchMode = "lexical"
	SearchModeFuzzy   SearchMode = "fuzzy"
)

// ParseSearchMode accepts a mode name in any letter case.
func ParseSearchMode(raw string) (SearchMode, error) {
	m := SearchMode(strings.ToLower(strings.TrimSpace(raw)))
	switch m {
	case SearchModeAuto, SearchModeListing, SearchModeRanked, SearchModeLexical, SearchModeFuzzy:
		return m, nil
	}
	return "", &ErrValidation{Msg: "unknown search mode " + raw}
}

// SearchQuery is the input to the search engine.
type SearchQuery struct {
	Keyword      string
	Capabilities []string
	Status       AgentStatus
	Mode         SearchMode
	Limit        int
	Offset       int
}

// HasCriteria reports whether a keyword or at least one capability was given.
func (q SearchQuery) HasCriteria() bool {
	return strings.TrimSpace(q.Keyword) != "" || len(q.Capabilities) > 0
}

// SemanticQuery is the storage-level form of a ranked search.
type SemanticQuery struct {
	Embedding    []float32
	Capabilities []string
	Status       AgentStatus
	Floor        float64
	Limit        int
	Offset       int
}

// LexicalQuery is the storage-level form of a keyword search.
type LexicalQuery struct {
	Keyword      string
	Capabilities []string
	Status       AgentStatus
	Limit        int
	Offset       int
}

// ScoredAgent pairs an agent with its match score for one search.
type ScoredAgent struct {
	Agent *Agent  `json:"agent"`
	Score float64 `json:"match_score"`
}

// SearchResult is one page of search output.
type SearchResult struct {
	Mode    SearchMode     `json:"mode"`
	Results []*ScoredAgent `json:"results"`
	Count   int            `json:"count"`
	Total   int            `json:"total"`
}
