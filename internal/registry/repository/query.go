package repository

import (
	"fmt"
	"strings"
)

// whereBuilder collects AND-ed SQL conditions with automatically numbered
// placeholders. Values only ever reach the database as bound parameters.
type whereBuilder struct {
	clauses []string
	args    []any
}

// arg binds v and returns its placeholder.
func (w *whereBuilder) arg(v any) string {
	w.args = append(w.args, v)
	return fmt.Sprintf("$%d", len(w.args))
}

func (w *whereBuilder) add(clause string) {
	w.clauses = append(w.clauses, clause)
}

func (w *whereBuilder) sql() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

// contains adds a case-insensitive substring match on column.
func (w *whereBuilder) contains(column, value string) {
	if value == "" {
		return
	}
	w.add(column + " ILIKE " + w.arg(likePattern(value)))
}

// capabilities requires at least one capability token, in any category, to
// contain one of tokens, ignoring case.
func (w *whereBuilder) capabilities(tokens []string) {
	needles := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			needles = append(needles, t)
		}
	}
	if len(needles) == 0 {
		return
	}
	w.add(fmt.Sprintf(`EXISTS (
		SELECT 1
		FROM jsonb_array_elements_text(
			COALESCE(a.capabilities->'ai', '[]'::jsonb) ||
			COALESCE(a.capabilities->'protocols', '[]'::jsonb) ||
			COALESCE(a.capabilities->'integration', '[]'::jsonb)
		) AS t(token)
		JOIN unnest(%s::text[]) AS q(needle) ON strpos(lower(t.token), q.needle) > 0
	)`, w.arg(needles)))
}

// page appends ORDER BY / LIMIT / OFFSET to a query.
func (w *whereBuilder) page(orderBy string, limit, offset int) string {
	return fmt.Sprintf(" ORDER BY %s LIMIT %s OFFSET %s", orderBy, w.arg(limit), w.arg(offset))
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// likePattern wraps value in % after escaping LIKE metacharacters.
func likePattern(value string) string {
	return "%" + likeEscaper.Replace(value) + "%"
}
