package repository

import (
	"strings"
	"testing"
)

func TestLikePattern(t *testing.T) {
	cases := map[string]string{
		"http":     "%http%",
		"50%":      `%50\%%`,
		"snake_ok": `%snake\_ok%`,
		`back\`:    `%back\\%`,
	}
	for in, want := range cases {
		if got := likePattern(in); got != want {
			t.Errorf("likePattern(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWhereBuilder_Placeholders(t *testing.T) {
	var w whereBuilder
	w.contains("a.name", "bot")
	w.contains("a.description", "")
	w.add("a.status = " + w.arg("ACTIVE"))
	w.capabilities([]string{" HTTP ", "", "Translation"})

	sql := w.sql()
	if !strings.HasPrefix(sql, " WHERE a.name ILIKE $1 AND a.status = $2 AND EXISTS") {
		t.Errorf("unexpected where clause: %s", sql)
	}
	if !strings.Contains(sql, "unnest($3::text[])") {
		t.Errorf("capability needles should bind as $3: %s", sql)
	}
	if len(w.args) != 3 {
		t.Fatalf("args = %v", w.args)
	}
	needles, _ := w.args[2].([]string)
	if len(needles) != 2 || needles[0] != "http" || needles[1] != "translation" {
		t.Errorf("needles = %v, want lowercased and trimmed", needles)
	}

	tail := w.page("a.created_at DESC", 10, 20)
	if tail != " ORDER BY a.created_at DESC LIMIT $4 OFFSET $5" {
		t.Errorf("page = %q", tail)
	}
}

func TestWhereBuilder_Empty(t *testing.T) {
	var w whereBuilder
	w.capabilities([]string{"  ", ""})
	if w.sql() != "" || len(w.args) != 0 {
		t.Errorf("blank capability tokens should add nothing: %q %v", w.sql(), w.args)
	}
}
