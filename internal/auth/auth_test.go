package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/agent-registry/internal/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newIssuer(t *testing.T, secret string) *auth.TokenIssuer {
	t.Helper()
	ti, err := auth.NewTokenIssuer(secret, "https://registry.test", time.Hour)
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	return ti
}

func TestIssueVerify(t *testing.T) {
	ti := newIssuer(t, "s3cret")
	tok, err := ti.Issue("owner-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	claims, err := ti.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.OwnerID != "owner-1" || claims.Subject != "owner-1" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestVerify_Rejects(t *testing.T) {
	ti := newIssuer(t, "s3cret")
	other := newIssuer(t, "different")
	tok, _ := other.Issue("owner-1")
	if _, err := ti.Verify(tok); err == nil {
		t.Error("token signed with another secret must be rejected")
	}
	if _, err := ti.Verify("not-a-jwt"); err == nil {
		t.Error("garbage must be rejected")
	}
	if _, err := ti.Issue(""); err == nil {
		t.Error("empty owner id must be rejected")
	}
}

func TestNewTokenIssuer_NoSecret(t *testing.T) {
	if _, err := auth.NewTokenIssuer("", "x", 0); err != auth.ErrNoSecret {
		t.Errorf("expected ErrNoSecret, got %v", err)
	}
}

func newRouter(ti *auth.TokenIssuer) *gin.Engine {
	r := gin.New()
	r.GET("/required", auth.RequireOwner(ti), func(c *gin.Context) {
		c.String(http.StatusOK, auth.OwnerFromCtx(c))
	})
	r.GET("/optional", auth.OptionalOwner(ti), func(c *gin.Context) {
		c.String(http.StatusOK, auth.OwnerFromCtx(c))
	})
	return r
}

func TestRequireOwner(t *testing.T) {
	ti := newIssuer(t, "s3cret")
	r := newRouter(ti)
	tok, _ := ti.Issue("owner-7")

	tests := []struct {
		name     string
		header   string
		wantCode int
		wantBody string
	}{
		{"missing", "", http.StatusUnauthorized, ""},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized, ""},
		{"invalid", "Bearer nope", http.StatusUnauthorized, ""},
		{"valid", "Bearer " + tok, http.StatusOK, "owner-7"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/required", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			r.ServeHTTP(w, req)
			if w.Code != tc.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tc.wantCode)
			}
			if tc.wantBody != "" && w.Body.String() != tc.wantBody {
				t.Errorf("body = %q, want %q", w.Body.String(), tc.wantBody)
			}
		})
	}
}

func TestOptionalOwner(t *testing.T) {
	ti := newIssuer(t, "s3cret")
	r := newRouter(ti)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/optional", nil)
	req.Header.Set("Authorization", "Bearer nope")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "" {
		t.Errorf("invalid token should be ignored: %d %q", w.Code, w.Body.String())
	}

	tok, _ := ti.Issue("owner-9")
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/optional", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	r.ServeHTTP(w, req)
	if w.Body.String() != "owner-9" {
		t.Errorf("body = %q", w.Body.String())
	}
}
