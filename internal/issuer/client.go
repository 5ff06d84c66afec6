// Package issuer is the HTTP client for the external credential issuer node.
// Every call uses Basic authentication, carries a timeout, and is retried on
// transport failures and 5xx responses.
package issuer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/jmerrifield20/agent-registry/internal/registry/model"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Proof types requested for every issued credential.
var credentialProofs = []string{"Iden3SparseMerkleTreeProof", "BJJSignature2021"}

const credentialValidity = 365 * 24 * time.Hour

// Config configures the issuer client.
type Config struct {
	BaseURL      string
	IssuerDID    string
	Username     string
	Password     string
	SchemaURL    string        // credentialSchema for issued credentials
	Timeout      time.Duration // per attempt
	MaxRetries   int
	RetryBackoff time.Duration
	RateLimitRPS float64 // 0 = unlimited
}

// Enabled reports whether enough configuration is present to reach an issuer.
func (c Config) Enabled() bool {
	return c.BaseURL != "" && c.IssuerDID != ""
}

// Client talks to the issuer node's /v2/identities/{issuerDID} API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
	now        func() time.Time
}

// NewClient creates an issuer client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), max(1, int(cfg.RateLimitRPS)))
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    limiter,
		logger:     logger,
		now:        time.Now,
	}
}

// SetClock overrides the time source used for credential expiration.
func (c *Client) SetClock(now func() time.Time) { c.now = now }

type connectionRequest struct {
	UserDID   string          `json:"userDID"`
	UserDoc   json.RawMessage `json:"userDoc"`
	IssuerDoc json.RawMessage `json:"issuerDoc"`
}

type credentialSubject struct {
	ID    string `json:"id"`
	Owner string `json:"owner"`
}

type credentialRequest struct {
	CredentialSchema  string            `json:"credentialSchema"`
	CredentialSubject credentialSubject `json:"credentialSubject"`
	Expiration        int64             `json:"expiration"`
	Proofs            []string          `json:"proofs"`
	RefreshService    any               `json:"refreshService"`
	Type              string            `json:"type"`
}

type connectionPage struct {
	Items []struct {
		ID          string          `json:"id"`
		Credentials json.RawMessage `json:"credentials"`
	} `json:"items"`
}

// CreateConnection registers a connection between the issuer and the agent
// identified by did. The agent's DID document is sent as both documents.
// A 409 from the issuer means the connection already exists and is not an error.
func (c *Client) CreateConnection(ctx context.Context, did string, document json.RawMessage) error {
	body, err := json.Marshal(connectionRequest{UserDID: did, UserDoc: document, IssuerDoc: document})
	if err != nil {
		return fmt.Errorf("%w: marshal connection: %v", model.ErrIssuer, err)
	}
	status, raw, err := c.do(ctx, http.MethodPost, c.identityPath("connections"), nil, body)
	if err != nil {
		return err
	}
	if status == http.StatusConflict || (status >= 200 && status < 300) {
		return nil
	}
	return fmt.Errorf("%w: create connection returned %d: %s", model.ErrIssuer, status, truncate(raw))
}

// ResolveConnection returns the id of the first connection matching did.
func (c *Client) ResolveConnection(ctx context.Context, did string) (string, error) {
	page, err := c.connections(ctx, did, false)
	if err != nil {
		return "", err
	}
	if page.Items[0].ID == "" {
		return "", fmt.Errorf("%w: connection for %s has no id", model.ErrIssuer, did)
	}
	return page.Items[0].ID, nil
}

// Credentials returns the credentials attached to the first connection matching did.
func (c *Client) Credentials(ctx context.Context, did string) (json.RawMessage, error) {
	page, err := c.connections(ctx, did, true)
	if err != nil {
		return nil, err
	}
	if len(page.Items[0].Credentials) == 0 {
		return json.RawMessage("[]"), nil
	}
	return page.Items[0].Credentials, nil
}

func (c *Client) connections(ctx context.Context, did string, withCredentials bool) (*connectionPage, error) {
	q := url.Values{}
	q.Set("query", did)
	q.Set("page", "1")
	q.Set("max_results", "1")
	if withCredentials {
		q.Set("credentials", "true")
	}
	status, raw, err := c.do(ctx, http.MethodGet, c.identityPath("connections"), q, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: list connections returned %d: %s", model.ErrIssuer, status, truncate(raw))
	}
	var page connectionPage
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, fmt.Errorf("%w: decode connections: %v", model.ErrIssuer, err)
	}
	if len(page.Items) == 0 {
		return nil, fmt.Errorf("%w: no connection for %s", model.ErrIssuer, did)
	}
	return &page, nil
}

// IssueCredential requests an Identity credential for did, valid for one
// year from now.
func (c *Client) IssueCredential(ctx context.Context, did string) error {
	body, err := json.Marshal(credentialRequest{
		CredentialSchema:  c.cfg.SchemaURL,
		CredentialSubject: credentialSubject{ID: did, Owner: did},
		Expiration:        c.now().Add(credentialValidity).Unix(),
		Proofs:            credentialProofs,
		Type:              "Identity",
	})
	if err != nil {
		return fmt.Errorf("%w: marshal credential: %v", model.ErrIssuer, err)
	}
	status, raw, err := c.do(ctx, http.MethodPost, c.identityPath("credentials"), nil, body)
	if err != nil {
		return err
	}
	if status != http.StatusCreated {
		return fmt.Errorf("%w: issue credential returned %d: %s", model.ErrIssuer, status, truncate(raw))
	}
	return nil
}

// VerifyCredential reports whether the issuer holds a credential equal to
// the presented one. The subject is read from vc.credentialSubject.id.
func (c *Client) VerifyCredential(ctx context.Context, presented json.RawMessage) (bool, error) {
	var doc struct {
		VC struct {
			CredentialSubject struct {
				ID string `json:"id"`
			} `json:"credentialSubject"`
		} `json:"vc"`
	}
	if err := json.Unmarshal(presented, &doc); err != nil {
		return false, &model.ErrValidation{Msg: "credential is not valid JSON"}
	}
	subject := doc.VC.CredentialSubject.ID
	if subject == "" {
		return false, &model.ErrValidation{Msg: "credential has no vc.credentialSubject.id"}
	}

	q := url.Values{}
	q.Set("page", "1")
	q.Set("credentialSubject", subject)
	q.Set("max_results", "2")
	status, raw, err := c.do(ctx, http.MethodGet, c.identityPath("credentials"), q, nil)
	if err != nil {
		return false, err
	}
	if status != http.StatusOK {
		return false, fmt.Errorf("%w: list credentials returned %d: %s", model.ErrIssuer, status, truncate(raw))
	}

	var page struct {
		Items []json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(raw, &page); err != nil {
		return false, fmt.Errorf("%w: decode credentials: %v", model.ErrIssuer, err)
	}

	var want any
	_ = json.Unmarshal(presented, &want)
	for _, item := range page.Items {
		var got any
		if json.Unmarshal(item, &got) == nil && reflect.DeepEqual(got, want) {
			return true, nil
		}
	}
	return false, nil
}

func (c *Client) identityPath(resource string) string {
	return c.cfg.BaseURL + "/v2/identities/" + url.PathEscape(c.cfg.IssuerDID) + "/" + resource
}

// do performs one logical request, retrying transport errors and 5xx
// responses with doubling backoff. The final status and body are returned
// for the caller to interpret.
func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, body []byte) (int, []byte, error) {
	if !c.cfg.Enabled() {
		return 0, nil, fmt.Errorf("%w: issuer is not configured", model.ErrIssuer)
	}
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var (
		status  int
		raw     []byte
		lastErr error
	)
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.cfg.RetryBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return 0, nil, fmt.Errorf("%w: %v", model.ErrIssuer, ctx.Err())
			case <-time.After(delay):
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, nil, fmt.Errorf("%w: %v", model.ErrIssuer, err)
		}

		status, raw, lastErr = c.once(ctx, method, endpoint, body)
		if lastErr == nil && status < 500 {
			return status, raw, nil
		}
		if ctx.Err() != nil {
			break
		}
		c.logger.Warn("issuer request failed, retrying",
			zap.String("method", method),
			zap.String("url", endpoint),
			zap.Int("status", status),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr),
		)
	}
	if lastErr != nil {
		return 0, nil, fmt.Errorf("%w: %s %s: %v", model.ErrIssuer, method, endpoint, lastErr)
	}
	return status, raw, nil
}

func (c *Client) once(ctx context.Context, method, endpoint string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, raw, nil
}

func truncate(raw []byte) string {
	const limit = 256
	s := strings.TrimSpace(string(raw))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
