package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jmerrifield20/VaultLedger/internal/admission"
	"github.com/jmerrifield20/VaultLedger/internal/canonical"
	"github.com/jmerrifield20/VaultLedger/internal/cooling"
	"github.com/jmerrifield20/VaultLedger/internal/eureka"
	"github.com/jmerrifield20/VaultLedger/internal/vault"
)

// Wire types shared with the server.
type (
	Entry           = vault.Entry
	Receipt         = vault.Receipt
	Outcome         = vault.Outcome
	FallbackReceipt = vault.FallbackReceipt
	VerifyResult    = vault.VerifyResult
	Page            = vault.Page
	MerkleProof     = vault.MerkleProof
	Verdict         = vault.Verdict
	Document        = canonical.Document
	Score           = eureka.Score
	Decision        = admission.Decision
	CoolingItem     = cooling.Item
)

var (
	// ErrNotFound is returned for a 404 response.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when the server kept answering 409 after every
	// retry.
	ErrConflict = errors.New("ledger write lock unavailable")
)

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	}
	return nil
}

// FailClosedError is returned when the server could not durably commit an
// append. Verdict is the forced verdict (VOID for a requested SEAL).
type FailClosedError struct {
	Ledger           string           `json:"ledger"`
	Verdict          Verdict          `json:"verdict"`
	RequestedVerdict Verdict          `json:"requested_verdict"`
	Path             string           `json:"path"`
	Durability       string           `json:"durability"`
	Fallback         *FallbackReceipt `json:"fallback"`
}

func (e *FailClosedError) Error() string {
	return fmt.Sprintf("ledger %s unavailable, verdict %s forced to %s", e.Ledger, e.RequestedVerdict, e.Verdict)
}

// DecisionError is returned by Admit and Reconsider when the server reached
// a decision but could not complete it, for example a SEAL promotion that
// failed and was held in cooling instead.
type DecisionError struct {
	StatusCode int
	Message    string
	Decision   *Decision
}

func (e *DecisionError) Error() string { return e.Message }

// Unwrap maps a 409 to ErrConflict.
func (e *DecisionError) Unwrap() error {
	if e.StatusCode == http.StatusConflict {
		return ErrConflict
	}
	return nil
}

// Head summarises a ledger.
type Head struct {
	Ledger        string           `json:"ledger"`
	Entries       int64            `json:"entries"`
	ChainHeadHash canonical.Digest `json:"chain_head_hash"`
	MerkleRoot    canonical.Digest `json:"merkle_root"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// AppendRequest is the payload for Append. Authority is ignored by servers
// with token auth enabled; the token subject is recorded instead.
type AppendRequest struct {
	SessionID string   `json:"session_id"`
	Verdict   Verdict  `json:"verdict"`
	Payload   Document `json:"payload"`
	Authority string   `json:"authority,omitempty"`
	SealID    string   `json:"seal_id,omitempty"`
}

// Candidate is the payload for Evaluate and Admit.
type Candidate struct {
	SessionID string   `json:"session_id,omitempty"`
	Query     string   `json:"query"`
	Response  string   `json:"response"`
	Context   Document `json:"context"`
}

// VerdictQuery filters QueryByVerdict. Zero times are unbounded.
type VerdictQuery struct {
	Verdict Verdict
	Start   time.Time
	End     time.Time
	Limit   int
}

// EurekaStatus reports the admission filter's state.
type EurekaStatus struct {
	Degraded     bool `json:"degraded"`
	CachedItems  int  `json:"cached_items"`
	CoolingItems int  `json:"cooling_items"`
}

// Client is the VaultLedger SDK entry point.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	bearerToken string

	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken attaches a token minted by `vaultctl token` to every
// request.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// WithRetry sets how many times a 409 is retried and the first backoff
// interval. The interval doubles on each attempt.
func WithRetry(maxRetries int, backoff time.Duration) Option {
	return func(c *Client) error {
		if maxRetries < 0 || backoff < 0 {
			return errors.New("retry settings must not be negative")
		}
		c.maxRetries = maxRetries
		c.backoff = backoff
		return nil
	}
}

// New creates a Client for the server at baseURL, e.g. http://localhost:8080.
//
//	c, err := client.New("http://localhost:8080",
//	    client.WithBearerToken(token),
//	    client.WithRetry(5, 50*time.Millisecond),
//	)
func New(baseURL string, opts ...Option) (*Client, error) {
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/") + "/api/v1",
		httpClient: &http.Client{Timeout: 10 * time.Second},
		maxRetries: 4,
		backoff:    100 * time.Millisecond,
		maxBackoff: 2 * time.Second,
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error.
func MustNew(baseURL string, opts ...Option) *Client {
	c, err := New(baseURL, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Append records a verdict on ledger. A 409 is retried with exponential
// backoff. A storage failure returns *FailClosedError.
func (c *Client) Append(ctx context.Context, ledger string, req AppendRequest) (*Outcome, error) {
	var out Outcome
	if err := c.call(ctx, http.MethodPost, ledgerPath(ledger, "/entries"), nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Head returns the ledger's chain head summary.
func (c *Client) Head(ctx context.Context, ledger string) (*Head, error) {
	var h Head
	if err := c.call(ctx, http.MethodGet, ledgerPath(ledger, ""), nil, nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Verify asks the server to walk the whole chain.
func (c *Client) Verify(ctx context.Context, ledger string) (*VerifyResult, error) {
	var res VerifyResult
	if err := c.call(ctx, http.MethodGet, ledgerPath(ledger, "/verify"), nil, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetEntry returns the entry at seq.
func (c *Client) GetEntry(ctx context.Context, ledger string, seq int64) (*Entry, error) {
	var e Entry
	if err := c.call(ctx, http.MethodGet, ledgerPath(ledger, "/entries/"+strconv.FormatInt(seq, 10)), nil, nil, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// ListEntries returns one page after cursor. Pass the previous page's
// NextCursor to continue.
func (c *Client) ListEntries(ctx context.Context, ledger, cursor string, limit int) (*Page, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var p Page
	if err := c.call(ctx, http.MethodGet, ledgerPath(ledger, "/entries"), q, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Session returns every entry recorded for sessionID.
func (c *Client) Session(ctx context.Context, ledger, sessionID string) ([]*Entry, error) {
	var body struct {
		Entries []*Entry `json:"entries"`
	}
	if err := c.call(ctx, http.MethodGet, ledgerPath(ledger, "/sessions/"+url.PathEscape(sessionID)), nil, nil, &body); err != nil {
		return nil, err
	}
	return body.Entries, nil
}

// QueryByVerdict returns entries matching q.
func (c *Client) QueryByVerdict(ctx context.Context, ledger string, q VerdictQuery) ([]*Entry, error) {
	v := url.Values{}
	if !q.Start.IsZero() {
		v.Set("start", q.Start.UTC().Format(time.RFC3339Nano))
	}
	if !q.End.IsZero() {
		v.Set("end", q.End.UTC().Format(time.RFC3339Nano))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	var body struct {
		Entries []*Entry `json:"entries"`
	}
	if err := c.call(ctx, http.MethodGet, ledgerPath(ledger, "/verdicts/"+url.PathEscape(string(q.Verdict))), v, nil, &body); err != nil {
		return nil, err
	}
	return body.Entries, nil
}

// Proof returns the inclusion proof for seq. Callers should check it with
// VerifyProof rather than trust the server.
func (c *Client) Proof(ctx context.Context, ledger string, seq int64) (*MerkleProof, error) {
	var p MerkleProof
	if err := c.call(ctx, http.MethodGet, ledgerPath(ledger, "/entries/"+strconv.FormatInt(seq, 10)+"/proof"), nil, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// VerifyProof checks p locally against entry. It reports false when the
// proof does not cover entry's hash or does not fold to the stated root.
func VerifyProof(entry *Entry, p *MerkleProof) bool {
	if entry == nil || p == nil || p.Proof == nil {
		return false
	}
	h, err := entry.ComputeHash()
	if err != nil || h != entry.EntryHash {
		return false
	}
	return p.Proof.LeafHash == h &&
		p.Proof.LeafIndex == uint64(entry.Sequence-1) &&
		p.Proof.Root == p.Root &&
		p.Proof.Verify()
}

// Evaluate scores a candidate without routing it.
func (c *Client) Evaluate(ctx context.Context, cand Candidate) (*Score, error) {
	var s Score
	if err := c.call(ctx, http.MethodPost, "/eureka/evaluate", nil, cand, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Admit scores and routes a candidate.
//
// Admit is not resent on a conflict: the server has already scored the
// candidate and would now see it as a duplicate. When a SEAL promotion
// conflicts the server holds the candidate in cooling, and Admit retries
// the promotion through Reconsider instead.
func (c *Client) Admit(ctx context.Context, cand Candidate) (*Decision, error) {
	var d Decision
	err := c.send(ctx, http.MethodPost, "/eureka/admit", nil, cand, &d, 0)
	var de *DecisionError
	if errors.As(err, &de) && de.StatusCode == http.StatusConflict &&
		de.Decision != nil && de.Decision.CoolingID != "" {
		return c.Reconsider(ctx, de.Decision.CoolingID)
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// EurekaStatus returns the admission filter's state.
func (c *Client) EurekaStatus(ctx context.Context) (*EurekaStatus, error) {
	var s EurekaStatus
	if err := c.call(ctx, http.MethodGet, "/eureka/status", nil, nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Cooling lists items held for reconsideration, oldest first.
func (c *Client) Cooling(ctx context.Context, limit int) ([]*CoolingItem, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var body struct {
		Items []*CoolingItem `json:"items"`
	}
	if err := c.call(ctx, http.MethodGet, "/eureka/cooling", q, nil, &body); err != nil {
		return nil, err
	}
	return body.Items, nil
}

// CoolingItem returns one held item.
func (c *Client) CoolingItem(ctx context.Context, id string) (*CoolingItem, error) {
	var it CoolingItem
	if err := c.call(ctx, http.MethodGet, "/eureka/cooling/"+url.PathEscape(id), nil, nil, &it); err != nil {
		return nil, err
	}
	return &it, nil
}

// Reconsider rescores a held item and routes it again.
func (c *Client) Reconsider(ctx context.Context, id string) (*Decision, error) {
	var d Decision
	if err := c.call(ctx, http.MethodPost, "/eureka/cooling/"+url.PathEscape(id)+"/reconsider", nil, nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func ledgerPath(ledger, suffix string) string {
	return "/ledgers/" + url.PathEscape(ledger) + suffix
}

// call sends one JSON request, retrying 409 responses, and decodes the
// response into out.
func (c *Client) call(ctx context.Context, method, path string, query url.Values, in, out any) error {
	return c.send(ctx, method, path, query, in, out, c.maxRetries)
}

// send is call with an explicit retry budget for 409 responses.
func (c *Client) send(ctx context.Context, method, path string, query url.Values, in, out any, retries int) error {
	var payload []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		payload = b
	}
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	wait := c.backoff
	for attempt := 0; ; attempt++ {
		status, body, err := c.doStatusBody(ctx, method, u, payload)
		if err != nil {
			return err
		}
		if status == http.StatusConflict && attempt < retries {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
			wait = min(wait*2, c.maxBackoff)
			continue
		}
		if status >= 300 {
			return decodeError(status, body)
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
}

// doStatusBody executes an HTTP request, attaching the Bearer token if
// present, and returns the status code and body without interpreting them.
func (c *Client) doStatusBody(ctx context.Context, method, u string, payload []byte) (int, []byte, error) {
	var rdr io.Reader
	if payload != nil {
		rdr = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func decodeError(status int, body []byte) error {
	var e struct {
		Error    string    `json:"error"`
		Verdict  Verdict   `json:"verdict"`
		Decision *Decision `json:"decision"`
	}
	_ = json.Unmarshal(body, &e)

	if e.Decision != nil {
		return &DecisionError{StatusCode: status, Message: e.Error, Decision: e.Decision}
	}
	if status == http.StatusServiceUnavailable && e.Verdict != "" {
		var fc FailClosedError
		if err := json.Unmarshal(body, &fc); err == nil {
			return &fc
		}
	}
	msg := e.Error
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	return &APIError{StatusCode: status, Message: msg, Body: body}
}
