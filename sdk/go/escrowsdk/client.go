// Package escrowsdk is a Go client for the escrowd REST API. Requests are
// signed with the caller's key, or carry a plain actor header when the
// server runs with authentication disabled.
package escrowsdk

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"basilisk-escrow/internal/auth"
	"basilisk-escrow/internal/escrow"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with escrowd.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	key   *ecdsa.PrivateKey
	actor common.Address
	now   func() time.Time
	nonce func() string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithSigner signs every request with key.
func WithSigner(key *ecdsa.PrivateKey) Option {
	return func(c *Client) {
		c.key = key
		if key != nil {
			c.actor = crypto.PubkeyToAddress(key.PublicKey)
		}
	}
}

// WithActor sends the X-Escrow-Actor header instead of a signature. Only
// servers with authentication disabled accept it.
func WithActor(actor common.Address) Option {
	return func(c *Client) {
		c.key = nil
		c.actor = actor
	}
}

// APIError is the error payload returned by escrowd.
type APIError struct {
	StatusCode int               `json:"-"`
	Code       string            `json:"code"`
	Kind       string            `json:"kind"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("escrow api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("escrow api error (%d): %s", e.StatusCode, e.Message)
}

// CodeOf returns the API error code carried by err, or "" when err is not an
// APIError.
func CodeOf(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// NewClient instantiates a client for the escrowd API rooted at rawURL.
func NewClient(rawURL string, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	c := &Client{
		baseURL:    parsed,
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
		now:        time.Now,
		nonce:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Actor returns the address requests are sent as.
func (c *Client) Actor() common.Address {
	return c.actor
}

// CreateJob is the payload of Client.CreateJob.
type CreateJob struct {
	ID           string         `json:"id"`
	Asset        common.Address `json:"asset"`
	Amount       uint64         `json:"amount,string"`
	Description  string         `json:"description"`
	DeadlineDays int            `json:"deadline_days"`
	PayerAccount common.Hash    `json:"payer_account,omitempty"`
}

// ListQuery filters Client.ListJobs. Zero fields are omitted.
type ListQuery struct {
	Statuses  []escrow.Status
	Requester common.Address
	Agent     common.Address
	Asset     common.Address
	Limit     int
	Offset    int
	Ascending bool
}

func (q ListQuery) values() url.Values {
	v := url.Values{}
	if len(q.Statuses) > 0 {
		names := make([]string, len(q.Statuses))
		for i, s := range q.Statuses {
			names[i] = s.String()
		}
		v.Set("status", strings.Join(names, ","))
	}
	for name, addr := range map[string]common.Address{"requester": q.Requester, "agent": q.Agent, "asset": q.Asset} {
		if addr != (common.Address{}) {
			v.Set(name, addr.Hex())
		}
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	if q.Ascending {
		v.Set("order", "asc")
	}
	return v
}

// JobPage is one page of Client.ListJobs.
type JobPage struct {
	Jobs   []*escrow.Job `json:"jobs"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// Initialize creates the program config. A zero admin makes the caller admin.
func (c *Client) Initialize(ctx context.Context, admin, arbitrator common.Address) (*escrow.ProgramConfig, error) {
	body := map[string]any{"arbitrator": arbitrator}
	if admin != (common.Address{}) {
		body["admin"] = admin
	}
	var cfg escrow.ProgramConfig
	if err := c.call(ctx, http.MethodPost, "/v1/config", nil, body, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// UpdateConfig changes the admin or the arbitrator. Nil leaves a field as is.
func (c *Client) UpdateConfig(ctx context.Context, admin, arbitrator *common.Address) (*escrow.ProgramConfig, error) {
	body := map[string]any{}
	if admin != nil {
		body["admin"] = admin
	}
	if arbitrator != nil {
		body["arbitrator"] = arbitrator
	}
	var cfg escrow.ProgramConfig
	if err := c.call(ctx, http.MethodPatch, "/v1/config", nil, body, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Config fetches the program config.
func (c *Client) Config(ctx context.Context) (*escrow.ProgramConfig, error) {
	var cfg escrow.ProgramConfig
	if err := c.call(ctx, http.MethodGet, "/v1/config", nil, nil, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// CreateJob opens a job and escrows its amount.
func (c *Client) CreateJob(ctx context.Context, req CreateJob) (*escrow.Job, error) {
	return c.job(ctx, http.MethodPost, "/v1/jobs", req)
}

// GetJob fetches a job by id.
func (c *Client) GetJob(ctx context.Context, id string) (*escrow.Job, error) {
	return c.job(ctx, http.MethodGet, jobPath(id, ""), nil)
}

// AcceptJob takes an open job as agent.
func (c *Client) AcceptJob(ctx context.Context, id string) (*escrow.Job, error) {
	return c.job(ctx, http.MethodPost, jobPath(id, "accept"), nil)
}

// SubmitDeliverable hands in work for review.
func (c *Client) SubmitDeliverable(ctx context.Context, id, deliverable, notes string) (*escrow.Job, error) {
	return c.job(ctx, http.MethodPost, jobPath(id, "submit"), map[string]string{"deliverable": deliverable, "notes": notes})
}

// ApproveAndPay releases the escrow to the agent.
func (c *Client) ApproveAndPay(ctx context.Context, id string, rating int) (*escrow.Job, error) {
	return c.job(ctx, http.MethodPost, jobPath(id, "approve"), map[string]int{"rating": rating})
}

// RejectWork moves a job under review into dispute.
func (c *Client) RejectWork(ctx context.Context, id, reason string) (*escrow.Job, error) {
	return c.job(ctx, http.MethodPost, jobPath(id, "reject"), map[string]string{"reason": reason})
}

// CancelJob refunds an open job, or one past its deadline.
func (c *Client) CancelJob(ctx context.Context, id string) (*escrow.Job, error) {
	return c.job(ctx, http.MethodPost, jobPath(id, "cancel"), nil)
}

// ResolveDispute splits a disputed job's escrow.
func (c *Client) ResolveDispute(ctx context.Context, id string, agentPercentage int) (*escrow.Job, error) {
	return c.job(ctx, http.MethodPost, jobPath(id, "resolve"), map[string]int{"agent_percentage": agentPercentage})
}

// ListJobs returns one page of jobs.
func (c *Client) ListJobs(ctx context.Context, q ListQuery) (*JobPage, error) {
	var page JobPage
	if err := c.call(ctx, http.MethodGet, "/v1/jobs", q.values(), nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Stats aggregates jobs matching q. Paging fields are ignored.
func (c *Client) Stats(ctx context.Context, q ListQuery) (*escrow.JobStats, error) {
	var stats escrow.JobStats
	if err := c.call(ctx, http.MethodGet, "/v1/stats", q.values(), nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Events returns committed events with a sequence number above after.
func (c *Client) Events(ctx context.Context, after uint64, limit int) ([]escrow.Event, error) {
	v := url.Values{}
	v.Set("after", strconv.FormatUint(after, 10))
	if limit > 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Events []escrow.Event `json:"events"`
	}
	if err := c.call(ctx, http.MethodGet, "/v1/events", v, nil, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// Balance reads owner's associated account for asset.
func (c *Client) Balance(ctx context.Context, owner, asset common.Address) (*escrow.TokenAccount, error) {
	var acct escrow.TokenAccount
	if err := c.call(ctx, http.MethodGet, "/v1/balances/"+owner.Hex()+"/"+asset.Hex(), nil, nil, &acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

func jobPath(id, action string) string {
	p := "/v1/jobs/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) job(ctx context.Context, method, endpoint string, payload any) (*escrow.Job, error) {
	var job escrow.Job
	if err := c.call(ctx, method, endpoint, nil, payload, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) call(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	ref, err := url.Parse(strings.TrimSuffix(c.baseURL.EscapedPath(), "/") + endpoint)
	if err != nil {
		return fmt.Errorf("build request url: %w", err)
	}
	ref.RawQuery = query.Encode()
	u := c.baseURL.ResolveReference(ref)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.key != nil:
		if err := auth.SignRequest(req, body, c.key, c.now(), c.nonce()); err != nil {
			return fmt.Errorf("sign request: %w", err)
		}
	case c.actor != (common.Address{}):
		req.Header.Set(auth.HeaderActor, c.actor.Hex())
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
