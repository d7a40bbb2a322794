// Package payrelay is a Go client for the PayRelay REST API.
package payrelay

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
	"path"
	"strconv"
	"sync"
	"time"

	"PayRelay/internal/grant"
	"PayRelay/internal/group"
	"PayRelay/internal/relay"
	"PayRelay/internal/signature"
	"PayRelay/internal/split"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Re-exported request and record types shared with the server.
type (
	ExecuteRequest     = relay.Request
	Execution          = relay.Execution
	Grant              = grant.Grant
	SplitConfig        = split.Config
	SplitResult        = split.Result
	Credit             = split.Credit
	Balance            = split.Balance
	Claim              = split.Claim
	Group              = group.Group
	CreateGroupRequest = group.CreateRequest
	LegReport          = group.LegReport
)

// Client wraps the HTTP interactions with the PayRelay API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// CreateGrantRequest is the payload used to register a spending grant.
type CreateGrantRequest struct {
	Owner          string          `json:"owner,omitempty"`
	DelegateSigner string          `json:"delegate_signer"`
	SingleLimit    decimal.Decimal `json:"single_limit"`
	DailyLimit     decimal.Decimal `json:"daily_limit"`
	TTLSeconds     int64           `json:"ttl_seconds,omitempty"`
}

// SplitView is the stored split configuration of an order plus its credits.
type SplitView struct {
	Config  *SplitConfig `json:"config"`
	Credits []Credit     `json:"credits"`
}

// APIError represents server side validation or internal errors. Record holds
// the raw record the server attached to the failure, if any.
type APIError struct {
	StatusCode int
	Code       string          `json:"code"`
	Message    string          `json:"message"`
	Record     json.RawMessage `json:"-"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("payrelay api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("payrelay api error (%d): %s", e.StatusCode, e.Message)
}

// ErrorCode returns the server error code carried by err, or "" when err is
// not an *APIError.
func ErrorCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// NewClient instantiates a client for the PayRelay API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken overrides the stored access token.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// SignRequest fills req.Signature with the delegate signer's signature over
// the execution digest bound to domainTag.
func SignRequest(req *ExecuteRequest, domainTag string, key *ecdsa.PrivateKey) error {
	sig, err := signature.Sign(signature.Message{
		DomainTag: domainTag,
		GrantID:   req.GrantID,
		Recipient: req.Recipient,
		OrderID:   req.OrderID,
		Amount:    req.Amount,
		PaymentID: req.PaymentID,
		Expiry:    req.Expiry,
	}, key)
	if err != nil {
		return err
	}
	req.Signature = hexutil.Encode(sig)
	return nil
}

// Execute submits a signed execution request. On failure the returned
// execution is the record the server persisted, when it sent one.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (*Execution, error) {
	var exec Execution
	if err := c.post(ctx, "/api/v1/executions", req, &exec); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && len(apiErr.Record) > 0 {
			var record Execution
			if json.Unmarshal(apiErr.Record, &record) == nil {
				return &record, err
			}
		}
		return nil, err
	}
	return &exec, nil
}

// GetExecution fetches an execution record by payment id.
func (c *Client) GetExecution(ctx context.Context, paymentID string) (*Execution, error) {
	var exec Execution
	if err := c.get(ctx, "/api/v1/executions/"+url.PathEscape(paymentID), &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// ListExecutions returns the most recent executions drawn against a grant.
func (c *Client) ListExecutions(ctx context.Context, grantID string, limit int) ([]*Execution, error) {
	endpoint := "/api/v1/grants/" + url.PathEscape(grantID) + "/executions"
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Executions []*Execution `json:"executions"`
	}
	if err := c.get(ctx, endpoint, &out); err != nil {
		return nil, err
	}
	return out.Executions, nil
}

// CreateGrant registers a spending grant.
func (c *Client) CreateGrant(ctx context.Context, req CreateGrantRequest) (*Grant, error) {
	var g Grant
	if err := c.post(ctx, "/api/v1/grants", req, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// ListGrants lists grants of owner. An empty owner lists the caller's own grants.
func (c *Client) ListGrants(ctx context.Context, owner string, limit int) ([]*Grant, error) {
	query := url.Values{}
	if owner != "" {
		query.Set("owner", owner)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	endpoint := "/api/v1/grants"
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var out struct {
		Grants []*Grant `json:"grants"`
	}
	if err := c.get(ctx, endpoint, &out); err != nil {
		return nil, err
	}
	return out.Grants, nil
}

// GetGrant fetches a grant by id.
func (c *Client) GetGrant(ctx context.Context, grantID string) (*Grant, error) {
	var g Grant
	if err := c.get(ctx, "/api/v1/grants/"+url.PathEscape(grantID), &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// RevokeGrant revokes a grant owned by the caller.
func (c *Client) RevokeGrant(ctx context.Context, grantID string) (*Grant, error) {
	var g Grant
	if err := c.post(ctx, "/api/v1/grants/"+url.PathEscape(grantID)+"/revoke", struct{}{}, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// ConfigureSplit stores the split configuration of an order.
func (c *Client) ConfigureSplit(ctx context.Context, cfg SplitConfig) (*SplitConfig, error) {
	orderID := cfg.OrderID
	cfg.OrderID = ""
	var out SplitConfig
	if err := c.send(ctx, http.MethodPut, "/api/v1/orders/"+url.PathEscape(orderID)+"/split", cfg, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetSplit fetches an order's split configuration and credits.
func (c *Client) GetSplit(ctx context.Context, orderID string) (*SplitView, error) {
	var view SplitView
	if err := c.get(ctx, "/api/v1/orders/"+url.PathEscape(orderID)+"/split", &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// Settle distributes a funded order amount across its split legs.
func (c *Client) Settle(ctx context.Context, orderID string, gross decimal.Decimal) (*SplitResult, error) {
	payload := struct {
		Gross decimal.Decimal `json:"gross"`
	}{Gross: gross}
	var out SplitResult
	if err := c.post(ctx, "/api/v1/orders/"+url.PathEscape(orderID)+"/settle", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitProof marks an order's delivery proof as verified.
func (c *Client) SubmitProof(ctx context.Context, orderID string) (*SplitResult, error) {
	var out SplitResult
	if err := c.post(ctx, "/api/v1/orders/"+url.PathEscape(orderID)+"/proof", struct{}{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// OpenDispute flags an order as disputed.
func (c *Client) OpenDispute(ctx context.Context, orderID, reason string) (*SplitConfig, error) {
	payload := struct {
		Reason string `json:"reason"`
	}{Reason: reason}
	var out SplitConfig
	if err := c.post(ctx, "/api/v1/orders/"+url.PathEscape(orderID)+"/dispute", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ResolveDispute closes a dispute with a release or refund.
func (c *Client) ResolveDispute(ctx context.Context, orderID string, resolution split.Resolution) (*SplitResult, error) {
	payload := struct {
		Resolution split.Resolution `json:"resolution"`
	}{Resolution: resolution}
	var out SplitResult
	if err := c.post(ctx, "/api/v1/orders/"+url.PathEscape(orderID)+"/resolve", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Balance returns a payee's pending and claimed totals.
func (c *Client) Balance(ctx context.Context, payee string) (*Balance, error) {
	var out Balance
	if err := c.get(ctx, "/api/v1/balances/"+url.PathEscape(payee), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Claim withdraws a payee's pending balance.
func (c *Client) Claim(ctx context.Context, payee string) (*Claim, error) {
	var out Claim
	if err := c.post(ctx, "/api/v1/balances/"+url.PathEscape(payee)+"/claim", struct{}{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateGroup registers a settlement group.
func (c *Client) CreateGroup(ctx context.Context, req CreateGroupRequest) (*Group, error) {
	var out Group
	if err := c.post(ctx, "/api/v1/groups", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetGroup fetches a settlement group.
func (c *Client) GetGroup(ctx context.Context, groupID string) (*Group, error) {
	var out Group
	if err := c.get(ctx, "/api/v1/groups/"+url.PathEscape(groupID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RunGroup executes every leg of a group, rolling back on failure.
func (c *Client) RunGroup(ctx context.Context, groupID string) (*Group, error) {
	var out Group
	if err := c.post(ctx, "/api/v1/groups/"+url.PathEscape(groupID)+"/run", struct{}{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReportLeg records the outcome of a leg executed outside the relay.
func (c *Client) ReportLeg(ctx context.Context, groupID string, index int, report LegReport) (*Group, error) {
	endpoint := "/api/v1/groups/" + url.PathEscape(groupID) + "/legs/" + strconv.Itoa(index)
	var out Group
	if err := c.post(ctx, endpoint, report, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Pause halts execution processing on the relay.
func (c *Client) Pause(ctx context.Context) error {
	return c.post(ctx, "/api/v1/relay/pause", struct{}{}, nil)
}

// Resume re-enables execution processing on the relay.
func (c *Client) Resume(ctx context.Context) error {
	return c.post(ctx, "/api/v1/relay/resume", struct{}{}, nil)
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	return c.send(ctx, http.MethodPost, endpoint, payload, out)
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	ref, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, ref.Path)
	u.RawPath = ""
	u.RawQuery = ref.RawQuery
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	token := c.AccessToken()
	if token == "" {
		return nil, errors.New("payrelay: access token is not set")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			var envelope struct {
				Error  *APIError       `json:"error"`
				Record json.RawMessage `json:"record"`
			}
			envelope.Error = &apiErr
			if err := json.Unmarshal(data, &envelope); err == nil {
				apiErr.Record = envelope.Record
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
