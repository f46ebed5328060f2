// Package verifier contains the HTTP+JSON clients for the remote backend
// decision service and the token verification service. Both services live
// under one base URL:
//
//	POST {base}/select-backend  {"projectId","canonicalRequest","backendIds"} -> {"backendId"}
//	POST {base}/verify          {"projectId","canonicalRequest","token"}      -> {"verdict"}
//
// The client never retries; callers own retry policy.
package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/unifiedattestation/attestflow/canonical"
	"github.com/unifiedattestation/attestflow/gateway"
	"github.com/unifiedattestation/attestflow/internal/logging"
	"golang.org/x/oauth2"
)

const (
	// SelectBackendEndpoint is the backend decision endpoint path.
	SelectBackendEndpoint = "/select-backend"
	// VerifyEndpoint is the token verification endpoint path.
	VerifyEndpoint = "/verify"

	acceptHeader      = "Accept"
	contentTypeHeader = "Content-Type"
	applicationJSON   = "application/json"

	maxResponseBytes = 1 << 20
)

// Verdict is the verification result. It is interpreted only by callers.
type Verdict string

// SelectBackendRequest is the body of a /select-backend call.
type SelectBackendRequest struct {
	ProjectID        string   `json:"projectId"`
	CanonicalRequest string   `json:"canonicalRequest"`
	BackendIDs       []string `json:"backendIds"`
}

// SelectBackendResponse is the body of a successful /select-backend call.
type SelectBackendResponse struct {
	BackendID *string `json:"backendId"`
}

// VerifyRequest is the body of a /verify call.
type VerifyRequest struct {
	ProjectID        string `json:"projectId"`
	CanonicalRequest string `json:"canonicalRequest"`
	Token            string `json:"token"`
}

// VerifyResponse is the body of a successful /verify call.
type VerifyResponse struct {
	Verdict *string `json:"verdict"`
}

// Client talks to the decision and verification services.
type Client struct {
	inner   *http.Client
	baseURL string
	logger  logging.Logger

	tokenSource oauth2.TokenSource
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.inner = hc }
}

// WithTokenSource authenticates requests with OAuth2 bearer tokens from ts.
func WithTokenSource(ts oauth2.TokenSource) Option {
	return func(c *Client) { c.tokenSource = ts }
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient returns a Client for the service rooted at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid service URL %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid service URL %q: scheme must be http or https", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid service URL %q: missing host", baseURL)
	}

	c := &Client{
		inner:   http.DefaultClient,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logging.SimpleLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tokenSource != nil {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, c.inner)
		c.inner = oauth2.NewClient(ctx, c.tokenSource)
	}
	return c, nil
}

// BaseURL returns the service root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SelectBackend asks the decision service to choose one of backendIDs.
func (c *Client) SelectBackend(ctx context.Context, projectID string, req canonical.Request, backendIDs gateway.ProviderSet) (string, error) {
	body := SelectBackendRequest{
		ProjectID:        projectID,
		CanonicalRequest: string(req),
		BackendIDs:       []string(backendIDs),
	}
	if body.BackendIDs == nil {
		body.BackendIDs = []string{}
	}

	resp := &SelectBackendResponse{}
	if err := c.doHTTPRequest(ctx, SelectBackendEndpoint, body, resp); err != nil {
		return "", err
	}
	if resp.BackendID == nil || *resp.BackendID == "" {
		return "", &MalformedResponseError{Endpoint: SelectBackendEndpoint, Field: "backendId", Err: errMissingField}
	}
	return *resp.BackendID, nil
}

// Verify submits token for verification and returns the verdict.
func (c *Client) Verify(ctx context.Context, projectID string, req canonical.Request, token gateway.Token) (Verdict, error) {
	body := VerifyRequest{
		ProjectID:        projectID,
		CanonicalRequest: string(req),
		Token:            string(token),
	}

	resp := &VerifyResponse{}
	if err := c.doHTTPRequest(ctx, VerifyEndpoint, body, resp); err != nil {
		return "", err
	}
	if resp.Verdict == nil {
		return "", &MalformedResponseError{Endpoint: VerifyEndpoint, Field: "verdict", Err: errMissingField}
	}
	return Verdict(*resp.Verdict), nil
}

func (c *Client) doHTTPRequest(ctx context.Context, endpoint string, reqStruct any, respStruct any) error {
	body, err := json.Marshal(reqStruct)
	if err != nil {
		return fmt.Errorf("error marshaling %s request: %w", endpoint, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("error creating %s request: %w", endpoint, err)
	}
	req.Header.Set(contentTypeHeader, applicationJSON)
	req.Header.Set(acceptHeader, applicationJSON)

	resp, err := c.inner.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("error reading %s response body: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("remote call failed", "endpoint", endpoint, "status", resp.StatusCode)
		return &RemoteCallError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if err := json.Unmarshal(respBody, respStruct); err != nil {
		return &MalformedResponseError{Endpoint: endpoint, Err: err}
	}
	return nil
}

var errMissingField = errors.New("field missing or empty")
