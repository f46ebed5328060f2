// Package fake is an in-memory implementation of gateway.Gateway for tests.
package fake

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/unifiedattestation/attestflow/canonical"
	"github.com/unifiedattestation/attestflow/gateway"
	"google.golang.org/grpc/codes"
)

// Gateway is a fake attestation provider gateway. Exported fields configure
// its behavior and must be set before Connect.
type Gateway struct {
	// Providers is returned by DiscoverProviders.
	Providers gateway.ProviderSet
	// DiscoverErr, if set, is returned by DiscoverProviders.
	DiscoverErr error
	// IssueErr, if set, is returned by IssueToken.
	IssueErr error
	// Hold, if set, is called while IssueToken holds the connection. It
	// receives the lease done channel so it can observe Disconnect.
	Hold func(done <-chan struct{})

	lc gateway.Lifecycle

	discoverCalls atomic.Int32
	issueCalls    atomic.Int32

	mu     sync.Mutex
	issued []IssueRequest
}

// IssueRequest records the arguments of an IssueToken call.
type IssueRequest struct {
	BackendID string
	ProjectID string
	Digest    canonical.Digest
}

// NewGateway returns a fake gateway offering providers.
func NewGateway(providers ...string) *Gateway {
	return &Gateway{Providers: providers}
}

var _ gateway.Gateway = (*Gateway)(nil)

// Token returns the token the fake issues for the given request.
func Token(backendID, projectID string, digest canonical.Digest) gateway.Token {
	return gateway.Token(fmt.Sprintf("fake-token:%s:%s:%s", backendID, projectID, digest))
}

// Connect implements gateway.Gateway.
func (g *Gateway) Connect(context.Context) error {
	return g.lc.Open(nil)
}

// Disconnect implements gateway.Gateway.
func (g *Gateway) Disconnect() error {
	return g.lc.Close(nil)
}

// DiscoverProviders implements gateway.Gateway.
func (g *Gateway) DiscoverProviders(ctx context.Context, projectID string) (gateway.ProviderSet, error) {
	g.discoverCalls.Add(1)
	lease, err := g.lc.Acquire(ctx)
	if err != nil {
		return nil, &gateway.ProviderDiscoveryError{Code: gateway.CodeFromContext(err), Message: "connection unavailable", Err: err}
	}
	defer lease.Release()

	if g.DiscoverErr != nil {
		return nil, g.DiscoverErr
	}
	out := make(gateway.ProviderSet, len(g.Providers))
	copy(out, g.Providers)
	return out, nil
}

// IssueToken implements gateway.Gateway.
func (g *Gateway) IssueToken(ctx context.Context, backendID, projectID string, digest canonical.Digest) (gateway.Token, error) {
	g.issueCalls.Add(1)
	lease, err := g.lc.Acquire(ctx)
	if err != nil {
		return "", &gateway.TokenIssuanceError{Code: gateway.CodeFromContext(err), Message: "connection unavailable", Err: err}
	}
	defer lease.Release()

	g.mu.Lock()
	g.issued = append(g.issued, IssueRequest{BackendID: backendID, ProjectID: projectID, Digest: digest})
	g.mu.Unlock()

	if g.Hold != nil {
		g.Hold(lease.Done())
	}
	if lease.Canceled() {
		return "", &gateway.TokenIssuanceError{Code: codes.Canceled, Message: "disconnected during issuance", Err: gateway.ErrDisconnected}
	}
	if g.IssueErr != nil {
		return "", g.IssueErr
	}
	if !g.Providers.Contains(backendID) {
		return "", &gateway.TokenIssuanceError{Code: codes.Unimplemented, Message: fmt.Sprintf("backend %q is not supported", backendID)}
	}
	return Token(backendID, projectID, digest), nil
}

// DiscoverCalls returns the number of DiscoverProviders calls.
func (g *Gateway) DiscoverCalls() int {
	return int(g.discoverCalls.Load())
}

// IssueCalls returns the number of IssueToken calls.
func (g *Gateway) IssueCalls() int {
	return int(g.issueCalls.Load())
}

// Issued returns the recorded IssueToken requests.
func (g *Gateway) Issued() []IssueRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]IssueRequest, len(g.issued))
	copy(out, g.issued)
	return out
}
