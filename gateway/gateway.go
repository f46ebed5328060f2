// Package gateway defines the capability used to discover attestation
// providers and to obtain integrity tokens from them.
//
// Implementations own a connection to the platform attestation mechanism
// with an explicit lifecycle: Connect must succeed before any flow uses the
// gateway and Disconnect is called once no further flows will be issued.
// A connected gateway is safe for concurrent use.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/unifiedattestation/attestflow/canonical"
)

// Gateway is implemented by attestation provider adapters.
type Gateway interface {
	Connect(ctx context.Context) error
	// Disconnect releases the connection. In-flight DiscoverProviders and
	// IssueToken calls fail fast with a cancellation error.
	Disconnect() error
	// DiscoverProviders returns the backends able to attest projectID.
	// Errors are *ProviderDiscoveryError.
	DiscoverProviders(ctx context.Context, projectID string) (ProviderSet, error)
	// IssueToken returns an integrity token from backendID bound to digest.
	// Errors are *TokenIssuanceError.
	IssueToken(ctx context.Context, backendID, projectID string, digest canonical.Digest) (Token, error)
}

// ProviderSet is an ordered list of unique backend identifiers.
type ProviderSet []string

// Contains reports whether id is a member of the set.
func (p ProviderSet) Contains(id string) bool {
	for _, b := range p {
		if b == id {
			return true
		}
	}
	return false
}

// Validate checks that the set is non-empty and holds unique, non-empty ids.
func (p ProviderSet) Validate() error {
	if len(p) == 0 {
		return errors.New("empty provider set")
	}
	seen := make(map[string]struct{}, len(p))
	for i, id := range p {
		if id == "" {
			return fmt.Errorf("provider set entry %d is empty", i)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("provider set contains %q more than once", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// Token is an opaque integrity token. It is never parsed by this module.
type Token string
