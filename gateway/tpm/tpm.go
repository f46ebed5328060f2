// Package tpm implements an attestation provider gateway backed by the
// device TPM. Each backend corresponds to an attestation key template; an
// integrity token is a TPM attestation over a nonce derived from the request
// digest, serialized as base64url protobuf.
package tpm

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/google/go-tpm-tools/client"
	"github.com/unifiedattestation/attestflow/canonical"
	"github.com/unifiedattestation/attestflow/gateway"
	"github.com/unifiedattestation/attestflow/internal/logging"
	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/proto"
)

// Backend identifiers offered by DefaultBackends.
const (
	BackendRSA = "tpm-rsa"
	BackendECC = "tpm-ecc"
)

// KeyFetcher creates or loads an attestation key on the TPM.
type KeyFetcher func(rw io.ReadWriter) (*client.Key, error)

// Backend binds a backend identifier to the attestation key it uses.
type Backend struct {
	ID         string
	KeyFetcher KeyFetcher
}

// DefaultBackends returns the RSA and ECC attestation key backends.
func DefaultBackends() []Backend {
	return []Backend{
		{ID: BackendRSA, KeyFetcher: client.AttestationKeyRSA},
		{ID: BackendECC, KeyFetcher: client.AttestationKeyECC},
	}
}

// Opener opens the TPM. It is called on every Connect.
type Opener func() (io.ReadWriteCloser, error)

// Options configures a Gateway.
type Options struct {
	// Open is required.
	Open Opener
	// Backends defaults to DefaultBackends.
	Backends []Backend
	// EventLog, if set, supplies the TCG event log included in attestations
	// instead of the one read from the kernel.
	EventLog func() ([]byte, error)
	Logger   logging.Logger
}

// Gateway is a gateway.Gateway using a TPM.
type Gateway struct {
	open     Opener
	backends []Backend
	eventLog func() ([]byte, error)
	logger   logging.Logger

	lc gateway.Lifecycle
	// Guarded by lc.
	rwc  io.ReadWriteCloser
	keys map[string]*client.Key
}

var _ gateway.Gateway = (*Gateway)(nil)

// New returns a disconnected TPM gateway.
func New(opts Options) (*Gateway, error) {
	if opts.Open == nil {
		return nil, fmt.Errorf("tpm gateway requires an Opener")
	}
	backends := opts.Backends
	if backends == nil {
		backends = DefaultBackends()
	}
	seen := map[string]bool{}
	for _, b := range backends {
		if b.ID == "" || b.KeyFetcher == nil {
			return nil, fmt.Errorf("invalid tpm backend %q", b.ID)
		}
		if seen[b.ID] {
			return nil, fmt.Errorf("duplicate tpm backend %q", b.ID)
		}
		seen[b.ID] = true
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.SimpleLogger()
	}
	return &Gateway{
		open:     opts.Open,
		backends: backends,
		eventLog: opts.EventLog,
		logger:   logger,
	}, nil
}

// eventLogTPM overrides the event log the client library reads.
type eventLogTPM struct {
	io.ReadWriteCloser
	eventLog func() ([]byte, error)
}

func (t eventLogTPM) EventLog() ([]byte, error) {
	return t.eventLog()
}

// Connect opens the TPM.
func (g *Gateway) Connect(context.Context) error {
	return g.lc.Open(func() error {
		rwc, err := g.open()
		if err != nil {
			return fmt.Errorf("opening TPM: %w", err)
		}
		if g.eventLog != nil {
			rwc = eventLogTPM{ReadWriteCloser: rwc, eventLog: g.eventLog}
		}
		g.rwc = rwc
		g.keys = make(map[string]*client.Key)
		g.logger.Info("TPM attestation gateway connected", "backends", len(g.backends))
		return nil
	})
}

// Disconnect flushes cached keys and closes the TPM.
func (g *Gateway) Disconnect() error {
	return g.lc.Close(func() error {
		for id, k := range g.keys {
			k.Close()
			delete(g.keys, id)
		}
		err := g.rwc.Close()
		g.rwc = nil
		g.logger.Info("TPM attestation gateway disconnected")
		return err
	})
}

// DiscoverProviders returns the configured backend ids in order.
func (g *Gateway) DiscoverProviders(ctx context.Context, projectID string) (gateway.ProviderSet, error) {
	lease, err := g.lc.Acquire(ctx)
	if err != nil {
		return nil, &gateway.ProviderDiscoveryError{Code: gateway.CodeFromContext(err), Message: "TPM unavailable", Err: err}
	}
	defer lease.Release()

	if len(g.backends) == 0 {
		return nil, &gateway.ProviderDiscoveryError{Code: codes.NotFound, Message: fmt.Sprintf("no TPM backends for project %q", projectID)}
	}
	set := make(gateway.ProviderSet, 0, len(g.backends))
	for _, b := range g.backends {
		set = append(set, b.ID)
	}
	return set, nil
}

// Nonce derives the TPM quote nonce that binds a token to projectID and digest.
func Nonce(projectID string, digest canonical.Digest) ([]byte, error) {
	raw, err := digest.Bytes()
	if err != nil {
		return nil, err
	}
	h := sha256.New()
	h.Write([]byte(projectID))
	h.Write([]byte{0})
	h.Write(raw)
	return h.Sum(nil), nil
}

// IssueToken attests with the backend's key over Nonce(projectID, digest).
func (g *Gateway) IssueToken(ctx context.Context, backendID, projectID string, digest canonical.Digest) (gateway.Token, error) {
	backend, ok := g.backend(backendID)
	if !ok {
		return "", &gateway.TokenIssuanceError{Code: codes.Unimplemented, Message: fmt.Sprintf("backend %q is not offered by this TPM", backendID)}
	}
	nonce, err := Nonce(projectID, digest)
	if err != nil {
		return "", &gateway.TokenIssuanceError{Code: codes.InvalidArgument, Message: "bad request digest", Err: err}
	}

	lease, err := g.lc.Acquire(ctx)
	if err != nil {
		return "", &gateway.TokenIssuanceError{Code: gateway.CodeFromContext(err), Message: "TPM unavailable", Err: err}
	}
	defer lease.Release()

	token, code, err := g.attest(backend, nonce)
	if lease.Canceled() {
		return "", &gateway.TokenIssuanceError{Code: codes.Canceled, Message: "TPM disconnected during issuance", Err: gateway.ErrDisconnected}
	}
	if err != nil {
		return "", &gateway.TokenIssuanceError{Code: code, Message: fmt.Sprintf("backend %q", backendID), Err: err}
	}
	return token, nil
}

// attest must be called with the lease held.
func (g *Gateway) attest(backend Backend, nonce []byte) (gateway.Token, codes.Code, error) {
	key, ok := g.keys[backend.ID]
	if !ok {
		var err error
		key, err = backend.KeyFetcher(g.rwc)
		if err != nil {
			return "", codes.Unavailable, fmt.Errorf("failed to get attestation key: %w", err)
		}
		g.keys[backend.ID] = key
	}

	attestation, err := key.Attest(client.AttestOpts{Nonce: nonce})
	if err != nil {
		return "", codes.Internal, fmt.Errorf("failed to attest: %w", err)
	}
	raw, err := proto.Marshal(attestation)
	if err != nil {
		return "", codes.Internal, fmt.Errorf("failed to marshal attestation: %w", err)
	}
	return gateway.Token(base64.RawURLEncoding.EncodeToString(raw)), codes.OK, nil
}

func (g *Gateway) backend(id string) (Backend, bool) {
	for _, b := range g.backends {
		if b.ID == id {
			return b, true
		}
	}
	return Backend{}, false
}
