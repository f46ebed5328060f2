// Package flowserver exposes attestation flows to co-located applications
// over a local HTTP endpoint, typically a unix socket.
package flowserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/unifiedattestation/attestflow/canonical"
	"github.com/unifiedattestation/attestflow/flow"
	"github.com/unifiedattestation/attestflow/gateway"
	"github.com/unifiedattestation/attestflow/internal/logging"
	"github.com/unifiedattestation/attestflow/verifier"
	"google.golang.org/grpc/codes"
)

const maxRequestBytes = 64 << 10

// Gateway failures with these codes are the caller's fault.
var clientErrorCodes = map[codes.Code]struct{}{
	codes.InvalidArgument:    {},
	codes.FailedPrecondition: {},
	codes.PermissionDenied:   {},
	codes.Unauthenticated:    {},
	codes.NotFound:           {},
	codes.Aborted:            {},
	codes.OutOfRange:         {},
	codes.Canceled:           {},
}

// FlowRequest is the body accepted by both endpoints.
type FlowRequest struct {
	Fields map[string]string `json:"fields"`
}

// AttestResponse is returned by /v1/attest.
type AttestResponse struct {
	SessionID string `json:"sessionId"`
	Verdict   string `json:"verdict"`
}

// CanonicalizeResponse is returned by /v1/canonicalize.
type CanonicalizeResponse struct {
	CanonicalRequest string `json:"canonicalRequest"`
	Digest           string `json:"digest"`
}

type flowHandler struct {
	ctx       context.Context
	orch      *flow.Orchestrator
	projectID string
	logger    logging.Logger
}

// FlowServer serves flow requests on a listener.
type FlowServer struct {
	server      *http.Server
	netListener net.Listener
}

// New listens on network/addr ("unix" and a socket path, or "tcp" and a host
// port) and returns a server running flows for projectID. ctx bounds every
// flow started by the server.
func New(ctx context.Context, network, addr string, orch *flow.Orchestrator, projectID string, logger logging.Logger) (*FlowServer, error) {
	nl, err := net.Listen(network, addr)
	if err != nil {
		return nil, fmt.Errorf("cannot listen to %s address [%s]: %v", network, addr, err)
	}

	return &FlowServer{
		netListener: nl,
		server: &http.Server{
			Handler: NewHandler(ctx, orch, projectID, logger),
		},
	}, nil
}

// NewHandler returns the HTTP handler serving /v1/attest and /v1/canonicalize.
func NewHandler(ctx context.Context, orch *flow.Orchestrator, projectID string, logger logging.Logger) http.Handler {
	h := &flowHandler{ctx: ctx, orch: orch, projectID: projectID, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/attest", h.attest)
	mux.HandleFunc("/v1/canonicalize", h.canonicalize)
	return mux
}

// Addr returns the listener address.
func (s *FlowServer) Addr() net.Addr {
	return s.netListener.Addr()
}

// Serve blocks serving requests until Shutdown.
func (s *FlowServer) Serve() error {
	return s.server.Serve(s.netListener)
}

// Shutdown stops the server and closes the listener.
func (s *FlowServer) Shutdown(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	err2 := s.netListener.Close()

	if err != nil {
		return err
	}
	if err2 != nil && !errors.Is(err2, net.ErrClosed) {
		return err2
	}
	return nil
}

// readContext decodes a FlowRequest. An empty context is valid input to the
// canonicalizer, but a flow needs at least one field to attest.
func (h *flowHandler) readContext(w http.ResponseWriter, r *http.Request, requireFields bool) (canonical.RequestContext, bool) {
	if r.Method != http.MethodPost {
		h.logAndWriteHTTPError(w, http.StatusBadRequest, fmt.Errorf("flow server received an invalid HTTP method: %s", r.Method))
		return canonical.RequestContext{}, false
	}

	var req FlowRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		h.logAndWriteHTTPError(w, http.StatusBadRequest, fmt.Errorf("failed to parse POST body as FlowRequest: %v", err))
		return canonical.RequestContext{}, false
	}
	if requireFields && len(req.Fields) == 0 {
		h.logAndWriteHTTPError(w, http.StatusBadRequest, errors.New("fields is a required parameter"))
		return canonical.RequestContext{}, false
	}
	rc, err := canonical.NewRequestContext(req.Fields)
	if err != nil {
		h.logAndWriteHTTPError(w, http.StatusBadRequest, err)
		return canonical.RequestContext{}, false
	}
	return rc, true
}

func (h *flowHandler) attest(w http.ResponseWriter, r *http.Request) {
	rc, ok := h.readContext(w, r, true)
	if !ok {
		return
	}

	var sessionID string
	verdict, err := h.orch.Run(h.ctx, h.projectID, rc, flow.ObserverFunc(func(e flow.Event) {
		sessionID = e.SessionID
	}))
	if err != nil {
		h.handleFlowError(w, err)
		return
	}
	writeJSON(w, AttestResponse{SessionID: sessionID, Verdict: string(verdict)})
}

func (h *flowHandler) canonicalize(w http.ResponseWriter, r *http.Request) {
	rc, ok := h.readContext(w, r, false)
	if !ok {
		return
	}
	req, digest, err := canonical.Hash(rc)
	if err != nil {
		h.logAndWriteHTTPError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, CanonicalizeResponse{CanonicalRequest: string(req), Digest: string(digest)})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)
}

func (h *flowHandler) logAndWriteHTTPError(w http.ResponseWriter, statusCode int, err error) {
	h.logger.Error(err.Error())
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(statusCode)
	w.Write([]byte(err.Error()))
}

// handleFlowError maps a flow failure to an HTTP status. Failures of the
// remote services are 502; gateway failures are 400 or 500 by status code.
func (h *flowHandler) handleFlowError(w http.ResponseWriter, err error) {
	err = fmt.Errorf("attestation flow failed: %w", err)

	var rce *verifier.RemoteCallError
	var mre *verifier.MalformedResponseError
	var ube *flow.UnofferedBackendError
	if errors.As(err, &rce) || errors.As(err, &mre) || errors.As(err, &ube) {
		h.logAndWriteHTTPError(w, http.StatusBadGateway, err)
		return
	}

	code := gateway.Code(err)
	if code == codes.Unknown {
		code = gateway.CodeFromContext(err)
	}
	if _, exists := clientErrorCodes[code]; exists {
		h.logAndWriteHTTPError(w, http.StatusBadRequest, err)
		return
	}
	h.logAndWriteHTTPError(w, http.StatusInternalServerError, err)
}
