// Package fake provides an in-process decision and verification service for
// tests.
package fake

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/unifiedattestation/attestflow/verifier"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// DefaultVerdict is returned by /verify when no signing key is configured.
const DefaultVerdict = "MEETS_DEVICE_INTEGRITY"

// Response overrides the raw response of an endpoint.
type Response struct {
	Status int
	Body   string
}

// Options configures the fake service.
type Options struct {
	// Choose picks the backend. Defaults to the first offered id.
	Choose func(verifier.SelectBackendRequest) string
	// SelectResponse and VerifyResponse, if set, replace the normal handling.
	SelectResponse *Response
	VerifyResponse *Response
	// SigningKey, if set, makes /verify return an HS256 JWT verdict.
	SigningKey []byte
	// BearerToken, if set, is required in the Authorization header.
	BearerToken string
}

// VerdictClaims are the claims of a signed verdict.
type VerdictClaims struct {
	Verdict   string `json:"verdict"`
	ProjectID string `json:"projectId"`
	jwt.RegisteredClaims
}

// Server is a fake service backed by an httptest.Server.
type Server struct {
	Server *httptest.Server
	opts   Options

	mu             sync.Mutex
	selectRequests []verifier.SelectBackendRequest
	verifyRequests []verifier.VerifyRequest
}

// NewServer starts a fake service.
func NewServer(opts Options) (*Server, error) {
	s := &Server{opts: opts}

	mux := http.NewServeMux()
	mux.HandleFunc(verifier.SelectBackendEndpoint, s.selectBackend)
	mux.HandleFunc(verifier.VerifyEndpoint, s.verify)

	// Plaintext HTTP/1.1 and prior-knowledge HTTP/2 (h2c) share the listener.
	s.Server = httptest.NewServer(h2c.NewHandler(mux, &http2.Server{}))
	return s, nil
}

// URL returns the service base URL.
func (s *Server) URL() string {
	return s.Server.URL
}

// Close shuts down the server.
func (s *Server) Close() {
	s.Server.Close()
}

// SelectRequests returns the decoded /select-backend requests received.
func (s *Server) SelectRequests() []verifier.SelectBackendRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]verifier.SelectBackendRequest(nil), s.selectRequests...)
}

// VerifyRequests returns the decoded /verify requests received.
func (s *Server) VerifyRequests() []verifier.VerifyRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]verifier.VerifyRequest(nil), s.verifyRequests...)
}

func (s *Server) authorized(w http.ResponseWriter, r *http.Request) bool {
	if s.opts.BearerToken == "" || r.Header.Get("Authorization") == "Bearer "+s.opts.BearerToken {
		return true
	}
	http.Error(w, `{"error":"unauthenticated"}`, http.StatusUnauthorized)
	return false
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, `{"error":"unreadable body"}`, http.StatusBadRequest)
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusBadRequest)
		return false
	}
	return true
}

func writeRaw(w http.ResponseWriter, resp *Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Status)
	w.Write([]byte(resp.Body))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) selectBackend(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	var req verifier.SelectBackendRequest
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	s.selectRequests = append(s.selectRequests, req)
	s.mu.Unlock()

	if s.opts.SelectResponse != nil {
		writeRaw(w, s.opts.SelectResponse)
		return
	}
	if len(req.BackendIDs) == 0 {
		http.Error(w, `{"error":"no backends offered"}`, http.StatusUnprocessableEntity)
		return
	}
	choice := req.BackendIDs[0]
	if s.opts.Choose != nil {
		choice = s.opts.Choose(req)
	}
	writeJSON(w, map[string]string{"backendId": choice})
}

func (s *Server) verify(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	var req verifier.VerifyRequest
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	s.verifyRequests = append(s.verifyRequests, req)
	s.mu.Unlock()

	if s.opts.VerifyResponse != nil {
		writeRaw(w, s.opts.VerifyResponse)
		return
	}
	if req.Token == "" || req.CanonicalRequest == "" {
		http.Error(w, `{"error":"token and canonicalRequest are required"}`, http.StatusBadRequest)
		return
	}

	verdict := DefaultVerdict
	if s.opts.SigningKey != nil {
		now := jwt.TimeFunc()
		claims := VerdictClaims{
			Verdict:   DefaultVerdict,
			ProjectID: req.ProjectID,
			RegisteredClaims: jwt.RegisteredClaims{
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
				Issuer:    "attestflow-fake-verifier",
				Subject:   req.ProjectID,
			},
		}
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.opts.SigningKey)
		if err != nil {
			http.Error(w, `{"error":"signing failed"}`, http.StatusInternalServerError)
			return
		}
		verdict = signed
	}
	writeJSON(w, map[string]string{"verdict": verdict})
}
