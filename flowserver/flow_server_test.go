package flowserver

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/unifiedattestation/attestflow/flow"
	"github.com/unifiedattestation/attestflow/gateway"
	gwfake "github.com/unifiedattestation/attestflow/gateway/fake"
	"github.com/unifiedattestation/attestflow/internal/logging"
	"github.com/unifiedattestation/attestflow/verifier"
	"github.com/unifiedattestation/attestflow/verifier/fake"
	"google.golang.org/grpc/codes"
)

const testProject = "com.unifiedattestation.example"

func newOrchestrator(t *testing.T, gw *gwfake.Gateway, opts fake.Options) *flow.Orchestrator {
	t.Helper()
	if err := gw.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	t.Cleanup(func() { gw.Disconnect() })

	svc, err := fake.NewServer(opts)
	if err != nil {
		t.Fatalf("fake.NewServer() failed: %v", err)
	}
	t.Cleanup(svc.Close)

	client, err := verifier.NewClient(svc.URL())
	if err != nil {
		t.Fatalf("verifier.NewClient() failed: %v", err)
	}
	orch, err := flow.New(gw, client, client)
	if err != nil {
		t.Fatalf("flow.New() failed: %v", err)
	}
	return orch
}

func post(t *testing.T, h http.Handler, path, body string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	data, err := io.ReadAll(w.Result().Body)
	if err != nil {
		t.Fatal(err)
	}
	return w.Code, string(data)
}

const loginBody = `{"fields":{"action":"login","sessionId":"123456","ts":"1700000000"}}`

func TestCanonicalize(t *testing.T) {
	testCases := []struct {
		name string
		body string
		want CanonicalizeResponse
	}{
		{
			name: "login",
			body: loginBody,
			want: CanonicalizeResponse{
				CanonicalRequest: "action=login&sessionId=123456&ts=1700000000",
				Digest:           "dcddf9ccb10df690ca941940830546d2fe34a140ea37b0230248baef572aafd9",
			},
		},
		{
			name: "empty fields",
			body: `{"fields":{}}`,
			want: CanonicalizeResponse{
				CanonicalRequest: "",
				Digest:           "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
			},
		},
		{
			name: "no fields",
			body: `{}`,
			want: CanonicalizeResponse{
				CanonicalRequest: "",
				Digest:           "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
			},
		},
	}
	h := NewHandler(context.Background(), nil, testProject, logging.SimpleLogger())
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			code, body := post(t, h, "/v1/canonicalize", tc.body)
			if code != http.StatusOK {
				t.Fatalf("got return code: %d, want: %d (%s)", code, http.StatusOK, body)
			}
			var got CanonicalizeResponse
			if err := json.Unmarshal([]byte(body), &got); err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("response mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestAttest(t *testing.T) {
	orch := newOrchestrator(t, gwfake.NewGateway("backendA", "backendB"), fake.Options{})
	h := NewHandler(context.Background(), orch, testProject, logging.SimpleLogger())

	code, body := post(t, h, "/v1/attest", loginBody)
	if code != http.StatusOK {
		t.Fatalf("got return code: %d, want: %d (%s)", code, http.StatusOK, body)
	}
	var got AttestResponse
	if err := json.Unmarshal([]byte(body), &got); err != nil {
		t.Fatal(err)
	}
	if got.Verdict != fake.DefaultVerdict || got.SessionID == "" {
		t.Errorf("got %+v, want verdict %q and a session id", got, fake.DefaultVerdict)
	}
}

func TestAttestErrors(t *testing.T) {
	testCases := []struct {
		name string
		gw   func() *gwfake.Gateway
		opts fake.Options
		body string
		want int
	}{
		{
			name: "unknown field",
			gw:   func() *gwfake.Gateway { return gwfake.NewGateway("backendA") },
			body: `{"fields":{"a":"b"},"extra":1}`,
			want: http.StatusBadRequest,
		},
		{
			name: "no fields",
			gw:   func() *gwfake.Gateway { return gwfake.NewGateway("backendA") },
			body: `{}`,
			want: http.StatusBadRequest,
		},
		{
			name: "empty key",
			gw:   func() *gwfake.Gateway { return gwfake.NewGateway("backendA") },
			body: `{"fields":{"":"b"}}`,
			want: http.StatusBadRequest,
		},
		{
			name: "verifier 500",
			gw:   func() *gwfake.Gateway { return gwfake.NewGateway("backendA") },
			opts: fake.Options{VerifyResponse: &fake.Response{Status: http.StatusInternalServerError}},
			body: loginBody,
			want: http.StatusBadGateway,
		},
		{
			name: "unoffered backend",
			gw:   func() *gwfake.Gateway { return gwfake.NewGateway("backendA") },
			opts: fake.Options{Choose: func(verifier.SelectBackendRequest) string { return "backendZ" }},
			body: loginBody,
			want: http.StatusBadGateway,
		},
		{
			name: "permission denied",
			gw: func() *gwfake.Gateway {
				gw := gwfake.NewGateway("backendA")
				gw.IssueErr = &gateway.TokenIssuanceError{Code: codes.PermissionDenied, Message: "denied"}
				return gw
			},
			body: loginBody,
			want: http.StatusBadRequest,
		},
		{
			name: "service unavailable",
			gw: func() *gwfake.Gateway {
				gw := gwfake.NewGateway("backendA")
				gw.DiscoverErr = &gateway.ProviderDiscoveryError{Code: codes.Unavailable, Message: "down"}
				return gw
			},
			body: loginBody,
			want: http.StatusInternalServerError,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			orch := newOrchestrator(t, tc.gw(), tc.opts)
			h := NewHandler(context.Background(), orch, testProject, logging.SimpleLogger())
			if code, body := post(t, h, "/v1/attest", tc.body); code != tc.want {
				t.Errorf("got return code: %d, want: %d (%s)", code, tc.want, body)
			}
		})
	}
}

func TestInvalidMethod(t *testing.T) {
	h := NewHandler(context.Background(), nil, testProject, logging.SimpleLogger())
	req := httptest.NewRequest(http.MethodGet, "/v1/attest", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("got return code: %d, want: %d", w.Code, http.StatusBadRequest)
	}
}

func TestServeOnUnixSocket(t *testing.T) {
	orch := newOrchestrator(t, gwfake.NewGateway("backendA"), fake.Options{})
	sock := filepath.Join(t.TempDir(), "attestflow.sock")

	s, err := New(context.Background(), "unix", sock, orch, testProject, logging.SimpleLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	go s.Serve()
	defer s.Shutdown(context.Background())

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return (&net.Dialer{}).DialContext(ctx, "unix", sock)
			},
		},
	}
	resp, err := client.Post("http://localhost/v1/attest", "application/json", strings.NewReader(loginBody))
	if err != nil {
		t.Fatalf("POST over unix socket failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		t.Fatalf("got return code: %d, want: %d (%s)", resp.StatusCode, http.StatusOK, data)
	}
	if s.Addr().String() != sock {
		t.Errorf("Addr() = %q, want %q", s.Addr().String(), sock)
	}
}
