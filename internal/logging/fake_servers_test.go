package logging

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	logpb "cloud.google.com/go/logging/apiv2/loggingpb"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/timestamppb"
)

const testProjectID = "test-project"

// fakeLoggingService is an in-process Cloud Logging gRPC service that stores
// the entries it receives.
type fakeLoggingService struct {
	logpb.UnimplementedLoggingServiceV2Server

	mu   sync.Mutex
	logs map[string][]*logpb.LogEntry // indexed by log name
}

func (h *fakeLoggingService) WriteLogEntries(_ context.Context, req *logpb.WriteLogEntriesRequest) (*logpb.WriteLogEntriesResponse, error) {
	if !strings.HasPrefix(req.LogName, "projects/"+testProjectID+"/") {
		return nil, fmt.Errorf("bad LogName: %q", req.LogName)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range req.Entries {
		if e.Timestamp == nil {
			e.Timestamp = timestamppb.Now()
		}
		if e.LogName == "" {
			e.LogName = req.LogName
		}
		if e.Resource == nil {
			e.Resource = req.Resource
		}
		h.logs[e.LogName] = append(h.logs[e.LogName], e)
	}
	return &logpb.WriteLogEntriesResponse{}, nil
}

func (h *fakeLoggingService) entries(logName string) []*logpb.LogEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*logpb.LogEntry(nil), h.logs[logName]...)
}

// newFakeLoggingService serves a fakeLoggingService on a loopback port and
// returns a client connection to it.
func newFakeLoggingService(t *testing.T) (*fakeLoggingService, *grpc.ClientConn) {
	t.Helper()
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal(err)
	}
	svc := &fakeLoggingService{logs: make(map[string][]*logpb.LogEntry)}
	gsrv := grpc.NewServer()
	logpb.RegisterLoggingServiceV2Server(gsrv, svc)
	go gsrv.Serve(l)
	t.Cleanup(gsrv.Stop)

	conn, err := grpc.NewClient(l.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dialing %q: %v", l.Addr(), err)
	}
	t.Cleanup(func() { conn.Close() })
	return svc, conn
}

const metadataHostEnv = "GCE_METADATA_HOST"

// newFakeMetadataServer serves the GCE metadata project id and points the
// metadata client at it.
func newFakeMetadataServer(t *testing.T, projectID string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Metadata-Flavor") != "Google" {
			http.Error(w, "Missing Metadata-Flavor header", http.StatusForbidden)
			return
		}
		if r.URL.Path != "/computeMetadata/v1/project/project-id" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Metadata-Flavor", "Google")
		w.Write([]byte(projectID))
	}))
	t.Cleanup(srv.Close)
	t.Setenv(metadataHostEnv, strings.TrimPrefix(srv.URL, "http://"))
}
