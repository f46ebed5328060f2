package fake

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/unifiedattestation/attestflow/gateway"
	"google.golang.org/grpc/codes"
)

func TestGatewayHappyPath(t *testing.T) {
	ctx := context.Background()
	g := NewGateway("backendA", "backendB")
	if err := g.Connect(ctx); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	defer g.Disconnect()

	got, err := g.DiscoverProviders(ctx, "proj")
	if err != nil {
		t.Fatalf("DiscoverProviders() failed: %v", err)
	}
	if diff := cmp.Diff(gateway.ProviderSet{"backendA", "backendB"}, got); diff != "" {
		t.Errorf("DiscoverProviders() mismatch (-want +got):\n%s", diff)
	}

	tok, err := g.IssueToken(ctx, "backendB", "proj", "digest")
	if err != nil {
		t.Fatalf("IssueToken() failed: %v", err)
	}
	if want := Token("backendB", "proj", "digest"); tok != want {
		t.Errorf("IssueToken() = %q, want %q", tok, want)
	}
	if g.DiscoverCalls() != 1 || g.IssueCalls() != 1 {
		t.Errorf("call counts = (%d, %d), want (1, 1)", g.DiscoverCalls(), g.IssueCalls())
	}
}

func TestGatewayUnsupportedBackend(t *testing.T) {
	ctx := context.Background()
	g := NewGateway("backendA")
	if err := g.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	defer g.Disconnect()

	_, err := g.IssueToken(ctx, "backendZ", "proj", "digest")
	if got := gateway.Code(err); got != codes.Unimplemented {
		t.Errorf("IssueToken() code = %v, want Unimplemented (err %v)", got, err)
	}
}

func TestGatewayNotConnected(t *testing.T) {
	g := NewGateway("backendA")
	_, err := g.DiscoverProviders(context.Background(), "proj")
	if !gateway.IsCanceled(err) {
		t.Errorf("DiscoverProviders() before Connect = %v, want cancellation error", err)
	}
}

func TestGatewayDisconnectFailsInFlight(t *testing.T) {
	ctx := context.Background()
	holding := make(chan struct{})
	g := NewGateway("backendA")
	g.Hold = func(done <-chan struct{}) {
		close(holding)
		<-done
	}
	if err := g.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	issued := make(chan error, 1)
	go func() {
		_, err := g.IssueToken(ctx, "backendA", "proj", "digest")
		issued <- err
	}()
	<-holding

	discovered := make(chan error, 1)
	go func() {
		_, err := g.DiscoverProviders(ctx, "proj")
		discovered <- err
	}()

	if err := g.Disconnect(); err != nil {
		t.Fatalf("Disconnect() failed: %v", err)
	}

	for name, ch := range map[string]chan error{"IssueToken": issued, "DiscoverProviders": discovered} {
		select {
		case err := <-ch:
			if !gateway.IsCanceled(err) {
				t.Errorf("%s() = %v, want cancellation error", name, err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("%s() did not fail after Disconnect", name)
		}
	}
}
