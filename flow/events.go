package flow

import (
	"github.com/unifiedattestation/attestflow/canonical"
	"github.com/unifiedattestation/attestflow/gateway"
	"github.com/unifiedattestation/attestflow/verifier"
)

// Event reports entry into a state. Progress events carry the partial results
// known on entry. The Completed event carries only Verdict and the Failed
// event only Err.
type Event struct {
	SessionID string
	State     State

	Digest    canonical.Digest
	Providers gateway.ProviderSet
	Backend   string

	Verdict verifier.Verdict
	// Err is a *Error.
	Err error
}

// Observer receives flow events.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to an Observer.
type ObserverFunc func(Event)

// OnEvent calls f(e).
func (f ObserverFunc) OnEvent(e Event) {
	f(e)
}
