// Package flow drives one attestation attempt end to end: it canonicalizes
// the request, discovers providers, asks the decision service for a backend,
// obtains an integrity token bound to the request digest and submits it for
// verification.
//
// A flow performs no retries. Every failure ends the flow in Failed and is
// returned to the caller as a *Error; IsRetryable helps callers that own a
// retry policy.
package flow

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/unifiedattestation/attestflow/canonical"
	"github.com/unifiedattestation/attestflow/gateway"
	"github.com/unifiedattestation/attestflow/internal/logging"
	"github.com/unifiedattestation/attestflow/verifier"
	"google.golang.org/grpc/codes"
)

// BackendSelector chooses one backend among the offered providers.
type BackendSelector interface {
	SelectBackend(ctx context.Context, projectID string, req canonical.Request, providers gateway.ProviderSet) (string, error)
}

// TokenVerifier submits an integrity token for verification.
type TokenVerifier interface {
	Verify(ctx context.Context, projectID string, req canonical.Request, token gateway.Token) (verifier.Verdict, error)
}

var (
	_ BackendSelector = (*verifier.Client)(nil)
	_ TokenVerifier   = (*verifier.Client)(nil)
)

// Orchestrator runs attestation flows. It holds no per-flow state and is safe
// for concurrent use; concurrent flows share only the gateway.
type Orchestrator struct {
	gw       gateway.Gateway
	selector BackendSelector
	verifier TokenVerifier
	logger   logging.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New returns an Orchestrator. The gateway must be connected by the caller
// before the first flow and disconnected after the last one.
func New(gw gateway.Gateway, selector BackendSelector, tv TokenVerifier, opts ...Option) (*Orchestrator, error) {
	if gw == nil {
		return nil, errors.New("flow: nil gateway")
	}
	if selector == nil {
		return nil, errors.New("flow: nil backend selector")
	}
	if tv == nil {
		return nil, errors.New("flow: nil token verifier")
	}
	o := &Orchestrator{
		gw:       gw,
		selector: selector,
		verifier: tv,
		logger:   logging.SimpleLogger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Run executes one flow for rc and returns its verdict. Observer, if non-nil,
// is called synchronously on the calling goroutine at entry to every state.
// Errors are *Error.
func (o *Orchestrator) Run(ctx context.Context, projectID string, rc canonical.RequestContext, observer Observer) (verifier.Verdict, error) {
	s := &session{
		o:         o,
		id:        uuid.NewString(),
		projectID: projectID,
		rc:        rc,
		observer:  observer,
	}
	return s.run(ctx)
}

// Start runs one flow on a new goroutine and streams its events. The channel
// is closed after the terminal event.
func (o *Orchestrator) Start(ctx context.Context, projectID string, rc canonical.RequestContext) <-chan Event {
	// Large enough for every event of a session, so an abandoned channel
	// never blocks the flow.
	events := make(chan Event, len(stateNames))
	go func() {
		defer close(events)
		o.Run(ctx, projectID, rc, ObserverFunc(func(e Event) { events <- e }))
	}()
	return events
}

// session is the state of a single flow. It is owned by one goroutine.
type session struct {
	o         *Orchestrator
	id        string
	projectID string
	rc        canonical.RequestContext
	observer  Observer

	state     State
	request   canonical.Request
	digest    canonical.Digest
	providers gateway.ProviderSet
	backend   string
	token     gateway.Token
	verdict   verifier.Verdict
}

// result carries the outcome of a suspending step to the flow goroutine.
type result[T any] struct {
	val T
	err error
}

// await runs fn as a task and waits for its result or for ctx to end.
func await[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	done := make(chan result[T], 1)
	go func() {
		v, err := fn(ctx)
		done <- result[T]{val: v, err: err}
	}()
	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (s *session) run(ctx context.Context) (verifier.Verdict, error) {
	s.enter(Idle)
	for !s.state.Terminal() {
		stepErr := s.step(ctx)
		next, err := Next(s.state, stepErr)
		if err != nil {
			// Unreachable while the loop guards on Terminal.
			return "", &Error{SessionID: s.id, State: s.state, Err: err}
		}
		if next == Failed {
			ferr := &Error{SessionID: s.id, State: s.state, Err: stepErr}
			s.o.logger.Warn("attestation flow failed", "session", s.id, "state", s.state.String(), "error", stepErr.Error())
			s.state = Failed
			s.emit(Event{SessionID: s.id, State: Failed, Err: ferr})
			return "", ferr
		}
		if next == Completed {
			s.state = Completed
			s.o.logger.Info("attestation flow completed", "session", s.id, "backend", s.backend)
			s.emit(Event{SessionID: s.id, State: Completed, Verdict: s.verdict})
			return s.verdict, nil
		}
		s.enter(next)
	}
	return "", &Error{SessionID: s.id, State: s.state, Err: ErrTerminalState}
}

// enter moves the session into a non-terminal state and reports the partial
// results gathered so far. Observers get their own copy of the providers.
func (s *session) enter(st State) {
	s.state = st
	s.emit(Event{
		SessionID: s.id,
		State:     st,
		Digest:    s.digest,
		Providers: append(gateway.ProviderSet(nil), s.providers...),
		Backend:   s.backend,
	})
}

func (s *session) emit(e Event) {
	if s.observer != nil {
		s.observer.OnEvent(e)
	}
}

// step performs the work of the current state.
func (s *session) step(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	switch s.state {
	case Idle:
		return nil

	case HashingRequest:
		req, digest, err := canonical.Hash(s.rc)
		if err != nil {
			return err
		}
		s.request, s.digest = req, digest
		s.o.logger.Info("request hashed", "session", s.id, "digest", string(digest))
		return nil

	case DiscoveringProviders:
		providers, err := await(ctx, func(ctx context.Context) (gateway.ProviderSet, error) {
			return s.o.gw.DiscoverProviders(ctx, s.projectID)
		})
		if err != nil {
			return err
		}
		if err := providers.Validate(); err != nil {
			code := codes.Internal
			if len(providers) == 0 {
				code = codes.NotFound
			}
			return &gateway.ProviderDiscoveryError{Code: code, Message: "invalid provider set", Err: err}
		}
		s.providers = providers
		return nil

	case SelectingBackend:
		backend, err := await(ctx, func(ctx context.Context) (string, error) {
			return s.o.selector.SelectBackend(ctx, s.projectID, s.request, s.providers)
		})
		if err != nil {
			return err
		}
		if !s.providers.Contains(backend) {
			return &UnofferedBackendError{Backend: backend, Providers: s.providers}
		}
		s.backend = backend
		s.o.logger.Info("backend selected", "session", s.id, "backend", backend)
		return nil

	case IssuingToken:
		token, err := await(ctx, func(ctx context.Context) (gateway.Token, error) {
			return s.o.gw.IssueToken(ctx, s.backend, s.projectID, s.digest)
		})
		if err != nil {
			return err
		}
		s.token = token
		return nil

	case Verifying:
		verdict, err := await(ctx, func(ctx context.Context) (verifier.Verdict, error) {
			return s.o.verifier.Verify(ctx, s.projectID, s.request, s.token)
		})
		if err != nil {
			return err
		}
		s.verdict = verdict
		return nil
	}
	return fmt.Errorf("no step defined for state %v", s.state)
}
