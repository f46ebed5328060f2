package gateway

import (
	"context"
	"errors"
	"sync"
)

// Lifecycle tracks the connect/disconnect state of a gateway connection and
// serializes access to it. Adapters embed a Lifecycle and wrap every use of
// the underlying platform resource in Acquire/Release.
//
// The zero value is a disconnected Lifecycle.
type Lifecycle struct {
	mu        sync.Mutex
	connected bool
	// sem and done are replaced on every Open.
	sem  chan struct{}
	done chan struct{}
}

// Lease grants exclusive use of the connection until Release is called.
type Lease struct {
	sem      chan struct{}
	done     <-chan struct{}
	released bool
}

// Release returns the connection to the Lifecycle. It is safe to call more
// than once.
func (l *Lease) Release() {
	if l.released {
		return
	}
	l.released = true
	<-l.sem
}

// Done is closed once the connection the lease belongs to is closed.
func (l *Lease) Done() <-chan struct{} {
	return l.done
}

// Canceled reports whether the connection was closed while the lease was held.
func (l *Lease) Canceled() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// Open runs setup and marks the connection as usable. It fails if the
// Lifecycle is already connected.
func (l *Lifecycle) Open(setup func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.connected {
		return errors.New("attestation gateway is already connected")
	}
	if setup != nil {
		if err := setup(); err != nil {
			return err
		}
	}
	l.sem = make(chan struct{}, 1)
	l.done = make(chan struct{})
	l.connected = true
	return nil
}

// Close marks the connection as closed, failing all waiting Acquire calls,
// waits for the current lease holder to release and then runs teardown.
// Closing a disconnected Lifecycle is a no-op.
func (l *Lifecycle) Close(teardown func() error) error {
	l.mu.Lock()
	if !l.connected {
		l.mu.Unlock()
		return nil
	}
	l.connected = false
	sem := l.sem
	close(l.done)
	l.mu.Unlock()

	// Wait for the in-flight holder, if any. It observes Lease.Canceled.
	sem <- struct{}{}
	defer func() { <-sem }()
	if teardown != nil {
		return teardown()
	}
	return nil
}

// Connected reports whether Open has succeeded and Close has not been called.
func (l *Lifecycle) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// Acquire blocks until the caller has exclusive use of the connection. It
// fails with ErrDisconnected if the Lifecycle is not connected or is closed
// while waiting, and with the context error if ctx ends first.
func (l *Lifecycle) Acquire(ctx context.Context) (*Lease, error) {
	l.mu.Lock()
	if !l.connected {
		l.mu.Unlock()
		return nil, ErrDisconnected
	}
	sem, done := l.sem, l.done
	l.mu.Unlock()

	select {
	case <-done:
		return nil, ErrDisconnected
	default:
	}
	select {
	case sem <- struct{}{}:
	case <-done:
		return nil, ErrDisconnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	lease := &Lease{sem: sem, done: done}
	if lease.Canceled() {
		lease.Release()
		return nil, ErrDisconnected
	}
	return lease, nil
}
