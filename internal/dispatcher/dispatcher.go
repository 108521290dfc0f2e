// ============================================================================
// Dataspace Connector Dispatcher - protocol messages to the counterparty
// ============================================================================
//
// Package: internal/dispatcher
// File: dispatcher.go
//
// The registry routes each message by its protocol to the dispatcher that
// speaks it. Every send runs under its own timeout; the result is a future so
// the state machine never blocks on the network while holding a lease.
//
// Failure classes:
//   ErrRejected  the counterparty refused the message; retrying cannot help
//   other errors transport or timeout problems; the caller may retry
//
// ============================================================================

package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/dataspace-connector/internal/async"
)

var log = slog.With("component", "dispatcher")

var (
	// ErrUnknownProtocol is returned when no dispatcher speaks the protocol.
	ErrUnknownProtocol = errors.New("no dispatcher for protocol")
	// ErrRejected marks a definitive refusal by the counterparty.
	ErrRejected = errors.New("message rejected by counterparty")
)

// DefaultSendTimeout bounds a single send when none is configured.
const DefaultSendTimeout = 30 * time.Second

// Dispatcher delivers messages for one protocol.
type Dispatcher interface {
	Protocol() string
	Send(ctx context.Context, msg Message) *async.Future[Response]
}

// Registry holds the dispatchers keyed by protocol.
type Registry struct {
	mu          sync.RWMutex
	dispatchers map[string]Dispatcher
	timeout     time.Duration
}

// NewRegistry creates a registry applying timeout to every send.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	return &Registry{dispatchers: make(map[string]Dispatcher), timeout: timeout}
}

// Register adds or replaces the dispatcher for its protocol.
func (r *Registry) Register(d Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatchers[d.Protocol()] = d
}

// Protocols lists the registered protocols.
func (r *Registry) Protocols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.dispatchers))
	for p := range r.dispatchers {
		out = append(out, p)
	}
	return out
}

// Send assigns a message id when missing and hands the message to the
// dispatcher for its protocol.
func (r *Registry) Send(ctx context.Context, msg Message) *async.Future[Response] {
	r.mu.RLock()
	d, ok := r.dispatchers[msg.Protocol]
	r.mu.RUnlock()
	if !ok {
		return async.Failed[Response](fmt.Errorf("%w %q", ErrUnknownProtocol, msg.Protocol))
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	sendCtx, cancel := context.WithTimeout(ctx, r.timeout)
	f := d.Send(sendCtx, msg)

	// A dispatcher ignoring its context must still not outlive the timeout.
	out := async.New[Response]()
	go func() {
		defer cancel()
		select {
		case <-f.Done():
		case <-sendCtx.Done():
		}
		if !f.IsDone() {
			out.Fail(fmt.Errorf("send %s to %s: %w", msg.Type, msg.CounterPartyAddress, sendCtx.Err()))
			log.Warn("Send timed out", "type", msg.Type, "processID", msg.ProcessID, "protocol", msg.Protocol)
			return
		}
		resp, err := f.Await(context.Background())
		if err != nil {
			log.Warn("Send failed", "type", msg.Type, "processID", msg.ProcessID, "protocol", msg.Protocol, "error", err)
		}
		out.Resolve(resp, err)
	}()
	return out
}

// IsRejected reports whether err is a definitive refusal.
func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected)
}
