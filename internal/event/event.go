// Package event carries transfer process lifecycle events from the state
// machine to the subscribers interested in them: metrics, callbacks, tests.
package event

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hannahhoward/go-pubsub"
	"github.com/raulk/clock"

	"github.com/ChuLiYu/dataspace-connector/pkg/types"
)

var log = slog.With("component", "event")

// Type names a lifecycle event.
type Type string

const (
	Initialized   Type = "TransferProcessInitialized"
	Provisioned   Type = "TransferProcessProvisioned"
	Requested     Type = "TransferProcessRequested"
	Started       Type = "TransferProcessStarted"
	Suspended     Type = "TransferProcessSuspended"
	Completed     Type = "TransferProcessCompleted"
	Deprovisioned Type = "TransferProcessDeprovisioned"
	Terminated    Type = "TransferProcessTerminated"
	Cancelled     Type = "TransferProcessCancelled"
	Failed        Type = "TransferProcessFailed"
	Ended         Type = "TransferProcessEnded"
)

// Event is emitted after a transition has been committed.
type Event struct {
	ID            string                  `json:"id"`
	Type          Type                    `json:"type"`
	At            int64                   `json:"at"`
	ProcessID     string                  `json:"transferProcessId"`
	CorrelationID string                  `json:"correlationId,omitempty"`
	Role          types.Role              `json:"role"`
	State         string                  `json:"state"`
	AssetID       string                  `json:"assetId,omitempty"`
	ContractID    string                  `json:"contractId,omitempty"`
	ErrorDetail   string                  `json:"errorDetail,omitempty"`
	Callbacks     []types.CallbackAddress `json:"-"`
}

// SubscriberFunc receives events synchronously on the publishing goroutine.
type SubscriberFunc func(Event)

// Router fans events out to registered subscribers.
type Router struct {
	ps    *pubsub.PubSub
	clock clock.Clock
}

// NewRouter creates a router. A nil clock uses the wall clock.
func NewRouter(clk clock.Clock) *Router {
	if clk == nil {
		clk = clock.New()
	}
	ps := pubsub.New(func(evt pubsub.Event, subFn pubsub.SubscriberFn) error {
		e, ok := evt.(Event)
		if !ok {
			return fmt.Errorf("wrong type of event: %T", evt)
		}
		sub, ok := subFn.(SubscriberFunc)
		if !ok {
			return fmt.Errorf("wrong type of subscriber: %T", subFn)
		}
		sub(e)
		return nil
	})
	return &Router{ps: ps, clock: clk}
}

// Register adds a synchronous subscriber. Subscribers must not block; use
// RegisterAsync for I/O.
func (r *Router) Register(fn SubscriberFunc) pubsub.Unsubscribe {
	return r.ps.Subscribe(fn)
}

// RegisterAsync adds a subscriber invoked on its own goroutine per event.
func (r *Router) RegisterAsync(fn SubscriberFunc) pubsub.Unsubscribe {
	return r.ps.Subscribe(SubscriberFunc(func(e Event) {
		go fn(e)
	}))
}

// Publish delivers an event to every subscriber.
func (r *Router) Publish(e Event) {
	if err := r.ps.Publish(e); err != nil {
		log.Error("Unexpected error publishing event", "type", e.Type, "processID", e.ProcessID, "error", err)
	}
}

// PublishFor builds an event of the given type from the process and
// publishes it.
func (r *Router) PublishFor(t Type, tp *types.TransferProcess) {
	r.Publish(Event{
		ID:            uuid.NewString(),
		Type:          t,
		At:            r.clock.Now().UnixMilli(),
		ProcessID:     tp.ID,
		CorrelationID: tp.CorrelationID,
		Role:          tp.Type,
		State:         tp.State.String(),
		AssetID:       tp.AssetID,
		ContractID:    tp.ContractID,
		ErrorDetail:   tp.ErrorDetail,
		Callbacks:     tp.CallbackAddresses,
	})
}
