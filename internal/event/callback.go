package event

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// SecretResolver looks up credentials referenced by callback addresses.
type SecretResolver interface {
	ResolveSecret(key string) (string, error)
}

// CallbackDelivery posts events as JSON to the callback addresses registered
// on a process. Delivery is best effort: failures are logged, not retried by
// the state machine.
type CallbackDelivery struct {
	client  *resty.Client
	secrets SecretResolver
}

// NewCallbackDelivery creates a delivery client. secrets may be nil when no
// callback needs authentication.
func NewCallbackDelivery(timeout time.Duration, retries int, secrets SecretResolver) *CallbackDelivery {
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(retries).
		SetRetryWaitTime(100*time.Millisecond).
		SetHeader("Content-Type", "application/json")
	return &CallbackDelivery{client: client, secrets: secrets}
}

// Attach registers the delivery as an asynchronous subscriber of the router.
func (d *CallbackDelivery) Attach(r *Router) {
	r.RegisterAsync(func(e Event) {
		if err := d.Deliver(context.Background(), e); err != nil {
			log.Warn("Callback delivery failed", "type", e.Type, "processID", e.ProcessID, "error", err)
		}
	})
}

// Deliver posts the event to every callback address that accepts its type.
func (d *CallbackDelivery) Deliver(ctx context.Context, e Event) error {
	for _, cb := range e.Callbacks {
		if !cb.Accepts(string(e.Type)) {
			continue
		}
		req := d.client.R().SetContext(ctx).SetBody(e)
		if cb.AuthKey != "" && cb.AuthRef != "" && d.secrets != nil {
			secret, err := d.secrets.ResolveSecret(cb.AuthRef)
			if err != nil {
				return fmt.Errorf("failed to resolve callback secret %s: %w", cb.AuthRef, err)
			}
			req.SetHeader(cb.AuthKey, secret)
		}
		resp, err := req.Post(cb.URI)
		if err != nil {
			return fmt.Errorf("failed to post %s to %s: %w", e.Type, cb.URI, err)
		}
		if resp.IsError() {
			return fmt.Errorf("callback %s answered %s", cb.URI, resp.Status())
		}
	}
	return nil
}
