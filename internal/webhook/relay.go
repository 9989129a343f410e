package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Reply is the engine's answer to a synchronous relay call.
type Reply struct {
	StatusCode int
	Body       []byte
}

// OK reports a 2xx status.
func (r Reply) OK() bool { return r.StatusCode >= 200 && r.StatusCode <= 299 }

// Relay makes synchronous calls to the engine on behalf of a waiting caller.
type Relay struct {
	client  *http.Client
	timeout time.Duration
}

// NewRelay creates a Relay whose calls are cut off after timeout.
// A nil client selects an otelhttp-instrumented one.
func NewRelay(client *http.Client, timeout time.Duration) *Relay {
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Relay{client: client, timeout: timeout}
}

// Post sends v as JSON to target and returns the raw reply. Any HTTP status
// is a Reply; only transport failures and the timeout are errors.
func (r *Relay) Post(ctx context.Context, target Target, v any) (Reply, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return Reply{}, fmt.Errorf("webhook: marshal relay body: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	status, respBody, err := post(ctx, r.client, target, body)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Reply{}, fmt.Errorf("webhook: request timeout after %s", r.timeout)
		}
		return Reply{}, err
	}
	return Reply{StatusCode: status, Body: respBody}, nil
}
