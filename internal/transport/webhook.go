package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/beaconhq/event-pipeline/internal/domain"
)

// batchEnvelope is the JSON body posted to the remote endpoint.
type batchEnvelope struct {
	BatchID string        `json:"batchId"`
	Attempt int           `json:"attempt"`
	Items   []domain.Item `json:"items"`
}

// WebhookTransport delivers batches by POSTing a JSON envelope to a single
// endpoint URL. The URL is injected from config so tests can point it at a
// local httptest server.
type WebhookTransport struct {
	endpointURL string
	httpClient  *http.Client
}

func NewWebhookTransport(endpointURL string, timeout time.Duration) *WebhookTransport {
	return &WebhookTransport{
		endpointURL: endpointURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Send posts the batch and classifies the response:
//
//	2xx                    → delivered (nil)
//	408, 429, 5xx, network → RetryableError
//	any other 4xx          → PermanentError
func (t *WebhookTransport) Send(ctx context.Context, b *domain.Batch) error {
	body, err := json.Marshal(batchEnvelope{
		BatchID: b.ID,
		Attempt: b.Attempt,
		Items:   b.Items,
	})
	if err != nil {
		return &PermanentError{Reason: "marshal batch", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpointURL, bytes.NewReader(body))
	if err != nil {
		return &PermanentError{Reason: "create request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		// Connection refused, DNS failure, timeout: the endpoint may be
		// back later.
		return &RetryableError{Reason: "request failed", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return &RetryableError{Reason: fmt.Sprintf("endpoint status %d", resp.StatusCode)}
	default:
		return &PermanentError{Reason: fmt.Sprintf("endpoint status %d", resp.StatusCode)}
	}
}

// compile-time check that WebhookTransport implements Transport
var _ Transport = (*WebhookTransport)(nil)
