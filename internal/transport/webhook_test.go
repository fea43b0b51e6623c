package transport_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/beaconhq/event-pipeline/internal/domain"
	"github.com/beaconhq/event-pipeline/internal/transport"
)

func testBatch() *domain.Batch {
	return domain.NewBatch("b-1", []domain.Item{
		{ID: "i-1", Priority: domain.PriorityNormal, Payload: []byte(`{"k":"v"}`), CreatedAt: time.Now().UTC()},
	})
}

func serverReturning(status int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
}

func TestWebhookTransport_Delivered(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	tr := transport.NewWebhookTransport(srv.URL, time.Second)
	if err := tr.Send(context.Background(), testBatch()); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if gotPath != "application/json" {
		t.Fatalf("expected JSON content type, got %q", gotPath)
	}
}

func TestWebhookTransport_Classification(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
		permanent bool
	}{
		{http.StatusOK, false, false},
		{http.StatusRequestTimeout, true, false},
		{http.StatusTooManyRequests, true, false},
		{http.StatusInternalServerError, true, false},
		{http.StatusServiceUnavailable, true, false},
		{http.StatusBadRequest, false, true},
		{http.StatusUnauthorized, false, true},
		{http.StatusUnprocessableEntity, false, true},
	}

	for _, tc := range cases {
		srv := serverReturning(tc.status)
		tr := transport.NewWebhookTransport(srv.URL, time.Second)
		err := tr.Send(context.Background(), testBatch())
		srv.Close()

		switch {
		case !tc.retryable && !tc.permanent:
			if err != nil {
				t.Fatalf("status %d: expected success, got %v", tc.status, err)
			}
		case tc.retryable:
			if !transport.IsRetryable(err) {
				t.Fatalf("status %d: expected retryable, got %v", tc.status, err)
			}
		case tc.permanent:
			if !transport.IsPermanent(err) {
				t.Fatalf("status %d: expected permanent, got %v", tc.status, err)
			}
		}
	}
}

func TestWebhookTransport_NetworkErrorIsRetryable(t *testing.T) {
	srv := serverReturning(http.StatusOK)
	srv.Close() // connection refused from here on

	tr := transport.NewWebhookTransport(srv.URL, 500*time.Millisecond)
	err := tr.Send(context.Background(), testBatch())
	if !transport.IsRetryable(err) {
		t.Fatalf("expected retryable network error, got %v", err)
	}
}
