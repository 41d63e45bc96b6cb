package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testClient(maxAttempts int) *Client {
	return NewClient(Config{
		SigningSecret:  "test-secret",
		Timeout:        2 * time.Second,
		MaxAttempts:    maxAttempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	})
}

func TestSendSignedRequestVerifies(t *testing.T) {
	var (
		gotSig  string
		gotTS   string
		gotEvt  string
		gotBody []byte
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(HeaderSignature)
		gotTS = r.Header.Get(HeaderTimestamp)
		gotEvt = r.Header.Get(HeaderEvent)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := testClient(1).Send(context.Background(), srv.URL, "job.completed", map[string]any{"job_id": "job-1"})
	if err != nil {
		t.Fatalf("send returned error: %v", err)
	}

	if gotEvt != "job.completed" {
		t.Fatalf("expected event header job.completed, got %q", gotEvt)
	}
	if !strings.HasPrefix(gotSig, "sha256=") {
		t.Fatalf("unexpected signature format: %q", gotSig)
	}
	if !Verify("test-secret", gotTS, gotBody, gotSig) {
		t.Fatal("signature did not verify against the received body")
	}
	if Verify("wrong-secret", gotTS, gotBody, gotSig) {
		t.Fatal("signature verified with the wrong secret")
	}
}

func TestSendRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := testClient(3).Send(context.Background(), srv.URL, "job.failed", nil); err != nil {
		t.Fatalf("send returned error: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestSendDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	err := testClient(5).Send(context.Background(), srv.URL, "job.completed", nil)
	if err == nil {
		t.Fatal("expected delivery error")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected a single attempt for a 4xx, got %d", got)
	}
}

func TestSendGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := testClient(2).Send(context.Background(), srv.URL, "job.completed", nil)
	if err == nil {
		t.Fatal("expected delivery error")
	}
	if !strings.Contains(err.Error(), "after 2 attempts") {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestSendEmptyEndpointIsNoop(t *testing.T) {
	if err := testClient(1).Send(context.Background(), "  ", "job.completed", nil); err != nil {
		t.Fatalf("expected nil for empty endpoint, got %v", err)
	}
}
