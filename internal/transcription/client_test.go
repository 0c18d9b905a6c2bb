package transcription

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, url string, retries int) *Client {
	t.Helper()

	client, err := NewClient(Config{
		Endpoint:   url,
		APIKey:     "test-key",
		Timeout:    2 * time.Second,
		MaxRetries: retries,
		Backoff:    time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return client
}

func TestTranscribeSendsMultipart(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Unexpected authorization header %q", got)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("Failed to parse multipart form: %v", err)
		}
		if got := r.FormValue("session_id"); got != "sess-1" {
			t.Errorf("Expected session_id sess-1, got %q", got)
		}
		if got := r.FormValue("language"); got != "en" {
			t.Errorf("Expected language en, got %q", got)
		}
		if _, _, err := r.FormFile("file"); err != nil {
			t.Errorf("Missing file part: %v", err)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Response{Text: "hello world", Confidence: 0.9, Language: "en"})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 0)
	resp, err := client.Transcribe(context.Background(), &Request{
		RequestID: "r1",
		SessionID: "sess-1",
		Audio:     []byte("RIFF"),
		Language:  "en",
	})
	if err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}

	if resp.Text != "hello world" || resp.Confidence != 0.9 {
		t.Errorf("Unexpected response: %+v", resp)
	}

	stats := client.GetStats()
	if stats.TotalRequests != 1 || stats.SuccessRequests != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestTranscribeRetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(Response{Text: "ok"})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 2)
	resp, err := client.Transcribe(context.Background(), &Request{Audio: []byte{1}})
	if err != nil {
		t.Fatalf("Expected success after retries, got %v", err)
	}
	if resp.Text != "ok" {
		t.Errorf("Expected text 'ok', got %q", resp.Text)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("Expected 3 calls, got %d", got)
	}
	if client.GetStats().TotalRetries != 2 {
		t.Errorf("Expected 2 retries, got %d", client.GetStats().TotalRetries)
	}
}

func TestTranscribeDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad audio", http.StatusBadRequest)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 3)
	_, err := client.Transcribe(context.Background(), &Request{Audio: []byte{1}})
	if err == nil {
		t.Fatal("Expected error")
	}

	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected HTTPError 400, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("Expected a single call, got %d", got)
	}
	if client.GetStats().FailedRequests != 1 {
		t.Errorf("Expected 1 failed request, got %d", client.GetStats().FailedRequests)
	}
}

func TestTranscribeTextFormat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("  plain transcript \n"))
	}))
	defer server.Close()

	client, err := NewClient(Config{Endpoint: server.URL, APIKey: "k", OutputFormat: "text"})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	resp, err := client.Transcribe(context.Background(), &Request{Audio: []byte{1}})
	if err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}
	if resp.Text != "plain transcript" {
		t.Errorf("Expected trimmed text, got %q", resp.Text)
	}
}

func TestTranscribeHonoursCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer server.Close()

	client, err := NewClient(Config{Endpoint: server.URL, APIKey: "k", MaxRetries: 5, Backoff: time.Hour})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	if _, err := client.Transcribe(ctx, &Request{Audio: []byte{1}}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Transcribe did not return promptly after cancellation")
	}
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{APIKey: "k"}); err == nil {
		t.Error("Expected error for empty endpoint")
	}
	if _, err := NewClient(Config{Endpoint: "http://x"}); err == nil {
		t.Error("Expected error for empty API key")
	}
	if _, err := (&Client{}).Transcribe(context.Background(), &Request{}); err == nil {
		t.Error("Expected error for empty audio")
	}
}
