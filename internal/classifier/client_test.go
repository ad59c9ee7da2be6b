package classifier

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skypro1111/voice-origin-service/internal/audio"
)

func testWAV(t *testing.T) []byte {
	t.Helper()
	wav, err := audio.EncodeWAV(make([]byte, 32000), 16000)
	if err != nil {
		t.Fatalf("Failed to encode WAV: %v", err)
	}
	return wav
}

func newTestClient(t *testing.T, endpoint string, maxRetries int) *Client {
	t.Helper()
	client, err := NewClient(Config{
		Endpoint:      endpoint,
		Timeout:       2 * time.Second,
		MaxRetries:    maxRetries,
		MaxConcurrent: 2,
		RetryBackoff:  time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return client
}

func TestNewClientRequiresEndpoint(t *testing.T) {
	if _, err := NewClient(Config{}, nil); err == nil {
		t.Error("Expected error for empty endpoint")
	}
}

func TestClassifySendsMultipartWAV(t *testing.T) {
	wav := testWAV(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Expected bearer token, got %q", got)
		}

		file, header, err := r.FormFile("audio")
		if err != nil {
			t.Errorf("Failed to read audio part: %v", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		defer file.Close()

		if header.Filename != "seg-1.wav" {
			t.Errorf("Expected filename seg-1.wav, got %s", header.Filename)
		}
		if got := header.Header.Get("Content-Type"); got != "audio/wav" {
			t.Errorf("Expected audio/wav part, got %s", got)
		}

		data, _ := io.ReadAll(file)
		if len(data) != len(wav) {
			t.Errorf("Expected %d bytes of audio, got %d", len(wav), len(data))
		}
		if r.FormValue("seq") != "1" {
			t.Errorf("Expected seq field 1, got %q", r.FormValue("seq"))
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":"orig","scores":{"orig":0.91,"tts":0.06,"tts_gsm":0.03}}`))
	}))
	defer server.Close()

	client, err := NewClient(Config{Endpoint: server.URL, APIKey: "secret"}, nil)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	result, err := client.Classify(context.Background(), &Request{SegmentID: "seg-1", Seq: 1, SampleRate: 16000, WAV: wav})
	if err != nil {
		t.Fatalf("Failed to classify: %v", err)
	}

	if result.Label != "orig" || !result.IsHuman() {
		t.Errorf("Expected human label orig, got %s", result.Label)
	}
	if result.Scores["orig"] != 0.91 {
		t.Errorf("Expected orig score 0.91, got %v", result.Scores["orig"])
	}

	stats := client.GetStats()
	if stats.TotalRequests != 1 || stats.SuccessRequests != 1 {
		t.Errorf("Expected 1 successful request, got %+v", stats)
	}
}

func TestClassifyErrors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		expectKind ErrorKind
		expectCode int
	}{
		{"bad request", http.StatusBadRequest, `{"error":"No audio file"}`, KindStatus, http.StatusBadRequest},
		{"invalid JSON", http.StatusOK, `not json`, KindMalformed, 0},
		{"missing result", http.StatusOK, `{"scores":{"orig":1}}`, KindMalformed, 0},
		{"empty result", http.StatusOK, `{"result":"","scores":{}}`, KindMalformed, 0},
		{"score out of range", http.StatusOK, `{"result":"tts","scores":{"tts":1.5}}`, KindMalformed, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := newTestClient(t, server.URL, 3)
			_, err := client.Classify(context.Background(), &Request{SegmentID: "s", Seq: 1, WAV: testWAV(t)})
			if err == nil {
				t.Fatal("Expected error")
			}

			var dispatchErr *DispatchError
			if !errors.As(err, &dispatchErr) {
				t.Fatalf("Expected DispatchError, got %T", err)
			}
			if dispatchErr.Kind != tt.expectKind {
				t.Errorf("Expected kind %s, got %s", tt.expectKind, dispatchErr.Kind)
			}
			if dispatchErr.StatusCode != tt.expectCode {
				t.Errorf("Expected status %d, got %d", tt.expectCode, dispatchErr.StatusCode)
			}
			if calls.Load() != 1 {
				t.Errorf("Expected no retries, got %d calls", calls.Load())
			}
		})
	}
}

func TestClassifyRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"result":"tts","scores":{"tts":0.8,"orig":0.2}}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 3)
	result, err := client.Classify(context.Background(), &Request{SegmentID: "s", Seq: 1, WAV: testWAV(t)})
	if err != nil {
		t.Fatalf("Failed to classify: %v", err)
	}

	if result.Label != "tts" {
		t.Errorf("Expected tts, got %s", result.Label)
	}
	if calls.Load() != 3 {
		t.Errorf("Expected 3 calls, got %d", calls.Load())
	}
	if stats := client.GetStats(); stats.TotalRetries != 2 {
		t.Errorf("Expected 2 retries, got %d", stats.TotalRetries)
	}
}

func TestClassifyGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"model crashed"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 2)
	_, err := client.Classify(context.Background(), &Request{SegmentID: "s", Seq: 1, WAV: testWAV(t)})
	if ErrorKindOf(err) != KindStatus {
		t.Fatalf("Expected status error, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("Expected 3 calls, got %d", calls.Load())
	}
	if stats := client.GetStats(); stats.FailedRequests != 1 {
		t.Errorf("Expected 1 failed request, got %d", stats.FailedRequests)
	}
}

func TestClassifyTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	endpoint := server.URL
	server.Close()

	client := newTestClient(t, endpoint, 0)
	_, err := client.Classify(context.Background(), &Request{SegmentID: "s", Seq: 1, WAV: testWAV(t)})
	if ErrorKindOf(err) != KindTransport {
		t.Errorf("Expected transport error, got %v", err)
	}
}

func TestClassifyHonoursCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client, err := NewClient(Config{Endpoint: server.URL, MaxRetries: 5, RetryBackoff: time.Hour}, nil)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = client.Classify(ctx, &Request{SegmentID: "s", Seq: 1, WAV: testWAV(t)})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Expected cancellation to interrupt backoff")
	}
}

func TestErrorKindOf(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorKind
	}{
		{"status", &DispatchError{Kind: KindStatus, StatusCode: 500}, KindStatus},
		{"malformed", &DispatchError{Kind: KindMalformed}, KindMalformed},
		{"plain error", errors.New("boom"), KindTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorKindOf(tt.err); got != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, got)
			}
		})
	}
}
