// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package anthropic

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

const testCredential = "sk-ant-REDACTED"

// =============================================================================
// CREDENTIAL VALIDATION TESTS
// =============================================================================

func TestValidateCredential(t *testing.T) {
	tests := []struct {
		name       string
		credential string
		want       bool
	}{
		{"valid", testCredential, true},
		{"valid with whitespace", "  " + testCredential + "  ", true},
		{"empty", "", false},
		{"wrong prefix", "sk-openai-abcdefghijklmnop", false},
		{"prefix only", "sk-ant-", false},
		{"too short", "sk-ant-short", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidateCredential(tt.credential); got != tt.want {
				t.Errorf("ValidateCredential(%q) = %v, want %v", tt.credential, got, tt.want)
			}
		})
	}
}

// =============================================================================
// CLIENT CONFIGURATION TESTS
// =============================================================================

func TestClient_NotConfigured(t *testing.T) {
	c := NewClient("", "")

	if c.IsConfigured() {
		t.Error("empty credential should not be configured")
	}

	_, err := c.Messages(context.Background(), "", []ChatMessage{NewUserMessage("hi")})
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Messages err = %v, want ErrNotConfigured", err)
	}

	err = c.MessagesStream(context.Background(), "", nil, func(StreamChunk) {})
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("MessagesStream err = %v, want ErrNotConfigured before any network use", err)
	}
}

// =============================================================================
// BUFFERED CHAT TESTS
// =============================================================================

func TestClient_Messages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %q, want /v1/messages", r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != testCredential {
			t.Errorf("x-api-key = %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got != "2023-06-01" {
			t.Errorf("anthropic-version = %q", got)
		}
		w.Write([]byte(`{"content":[{"type":"text","text":"Aisle "},{"type":"text","text":"7"}],"stop_reason":"end_turn"}`))
	}))
	defer srv.Close()

	c := NewClient(testCredential, "", WithBaseURL(srv.URL))
	got, err := c.Messages(context.Background(), "You are a stockroom assistant.",
		[]ChatMessage{NewUserMessage("where are the label rolls?")})
	if err != nil {
		t.Fatalf("Messages() error: %v", err)
	}
	if got != "Aisle 7" {
		t.Errorf("Messages() = %q, want concatenated text blocks", got)
	}
}

func TestClient_Messages_AuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"type":"authentication_error","message":"invalid x-api-key"}}`))
	}))
	defer srv.Close()

	c := NewClient(testCredential, "", WithBaseURL(srv.URL))
	_, err := c.Messages(context.Background(), "", []ChatMessage{NewUserMessage("hi")})
	if !errors.Is(err, ErrAuthFailed) {
		t.Errorf("err = %v, want ErrAuthFailed", err)
	}
}

func TestClient_Messages_APIErrorPreservesStatusAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"max_tokens required"}}`))
	}))
	defer srv.Close()

	c := NewClient(testCredential, "", WithBaseURL(srv.URL))
	_, err := c.Messages(context.Background(), "", []ChatMessage{NewUserMessage("hi")})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusBadRequest {
		t.Errorf("Status = %d, want 400", apiErr.Status)
	}
	if !strings.Contains(apiErr.Body, "max_tokens required") {
		t.Errorf("Body = %q, want service diagnostics preserved", apiErr.Body)
	}
}

func TestClient_Messages_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(testCredential, "", WithBaseURL(srv.URL))
	_, err := c.Messages(context.Background(), "", []ChatMessage{NewUserMessage("hi")})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}

	var rl *RateLimitError
	if !errors.As(err, &rl) || rl.RetryAfter != 30*time.Second {
		t.Errorf("RetryAfter not parsed: %v", err)
	}
}

func TestClient_Messages_NoFixedTimeout(t *testing.T) {
	// Request lifetime is governed by the caller's context alone.
	if sharedClient.Timeout != 0 {
		t.Fatalf("shared client timeout = %v, want none", sharedClient.Timeout)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(150 * time.Millisecond)
		w.Write([]byte(`{"content":[{"type":"text","text":"slow but valid"}]}`))
	}))
	defer srv.Close()

	c := NewClient(testCredential, "", WithBaseURL(srv.URL))
	got, err := c.Messages(context.Background(), "", []ChatMessage{NewUserMessage("hi")})
	if err != nil {
		t.Fatalf("Messages() failed on a valid slow response: %v", err)
	}
	if got != "slow but valid" {
		t.Errorf("Messages() = %q", got)
	}

	// A caller-supplied deadline still cuts the call short.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := c.Messages(ctx, "", []ChatMessage{NewUserMessage("hi")}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want the caller's deadline to surface", err)
	}
}

// =============================================================================
// SSE READER TESTS
// =============================================================================

func TestSSEReader_ReadEvent(t *testing.T) {
	input := "event: content_block_delta\ndata: {\"a\":1}\n\nevent: message_stop\ndata: {}\n\n"
	reader := NewSSEReader(strings.NewReader(input))

	typ, data, err := reader.ReadEvent()
	if err != nil {
		t.Fatal(err)
	}
	if typ != "content_block_delta" || string(data) != `{"a":1}` {
		t.Errorf("event = (%q, %q)", typ, data)
	}

	typ, _, err = reader.ReadEvent()
	if err != nil || typ != "message_stop" {
		t.Errorf("second event = (%q, %v)", typ, err)
	}
}

func TestSSEReader_CRLFLines(t *testing.T) {
	input := "data: {\"a\":1}\r\n\r\n"
	reader := NewSSEReader(strings.NewReader(input))

	_, data, err := reader.ReadEvent()
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"a":1}` {
		t.Errorf("data = %q, want carriage returns stripped", data)
	}
}

// =============================================================================
// STREAMING TESTS
// =============================================================================

func sseBody(events ...string) string {
	var b strings.Builder
	for _, e := range events {
		b.WriteString(e)
		b.WriteString("\n\n")
	}
	return b.String()
}

func streamServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(body))
	}))
}

func TestClient_MessagesStream(t *testing.T) {
	body := sseBody(
		`event: message_start`+"\n"+`data: {"type":"message_start"}`,
		`event: content_block_delta`+"\n"+`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"Bin "}}`,
		`event: content_block_delta`+"\n"+`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"B4"}}`,
		`event: message_stop`+"\n"+`data: {"type":"message_stop"}`,
	)
	srv := streamServer(t, body)
	defer srv.Close()

	c := NewClient(testCredential, "", WithBaseURL(srv.URL))

	var chunks []string
	err := c.MessagesStream(context.Background(), "", []ChatMessage{NewUserMessage("hi")},
		func(chunk StreamChunk) { chunks = append(chunks, chunk.Content) })
	if err != nil {
		t.Fatalf("MessagesStream() error: %v", err)
	}

	if got := strings.Join(chunks, ""); got != "Bin B4" {
		t.Errorf("streamed = %q, want 'Bin B4'", got)
	}
	// The terminal sentinel must not surface as an empty chunk.
	for i, chunk := range chunks {
		if chunk == "" {
			t.Errorf("chunk %d is empty; sentinel leaked into the callback", i)
		}
	}
}

func TestClient_MessagesStream_IgnoresNonTextEvents(t *testing.T) {
	body := sseBody(
		`event: ping`+"\n"+`data: {"type":"ping"}`,
		`event: content_block_start`+"\n"+`data: {"type":"content_block_start"}`,
		`event: content_block_delta`+"\n"+`data: {"type":"content_block_delta","delta":{"type":"input_json_delta","partial_json":"{}"}}`,
		`event: content_block_delta`+"\n"+`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"ok"}}`,
		`event: message_stop`+"\n"+`data: {"type":"message_stop"}`,
	)
	srv := streamServer(t, body)
	defer srv.Close()

	c := NewClient(testCredential, "", WithBaseURL(srv.URL))

	var got strings.Builder
	if err := c.MessagesStream(context.Background(), "", []ChatMessage{NewUserMessage("hi")},
		func(chunk StreamChunk) { got.WriteString(chunk.Content) }); err != nil {
		t.Fatal(err)
	}
	if got.String() != "ok" {
		t.Errorf("streamed = %q, want only text deltas", got.String())
	}
}

func TestClient_MessagesStream_SkipsMalformedEvents(t *testing.T) {
	body := sseBody(
		`data: not json at all`,
		`event: content_block_delta`+"\n"+`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"fine"}}`,
		`event: message_stop`+"\n"+`data: {"type":"message_stop"}`,
	)
	srv := streamServer(t, body)
	defer srv.Close()

	c := NewClient(testCredential, "", WithBaseURL(srv.URL))

	var got strings.Builder
	if err := c.MessagesStream(context.Background(), "", []ChatMessage{NewUserMessage("hi")},
		func(chunk StreamChunk) { got.WriteString(chunk.Content) }); err != nil {
		t.Fatal(err)
	}
	if got.String() != "fine" {
		t.Errorf("streamed = %q, malformed event should be skipped", got.String())
	}
}

func TestClient_MessagesStream_DoneSentinel(t *testing.T) {
	body := sseBody(
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"x"}}`,
		`data: [DONE]`,
	)
	srv := streamServer(t, body)
	defer srv.Close()

	c := NewClient(testCredential, "", WithBaseURL(srv.URL))

	count := 0
	if err := c.MessagesStream(context.Background(), "", []ChatMessage{NewUserMessage("hi")},
		func(StreamChunk) { count++ }); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("callback fired %d times, want 1 (sentinel emits nothing)", count)
	}
}

func TestClient_MessagesStream_Cancelled(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"partial\"}}\n\n"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	c := NewClient(testCredential, "", WithBaseURL(srv.URL))
	err := c.MessagesStream(ctx, "", []ChatMessage{NewUserMessage("hi")}, func(StreamChunk) {})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestClient_MessagesStreamChan(t *testing.T) {
	body := sseBody(
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"Bay "}}`,
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"3"}}`,
		`event: message_stop`+"\n"+`data: {"type":"message_stop"}`,
	)
	srv := streamServer(t, body)
	defer srv.Close()

	c := NewClient(testCredential, "", WithBaseURL(srv.URL))

	var got strings.Builder
	for chunk := range c.MessagesStreamChan(context.Background(), "", []ChatMessage{NewUserMessage("hi")}) {
		if chunk.Error != nil {
			t.Fatalf("unexpected error chunk: %v", chunk.Error)
		}
		got.WriteString(chunk.Content)
	}
	if got.String() != "Bay 3" {
		t.Errorf("streamed = %q", got.String())
	}
}

func TestClient_MessagesStreamChan_DeliversErrorChunk(t *testing.T) {
	c := NewClient(testCredential, "", WithBaseURL("http://127.0.0.1:1"))

	var last StreamChunk
	for chunk := range c.MessagesStreamChan(context.Background(), "", nil) {
		last = chunk
	}
	if last.Error == nil {
		t.Errorf("expected terminal error chunk, got %+v", last)
	}
}

func TestClient_MessagesStreamAccumulate(t *testing.T) {
	body := sseBody(
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"12 "}}`,
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"units"}}`,
		`event: message_stop`+"\n"+`data: {"type":"message_stop"}`,
	)
	srv := streamServer(t, body)
	defer srv.Close()

	c := NewClient(testCredential, "", WithBaseURL(srv.URL))
	got, err := c.MessagesStreamAccumulate(context.Background(), "", []ChatMessage{NewUserMessage("hi")})
	if err != nil {
		t.Fatal(err)
	}
	if got != "12 units" {
		t.Errorf("accumulated = %q", got)
	}
}
