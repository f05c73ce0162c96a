// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testClient(url string) *Client {
	return NewClientWithConfig(&ClientConfig{
		BaseURL: url,
		Timeout: 5 * time.Second,
	})
}

// =============================================================================
// STREAM READER TESTS
// =============================================================================

func TestStreamReader_BasicStream(t *testing.T) {
	input := `{"model":"llama3.1:8b","message":{"role":"assistant","content":"Hel"},"done":false}
{"model":"llama3.1:8b","message":{"role":"assistant","content":"lo"},"done":false}
{"model":"llama3.1:8b","message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","eval_count":2}
`
	reader := NewStreamReader(strings.NewReader(input))

	var chunks []StreamChunk
	err := reader.Process(context.Background(), func(c StreamChunk) {
		chunks = append(chunks, c)
	})
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}

	if got := reader.Accumulated(); got != "Hello" {
		t.Errorf("Accumulated() = %q, want 'Hello'", got)
	}
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	last := chunks[len(chunks)-1]
	if !last.Done {
		t.Error("final chunk should have Done set")
	}
	if last.CompletionTokens != 2 {
		t.Errorf("CompletionTokens = %d, want 2", last.CompletionTokens)
	}
}

// splitReader yields the input in fixed-size fragments to simulate network
// reads that land mid-line and mid-rune.
type splitReader struct {
	data []byte
	pos  int
	size int
}

func (r *splitReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	end := r.pos + r.size
	if end > len(r.data) {
		end = len(r.data)
	}
	n := copy(p, r.data[r.pos:end])
	r.pos += n
	return n, nil
}

func TestStreamReader_LineSplitAcrossReads(t *testing.T) {
	// A single JSON line delivered in 3-byte fragments: content must only be
	// surfaced once the full line is buffered.
	input := `{"message":{"content":"He"},"done":false}
{"message":{"content":"llo"},"done":true}
`
	reader := NewStreamReader(&splitReader{data: []byte(input), size: 3})

	var got strings.Builder
	err := reader.Process(context.Background(), func(c StreamChunk) {
		got.WriteString(c.Content)
	})
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if got.String() != "Hello" {
		t.Errorf("accumulated = %q, want 'Hello'", got.String())
	}
}

func TestStreamReader_MultibyteRuneSplitAcrossReads(t *testing.T) {
	// Each CJK rune is 3 bytes in UTF-8; a 2-byte fragment size guarantees
	// every rune is split across reads.
	input := `{"message":{"content":"倉庫"},"done":false}
{"message":{"content":"在庫"},"done":true}
`
	reader := NewStreamReader(&splitReader{data: []byte(input), size: 2})

	var got strings.Builder
	if err := reader.Process(context.Background(), func(c StreamChunk) {
		got.WriteString(c.Content)
	}); err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if got.String() != "倉庫在庫" {
		t.Errorf("accumulated = %q, want intact runes", got.String())
	}
}

func TestStreamReader_SkipsMalformedLines(t *testing.T) {
	input := `{"message":{"content":"a"},"done":false}
this is not json
{"message":{"content":"b"},"done":true}
`
	reader := NewStreamReader(strings.NewReader(input))

	if err := reader.Process(context.Background(), func(StreamChunk) {}); err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if got := reader.Accumulated(); got != "ab" {
		t.Errorf("Accumulated() = %q, want 'ab' with malformed line skipped", got)
	}
}

func TestStreamReader_StopsAtDone(t *testing.T) {
	// Content after the terminal object must not be decoded.
	input := `{"message":{"content":"real"},"done":true}
{"message":{"content":"ghost"},"done":false}
`
	reader := NewStreamReader(strings.NewReader(input))

	if err := reader.Process(context.Background(), func(StreamChunk) {}); err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if got := reader.Accumulated(); got != "real" {
		t.Errorf("Accumulated() = %q, want decoding to stop at done:true", got)
	}
}

func TestStreamReader_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reader := NewStreamReader(strings.NewReader(`{"message":{"content":"x"},"done":true}` + "\n"))

	called := false
	err := reader.Process(ctx, func(StreamChunk) { called = true })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if called {
		t.Error("callback must not fire after cancellation")
	}
}

// =============================================================================
// CLIENT TESTS
// =============================================================================

func TestClient_ListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("path = %q, want /api/tags", r.URL.Path)
		}
		w.Write([]byte(`{"models":[{"name":"llama3.1:8b"},{"name":"qwen2.5:7b"}]}`))
	}))
	defer srv.Close()

	models, err := testClient(srv.URL).ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels() error: %v", err)
	}
	if len(models) != 2 || models[0].Name != "llama3.1:8b" {
		t.Errorf("models = %+v", models)
	}
}

func TestClient_ListModels_ServerDown(t *testing.T) {
	c := testClient("http://127.0.0.1:1") // nothing listens here

	_, err := c.ListModels(context.Background())
	if !errors.Is(err, ErrNotRunning) {
		t.Errorf("err = %v, want ErrNotRunning", err)
	}
}

func TestClient_Chat_NonStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"model":"llama3.1:8b","message":{"role":"assistant","content":"42 pallets"},"done":true}`))
	}))
	defer srv.Close()

	resp, err := testClient(srv.URL).Chat(context.Background(), "llama3.1:8b",
		[]Message{NewUserMessage("pallet count?")})
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if resp.Message.Content != "42 pallets" {
		t.Errorf("Content = %q", resp.Message.Content)
	}
}

func TestClient_Chat_ModelNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Chat(context.Background(), "nope", nil)
	if !errors.Is(err, ErrModelNotFound) {
		t.Errorf("err = %v, want ErrModelNotFound", err)
	}
}

func TestClient_Chat_SlowReplyNotCutOff(t *testing.T) {
	// The configured timeout bounds probe requests only. A buffered chat
	// call must ride out a generation far slower than that timeout and
	// still return the reply.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(150 * time.Millisecond)
		w.Write([]byte(`{"message":{"content":"slow but valid"},"done":true}`))
	}))
	defer srv.Close()

	c := NewClientWithConfig(&ClientConfig{
		BaseURL: srv.URL,
		Timeout: 30 * time.Millisecond,
	})

	resp, err := c.Chat(context.Background(), "llama3.1:8b",
		[]Message{NewUserMessage("deep question")})
	if err != nil {
		t.Fatalf("Chat() failed on a valid slow response: %v", err)
	}
	if resp.Message.Content != "slow but valid" {
		t.Errorf("Content = %q", resp.Message.Content)
	}

	// The same client's probe path keeps the configured timeout.
	if _, err := c.ListModels(context.Background()); !errors.Is(err, ErrTimeout) {
		t.Errorf("ListModels err = %v, want ErrTimeout under the configured bound", err)
	}
}

func TestClient_Chat_ContextDeadlineStillApplies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(`{"message":{"content":"late"},"done":true}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := testClient(srv.URL).Chat(ctx, "llama3.1:8b", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want the caller's deadline to surface", err)
	}
}

func TestClient_ChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"message":{"content":"He"},"done":false}` + "\n"))
		w.Write([]byte(`{"message":{"content":"llo"},"done":true}` + "\n"))
	}))
	defer srv.Close()

	var got strings.Builder
	err := testClient(srv.URL).ChatStream(context.Background(), "llama3.1:8b",
		[]Message{NewUserMessage("hi")},
		func(c StreamChunk) { got.WriteString(c.Content) })
	if err != nil {
		t.Fatalf("ChatStream() error: %v", err)
	}
	if got.String() != "Hello" {
		t.Errorf("streamed = %q, want 'Hello'", got.String())
	}
}

func TestClient_ChatStream_Cancelled(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"message":{"content":"partial"},"done":false}` + "\n"))
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

	err := testClient(srv.URL).ChatStream(ctx, "llama3.1:8b",
		[]Message{NewUserMessage("hi")}, func(StreamChunk) {})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled distinguishable from transport failure", err)
	}
}

func TestClient_ChatStreamChan_DeliversErrorChunk(t *testing.T) {
	c := testClient("http://127.0.0.1:1")

	var last StreamChunk
	for chunk := range c.ChatStreamChan(context.Background(), "m", nil) {
		last = chunk
	}
	if last.Error == nil || !last.Done {
		t.Errorf("expected terminal error chunk, got %+v", last)
	}
}

func TestChatResponse_TokensPerSecond(t *testing.T) {
	r := &ChatResponse{EvalCount: 50, EvalDuration: int64(2 * time.Second)}
	if got := r.TokensPerSecond(); got != 25 {
		t.Errorf("TokensPerSecond() = %v, want 25", got)
	}

	empty := &ChatResponse{EvalCount: 50}
	if got := empty.TokensPerSecond(); got != 0 {
		t.Errorf("TokensPerSecond() with no duration = %v, want 0", got)
	}
}

func TestClientError_Unwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := &ClientError{Type: ErrTypeConnection, Message: "probe failed", Cause: cause}

	if !errors.Is(err, cause) {
		t.Error("ClientError should unwrap to its cause")
	}
	var ce *ClientError
	if !errors.As(err, &ce) || ce.Type != ErrTypeConnection {
		t.Error("errors.As should recover the typed error")
	}
}
