// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// =============================================================================
// STREAMING TYPES
// =============================================================================

// StreamChunk represents a single text delta from the streaming response.
type StreamChunk struct {
	// Content carries the text delta.
	Content string

	// Error field for channel-based streaming.
	Error error `json:"-"`
}

// StreamCallback is the function type called for each received chunk.
type StreamCallback func(chunk StreamChunk)

// StreamError represents an error that occurred mid-stream, preserving any
// partial content received before the failure.
type StreamError struct {
	Partial string // Content received before error
	Err     error
}

func (e *StreamError) Error() string {
	if e.Partial != "" {
		return fmt.Sprintf("stream error (partial content received: %d chars): %v", len(e.Partial), e.Err)
	}
	return fmt.Sprintf("stream error: %v", e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// sseEvent mirrors the JSON payload of a Messages API stream event. Only the
// fields the assistant consumes are declared; all other event types fall
// through the type switch untouched.
type sseEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
}

// =============================================================================
// SSE READER
// =============================================================================

// SSEReader parses Server-Sent Events from a stream. It is single-use and
// tied to one response body.
//
// Like the NDJSON decoder, framing is line-based: a multi-byte UTF-8
// sequence split across network reads is buffered until its line completes
// and is never decoded early.
type SSEReader struct {
	reader *bufio.Reader
}

// NewSSEReader creates a new SSE reader from an io.Reader.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{
		reader: bufio.NewReader(r),
	}
}

// ReadEvent reads the next SSE event from the stream and returns the event
// type and joined data payload. Returns io.EOF when the stream ends.
func (s *SSEReader) ReadEvent() (string, []byte, error) {
	var eventType string
	var dataLines [][]byte

	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				// Surface a final unterminated event before EOF.
				if len(dataLines) > 0 {
					return eventType, bytes.Join(dataLines, []byte("\n")), nil
				}
				return "", nil, io.EOF
			}
			return "", nil, err
		}

		line = bytes.TrimRight(line, "\r\n")

		// Blank line terminates the event.
		if len(line) == 0 {
			if len(dataLines) > 0 {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			continue
		}

		if bytes.HasPrefix(line, []byte("event:")) {
			eventType = string(bytes.TrimSpace(line[6:]))
		} else if bytes.HasPrefix(line, []byte("data:")) {
			dataLines = append(dataLines, bytes.TrimSpace(line[5:]))
		}
		// Ignore id:, retry:, and comment lines.
	}
}

// =============================================================================
// STREAMING CHAT
// =============================================================================

// MessagesStream sends a streaming request and calls the callback once per
// text delta, synchronously and in arrival order. The terminal sentinel
// (message_stop or [DONE]) ends the stream without producing a chunk; only
// events carrying text reach the callback. Cancellation is reported as the
// context's error.
func (c *Client) MessagesStream(ctx context.Context, system string, messages []ChatMessage, callback StreamCallback) error {
	if !c.IsConfigured() {
		return ErrNotConfigured
	}

	body, err := json.Marshal(messagesRequest{
		Model:     c.model,
		System:    system,
		Messages:  messages,
		MaxTokens: c.maxTokens,
		Stream:    true,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := sharedClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return ctx.Err()
		}
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
		return c.handleErrorResponse(resp, respBody)
	}

	if err := c.processStream(ctx, resp.Body, callback); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// processStream reads and decodes the SSE stream.
func (c *Client) processStream(ctx context.Context, body io.Reader, callback StreamCallback) error {
	reader := NewSSEReader(body)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		eventType, data, err := reader.ReadEvent()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		// Literal terminal sentinel, kept for compatibility with
		// OpenAI-style relays.
		if bytes.Equal(data, []byte("[DONE]")) {
			return nil
		}

		var event sseEvent
		if err := json.Unmarshal(data, &event); err != nil {
			// Malformed events are skipped, not fatal.
			continue
		}
		if event.Type == "" {
			event.Type = eventType
		}

		// Re-check cancellation before surfacing buffered data.
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch event.Type {
		case "content_block_delta":
			if event.Delta.Type == "text_delta" && event.Delta.Text != "" {
				callback(StreamChunk{Content: event.Delta.Text})
			}

		case "message_stop":
			// Terminal sentinel: end the stream without emitting a chunk.
			return nil

		case "error":
			return &APIError{Status: http.StatusOK, Body: string(data)}

			// ping, message_start, content_block_start, content_block_stop
			// carry no text and are ignored.
		}
	}
}

// =============================================================================
// ACCUMULATED STREAMING
// =============================================================================

// MessagesStreamAccumulate streams a reply but returns the full text at the
// end. On mid-stream failure the partial content travels in a StreamError.
func (c *Client) MessagesStreamAccumulate(ctx context.Context, system string, messages []ChatMessage) (string, error) {
	var accumulated strings.Builder

	err := c.MessagesStream(ctx, system, messages, func(chunk StreamChunk) {
		accumulated.WriteString(chunk.Content)
	})
	if err != nil {
		if accumulated.Len() > 0 && !errors.Is(err, context.Canceled) {
			return accumulated.String(), &StreamError{Partial: accumulated.String(), Err: err}
		}
		return accumulated.String(), err
	}
	return accumulated.String(), nil
}

// =============================================================================
// CHANNEL-BASED STREAMING
// =============================================================================

// MessagesStreamChan streams a reply over a channel of chunks. The channel
// is closed when streaming completes; errors arrive as chunks with the
// Error field set.
func (c *Client) MessagesStreamChan(ctx context.Context, system string, messages []ChatMessage) <-chan StreamChunk {
	ch := make(chan StreamChunk, 64)

	go func() {
		defer close(ch)

		err := c.MessagesStream(ctx, system, messages, func(chunk StreamChunk) {
			select {
			case ch <- chunk:
			case <-ctx.Done():
			}
		})

		if err != nil {
			select {
			case ch <- StreamChunk{Error: err}:
			case <-ctx.Done():
			}
		}
	}()

	return ch
}
