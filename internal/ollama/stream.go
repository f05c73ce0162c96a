// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
)

// =============================================================================
// STREAM READER
// =============================================================================

// StreamReader decodes an NDJSON-framed chat response: one JSON object per
// newline-terminated line. It is single-use and tied to one response body.
//
// Framing is line-based, so a multi-byte UTF-8 sequence split across network
// reads is never decoded early: bufio buffers bytes until the terminating
// newline arrives and only complete lines reach the JSON decoder.
type StreamReader struct {
	reader      *bufio.Reader
	accumulator strings.Builder
	model       string
}

// NewStreamReader creates a stream reader over a response body.
func NewStreamReader(r io.Reader) *StreamReader {
	return &StreamReader{
		reader: bufio.NewReader(r),
	}
}

// Process reads the stream and calls the callback for each decoded chunk.
// Blocks until the terminal chunk (done:true), EOF, or context cancellation.
// On cancellation the callback is not invoked again and the context error is
// returned.
func (s *StreamReader) Process(ctx context.Context, callback StreamCallback) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			chunk, err := s.readChunk()
			if err != nil {
				if err == io.EOF {
					return nil
				}
				return err
			}

			if chunk != nil {
				// Re-check cancellation between buffering a line and
				// surfacing it; a cancelled stream must emit nothing more.
				if ctx.Err() != nil {
					return ctx.Err()
				}
				callback(*chunk)
				if chunk.Done {
					return nil
				}
			}
		}
	}
}

// readChunk reads and parses a single line from the stream. A nil chunk with
// nil error means the line was empty or malformed and was skipped.
func (s *StreamReader) readChunk() (*StreamChunk, error) {
	line, err := s.reader.ReadBytes('\n')
	if err != nil {
		if err == io.EOF && len(line) == 0 {
			return nil, io.EOF
		}
		// A stream may legitimately end without a trailing newline on the
		// last line; decode what was buffered before reporting EOF.
		if len(line) == 0 {
			return nil, err
		}
	}

	if len(strings.TrimSpace(string(line))) == 0 {
		return nil, nil
	}

	var response ChatResponse
	if err := json.Unmarshal(line, &response); err != nil {
		// Malformed lines are skipped, not fatal.
		return nil, nil
	}

	if response.Model != "" {
		s.model = response.Model
	}

	content := response.Message.Content
	if content != "" {
		s.accumulator.WriteString(content)
	}

	chunk := &StreamChunk{
		Content:    content,
		Done:       response.Done,
		DoneReason: response.DoneReason,
		Model:      s.model,
	}
	if response.Done {
		chunk.PromptTokens = response.PromptEvalCount
		chunk.CompletionTokens = response.EvalCount
	}

	return chunk, nil
}

// Accumulated returns all content decoded so far, in arrival order.
func (s *StreamReader) Accumulated() string {
	return s.accumulator.String()
}
