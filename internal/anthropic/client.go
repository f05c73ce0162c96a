// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package anthropic provides the client for the hosted Anthropic Messages API.
package anthropic

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Configuration constants for the Messages API.
const (
	// DefaultBaseURL is the base URL for the Anthropic API.
	DefaultBaseURL = "https://api.anthropic.com"

	// apiVersion is the required anthropic-version header value.
	apiVersion = "2023-06-01"

	// DefaultModel is used when no model is configured.
	DefaultModel = "claude-3-5-sonnet-latest"

	// DefaultMaxTokens bounds the response length when unspecified.
	DefaultMaxTokens = 4096

	// MaxResponseSize is the maximum allowed error/response body size.
	MaxResponseSize = 10 * 1024 * 1024 // 10MB

	// credentialPrefix is the format marker all API credentials carry.
	credentialPrefix = "sk-ant-"

	// credentialMinLen is the shortest plausible credential length.
	credentialMinLen = 20
)

// sharedClient is the pooled HTTP client for all Messages API requests,
// buffered and streaming alike. It carries no client timeout: a chat call
// runs for as long as the provider generates, and only the caller's context
// can end it early.
var sharedClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	},
}

// =============================================================================
// ERRORS
// =============================================================================

// Error variables for common API failures.
var (
	// ErrNotConfigured indicates no API credential is set. Callers check
	// this before any network activity so a misconfigured remote provider
	// fails immediately.
	ErrNotConfigured = errors.New("API credential not configured")

	// ErrAuthFailed indicates the credential was rejected.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrRateLimited indicates too many requests were made.
	ErrRateLimited = errors.New("rate limited")
)

// APIError represents a non-2xx response from the API. The raw body is
// preserved so the caller can surface the service's own diagnostics.
type APIError struct {
	Status int
	Code   string
	Body   string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("anthropic error [%s] (HTTP %d): %s", e.Code, e.Status, e.Body)
	}
	return fmt.Sprintf("anthropic error (HTTP %d): %s", e.Status, e.Body)
}

// RateLimitError carries the server-suggested retry delay.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %v", e.RetryAfter)
	}
	return "rate limited"
}

// Is allows RateLimitError to match ErrRateLimited.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// =============================================================================
// CREDENTIAL VALIDATION
// =============================================================================

// ValidateCredential performs an offline format check on an API credential.
// It deliberately makes no network call: the health monitor invokes this on
// every remote probe tick and a metered endpoint must not be billed for
// liveness checks.
func ValidateCredential(credential string) bool {
	credential = strings.TrimSpace(credential)
	return strings.HasPrefix(credential, credentialPrefix) &&
		len(credential) >= credentialMinLen
}

// =============================================================================
// WIRE TYPES
// =============================================================================

// ChatMessage represents a single message in a conversation. The Messages
// API accepts only "user" and "assistant" roles; system instruction travels
// in the request's top-level System field.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) ChatMessage {
	return ChatMessage{Role: "user", Content: content}
}

// NewAssistantMessage creates a new assistant message.
func NewAssistantMessage(content string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: content}
}

// messagesRequest is the body for POST /v1/messages.
type messagesRequest struct {
	Model     string        `json:"model"`
	System    string        `json:"system,omitempty"`
	Messages  []ChatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
	Stream    bool          `json:"stream,omitempty"`
}

// contentBlock is one element of a buffered response's content array.
type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// messagesResponse is the buffered (non-streaming) response body.
type messagesResponse struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// apiErrorBody is the JSON error envelope on non-2xx responses.
type apiErrorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// =============================================================================
// CLIENT
// =============================================================================

// Client communicates with the Anthropic Messages API. It is safe for
// concurrent use; the credential and model are fixed at construction, so
// callers that want fresh settings build a Client per request.
type Client struct {
	baseURL    string
	credential string
	model      string
	maxTokens  int
}

// Option customizes a Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL. Used by tests to point the client
// at a local server.
func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(url, "/")
	}
}

// WithMaxTokens overrides the response token budget.
func WithMaxTokens(n int) Option {
	return func(c *Client) {
		c.maxTokens = n
	}
}

// NewClient creates a client with the given credential and model.
func NewClient(credential, model string, opts ...Option) *Client {
	if model == "" {
		model = DefaultModel
	}
	c := &Client{
		baseURL:    DefaultBaseURL,
		credential: strings.TrimSpace(credential),
		model:      model,
		maxTokens:  DefaultMaxTokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsConfigured reports whether a credential is present.
func (c *Client) IsConfigured() bool {
	return c.credential != ""
}

// Model returns the configured model identifier.
func (c *Client) Model() string {
	return c.model
}

// setHeaders applies the authentication and version headers. The API uses
// x-api-key, not a bearer token.
func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.credential)
	req.Header.Set("anthropic-version", apiVersion)
}

// =============================================================================
// BUFFERED CHAT
// =============================================================================

// Messages sends a buffered (non-streaming) request and returns the
// concatenated text content of the reply. The call has no fixed timeout;
// callers that need a bound put a deadline on the context.
func (c *Client) Messages(ctx context.Context, system string, messages []ChatMessage) (string, error) {
	if !c.IsConfigured() {
		return "", ErrNotConfigured
	}

	body, err := json.Marshal(messagesRequest{
		Model:     c.model,
		System:    system,
		Messages:  messages,
		MaxTokens: c.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := sharedClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
		return "", c.handleErrorResponse(resp, respBody)
	}

	var result messagesResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, MaxResponseSize)).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	var text strings.Builder
	for _, block := range result.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return text.String(), nil
}

// =============================================================================
// ERROR HANDLING
// =============================================================================

// handleErrorResponse maps a non-2xx response onto the package error
// taxonomy, preserving the status code and raw body.
func (c *Client) handleErrorResponse(resp *http.Response, body []byte) error {
	var envelope apiErrorBody
	code := ""
	message := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		code = envelope.Error.Type
		message = envelope.Error.Message
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrAuthFailed, message)
	case http.StatusTooManyRequests:
		return c.handleRateLimit(resp)
	}

	return &APIError{
		Status: resp.StatusCode,
		Code:   code,
		Body:   message,
	}
}

// handleRateLimit parses Retry-After into a RateLimitError.
func (c *Client) handleRateLimit(resp *http.Response) error {
	retryAfter := resp.Header.Get("Retry-After")
	if retryAfter == "" {
		return ErrRateLimited
	}

	if seconds, err := strconv.Atoi(retryAfter); err == nil {
		return &RateLimitError{RetryAfter: time.Duration(seconds) * time.Second}
	}
	if t, err := http.ParseTime(retryAfter); err == nil {
		return &RateLimitError{RetryAfter: time.Until(t)}
	}
	return ErrRateLimited
}
