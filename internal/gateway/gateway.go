// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package gateway routes chat traffic to the configured provider.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/jeranaias/stockroom-assistant/internal/anthropic"
	"github.com/jeranaias/stockroom-assistant/internal/model"
	"github.com/jeranaias/stockroom-assistant/internal/ollama"
	"github.com/jeranaias/stockroom-assistant/internal/settings"
)

// ErrUnknownProvider indicates the persisted provider value is not one the
// gateway can route to.
var ErrUnknownProvider = errors.New("unknown chat provider")

// DeltaFunc receives each text fragment of a streaming reply, in order.
type DeltaFunc func(text string)

// =============================================================================
// GATEWAY
// =============================================================================

// Gateway is the single entry point for chat traffic. It reads settings
// fresh on every call through the injected loader, so a provider switch
// applies to the next send with no restart, and dispatches to the local
// NDJSON client or the remote SSE client.
//
// The gateway performs no retries on chat sends: a conversational request
// replayed automatically could double-apply on the provider side, and the
// user is present to retry.
type Gateway struct {
	loader     settings.Loader
	logger     *zap.SugaredLogger
	remoteOpts []anthropic.Option
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithLogger sets the gateway's logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// WithRemoteOptions forwards options to the remote client. Used by tests to
// redirect the remote base URL.
func WithRemoteOptions(opts ...anthropic.Option) Option {
	return func(g *Gateway) { g.remoteOpts = opts }
}

// New creates a gateway over the given settings source.
func New(loader settings.Loader, opts ...Option) *Gateway {
	g := &Gateway{
		loader: loader,
		logger: zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// =============================================================================
// CHAT OPERATIONS
// =============================================================================

// StreamChat sends the conversation to the active provider and invokes
// onDelta for each text fragment, synchronously and in arrival order.
//
// Cancellation surfaces as the context's error: errors.Is against
// context.Canceled tells a deliberate stop apart from a transport failure,
// and no fragment is delivered after cancellation.
func (g *Gateway) StreamChat(ctx context.Context, messages []model.Message, systemPrompt string, onDelta DeltaFunc) error {
	s := g.loader.Load()

	switch s.Provider {
	case settings.ProviderLocal:
		g.logger.Debugw("streaming via local provider", "model", s.LocalModel)
		client := g.localClient(s)
		return client.ChatStream(ctx, s.LocalModel, toLocalMessages(messages, systemPrompt),
			func(chunk ollama.StreamChunk) {
				if chunk.Content != "" {
					onDelta(chunk.Content)
				}
			})

	case settings.ProviderRemote:
		client := g.remoteClient(s)
		if !client.IsConfigured() {
			// Fail before any network I/O.
			return anthropic.ErrNotConfigured
		}
		g.logger.Debugw("streaming via remote provider", "model", s.RemoteModel)
		msgs, system := toRemoteMessages(messages, systemPrompt)
		return client.MessagesStream(ctx, system, msgs,
			func(chunk anthropic.StreamChunk) {
				if chunk.Content != "" {
					onDelta(chunk.Content)
				}
			})

	default:
		return fmt.Errorf("%w: %q", ErrUnknownProvider, s.Provider)
	}
}

// Chat sends the conversation and returns the complete reply text.
func (g *Gateway) Chat(ctx context.Context, messages []model.Message, systemPrompt string) (string, error) {
	s := g.loader.Load()

	switch s.Provider {
	case settings.ProviderLocal:
		client := g.localClient(s)
		resp, err := client.Chat(ctx, s.LocalModel, toLocalMessages(messages, systemPrompt))
		if err != nil {
			return "", err
		}
		g.logger.Debugw("local reply complete",
			"model", resp.Model,
			"completion_tokens", resp.EvalCount,
			"tokens_per_sec", resp.TokensPerSecond())
		return resp.Message.Content, nil

	case settings.ProviderRemote:
		client := g.remoteClient(s)
		if !client.IsConfigured() {
			return "", anthropic.ErrNotConfigured
		}
		msgs, system := toRemoteMessages(messages, systemPrompt)
		return client.Messages(ctx, system, msgs)

	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, s.Provider)
	}
}

// Provider reports which provider the next call would use.
func (g *Gateway) Provider() settings.Provider {
	return g.loader.Load().Provider
}

// =============================================================================
// CLIENT CONSTRUCTION
// =============================================================================

func (g *Gateway) localClient(s *settings.Settings) *ollama.Client {
	return ollama.NewClientWithConfig(&ollama.ClientConfig{
		BaseURL:      s.LocalEndpoint,
		DefaultModel: s.LocalModel,
	})
}

func (g *Gateway) remoteClient(s *settings.Settings) *anthropic.Client {
	return anthropic.NewClient(s.RemoteCredential, s.RemoteModel, g.remoteOpts...)
}

// =============================================================================
// MESSAGE CONVERSION
// =============================================================================

// toLocalMessages converts history for the local wire format. The system
// instruction travels as a leading system-role message; the local API has
// no out-of-band system field.
func toLocalMessages(messages []model.Message, systemPrompt string) []ollama.Message {
	out := make([]ollama.Message, 0, len(messages)+1)
	if strings.TrimSpace(systemPrompt) != "" {
		out = append(out, ollama.NewSystemMessage(systemPrompt))
	}
	for _, m := range messages {
		out = append(out, ollama.Message{Role: m.Role.String(), Content: m.Content})
	}
	return out
}

// toRemoteMessages converts history for the remote wire format. The system
// instruction travels only in the request's dedicated field; system-role
// messages are stripped from the list because the Messages API rejects
// them. The instruction is never sent both ways.
func toRemoteMessages(messages []model.Message, systemPrompt string) ([]anthropic.ChatMessage, string) {
	out := make([]anthropic.ChatMessage, 0, len(messages))
	for _, m := range messages {
		if m.Role == model.RoleSystem {
			continue
		}
		out = append(out, anthropic.ChatMessage{Role: m.Role.String(), Content: m.Content})
	}
	return out, systemPrompt
}
