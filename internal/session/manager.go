// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/jeranaias/stockroom-assistant/internal/gateway"
	"github.com/jeranaias/stockroom-assistant/internal/model"
)

// Streamer is the chat transport the session layer drives. The gateway
// satisfies it; tests substitute fakes.
type Streamer interface {
	StreamChat(ctx context.Context, messages []model.Message, systemPrompt string, onDelta gateway.DeltaFunc) error
}

// Saver persists a completed conversation snapshot. Persistence failures
// are logged, not surfaced: losing a save must not break a live exchange.
type Saver interface {
	Save(conv *model.Conversation) error
}

// MemoryProvider supplies stored user facts for system prompt injection.
type MemoryProvider interface {
	Items() []model.MemoryItem
}

// =============================================================================
// MANAGER
// =============================================================================

// Manager creates sessions and owns their shared collaborators: the chat
// transport, the base system prompt, the optional memory source, and the
// optional conversation store.
type Manager struct {
	streamer Streamer
	saver    Saver
	memory   MemoryProvider
	base     string
	logger   *zap.SugaredLogger

	mu       sync.Mutex
	sessions map[string]*Session
}

// Option customizes a Manager.
type Option func(*Manager)

// WithSystemPrompt sets the base system prompt prepended to every send.
func WithSystemPrompt(prompt string) Option {
	return func(m *Manager) { m.base = prompt }
}

// WithSaver enables write-through persistence of conversations.
func WithSaver(saver Saver) Option {
	return func(m *Manager) { m.saver = saver }
}

// WithMemory sets the source of stored user facts.
func WithMemory(memory MemoryProvider) Option {
	return func(m *Manager) { m.memory = memory }
}

// WithLogger sets the manager's logger, shared with its sessions.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a session manager over the given transport.
func NewManager(streamer Streamer, opts ...Option) *Manager {
	m := &Manager{
		streamer: streamer,
		logger:   zap.NewNop().Sugar(),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewSession creates and registers a new session.
func (m *Manager) NewSession() *Session {
	s := newSession(m)
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s
}

// Session returns a registered session by ID.
func (m *Manager) Session(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// CloseSession aborts any in-flight send and forgets the session.
func (m *Manager) CloseSession(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		s.Abort()
	}
}

// systemPrompt renders the base prompt with the memory addendum.
func (m *Manager) systemPrompt() string {
	if m.memory == nil {
		return m.base
	}
	return renderSystemPrompt(m.base, m.memory.Items())
}

// persist writes a conversation snapshot through the saver, if configured.
func (m *Manager) persist(conv *model.Conversation) {
	if m.saver == nil {
		return
	}
	if err := m.saver.Save(conv); err != nil {
		m.logger.Warnw("failed to persist conversation",
			"conversation", conv.ID,
			"error", err)
	}
}
