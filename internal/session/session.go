// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session manages live conversations with the assistant.
package session

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/jeranaias/stockroom-assistant/internal/model"
)

// ErrSendInFlight indicates a send is already in progress for this session.
// Different sessions may send concurrently; one session may not.
var ErrSendInFlight = errors.New("a send is already in progress for this session")

// maxMemoryItems bounds how many stored facts are injected per send.
const maxMemoryItems = 5

// DeltaFunc receives each streamed text fragment of the assistant's reply.
type DeltaFunc func(text string)

// =============================================================================
// SESSION
// =============================================================================

// Session is one live conversation. All history mutation happens through
// SendMessage, which serializes sends per session and guarantees the
// invariant that history never contains a partial assistant reply: the
// assembled message is appended on success, a synthesized diagnostic turn on
// transport failure, and nothing at all on cancellation.
type Session struct {
	ID string

	mgr *Manager

	mu      sync.Mutex
	conv    *model.Conversation
	sending bool
	cancel  context.CancelFunc
}

func newSession(mgr *Manager) *Session {
	return &Session{
		ID:   "sess_" + uuid.NewString(),
		mgr:  mgr,
		conv: model.NewConversation(),
	}
}

// Conversation returns a snapshot copy of the conversation. Mutating the
// copy does not affect the session.
func (s *Session) Conversation() *model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv.Clone()
}

// Title returns the conversation title.
func (s *Session) Title() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv.GetTitle()
}

// Sending reports whether a send is in flight.
func (s *Session) Sending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sending
}

// SendMessage appends the user's text to history, streams the assistant's
// reply through onDelta, and appends the assembled reply when the stream
// completes. It blocks until the exchange finishes one way or another.
//
// On transport failure a short diagnostic is appended as an assistant turn
// so the exchange stays visible in history. On cancellation (Abort or the
// caller's context) nothing is appended and context.Canceled is returned;
// the user message itself remains, having been appended before the network
// call.
func (s *Session) SendMessage(ctx context.Context, text string, onDelta DeltaFunc) error {
	if onDelta == nil {
		onDelta = func(string) {}
	}

	s.mu.Lock()
	if s.sending {
		s.mu.Unlock()
		return ErrSendInFlight
	}
	s.sending = true

	sendCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	// The user turn lands in history before any network activity, so an
	// abort or crash mid-stream never loses what the user typed.
	s.conv.AppendUser(text)
	history := s.conv.Clone().Messages
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.sending = false
		s.cancel = nil
		s.mu.Unlock()
		cancel()
	}()

	var reply strings.Builder
	err := s.mgr.streamer.StreamChat(sendCtx, history, s.mgr.systemPrompt(),
		func(text string) {
			reply.WriteString(text)
			onDelta(text)
		})

	s.mu.Lock()
	switch {
	case err == nil:
		s.conv.AppendAssistant(reply.String())
		s.conv.DeriveTitle()

	case errors.Is(err, context.Canceled):
		// Deliberate stop: the partial reply never reaches history.
		s.mgr.logger.Debugw("send cancelled",
			"session", s.ID,
			"partial_len", reply.Len())

	default:
		s.conv.AppendAssistant(diagnosticTurn(err))
		s.mgr.logger.Warnw("send failed",
			"session", s.ID,
			"error", err)
	}
	conv := s.conv.Clone()
	s.mu.Unlock()

	s.mgr.persist(conv)
	return err
}

// Abort cancels the in-flight send, if any. The blocked SendMessage call
// returns context.Canceled.
func (s *Session) Abort() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// diagnosticTurn renders a transport failure as a short assistant-voiced
// message so the failed exchange stays visible in the transcript.
func diagnosticTurn(err error) string {
	return "I couldn't get a response from the assistant service: " + err.Error()
}

// =============================================================================
// MEMORY INJECTION
// =============================================================================

// renderSystemPrompt appends stored user facts to the base prompt as a
// bulleted addendum: at most maxMemoryItems, highest importance first. The
// caller's slice is never reordered or mutated.
func renderSystemPrompt(base string, items []model.MemoryItem) string {
	if len(items) == 0 {
		return base
	}

	sorted := append([]model.MemoryItem(nil), items...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Importance > sorted[j].Importance
	})
	if len(sorted) > maxMemoryItems {
		sorted = sorted[:maxMemoryItems]
	}

	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\nKnown facts about the user:\n")
	for _, item := range sorted {
		b.WriteString("- ")
		b.WriteString(item.Content)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
