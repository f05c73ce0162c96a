// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
package model

import (
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/stockroom-assistant/internal/util"
)

// TitleWidth is the display-width budget for auto-generated titles.
const TitleWidth = 50

// =============================================================================
// CONVERSATION TYPE
// =============================================================================

// Conversation holds an ordered chat history with metadata.
// Message ordering is append-only and significant: the list is replayed
// verbatim to the provider on every call.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Messages []Message `json:"messages"`
}

// NewConversation creates a new conversation with a generated ID and an
// empty history.
func NewConversation() *Conversation {
	now := time.Now()
	return &Conversation{
		ID:        "conv_" + uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  make([]Message, 0),
	}
}

// =============================================================================
// MESSAGE MANAGEMENT
// =============================================================================

// Append adds a message to the conversation and bumps UpdatedAt.
func (c *Conversation) Append(msg Message) {
	c.Messages = append(c.Messages, msg)
	c.UpdatedAt = time.Now()
}

// AppendUser creates and appends a user message.
func (c *Conversation) AppendUser(content string) Message {
	msg := NewUserMessage(content)
	c.Append(msg)
	return msg
}

// AppendAssistant creates and appends an assistant message.
func (c *Conversation) AppendAssistant(content string) Message {
	msg := NewAssistantMessage(content)
	c.Append(msg)
	return msg
}

// LastMessage returns the most recent message, or a zero Message if empty.
func (c *Conversation) LastMessage() (Message, bool) {
	if len(c.Messages) == 0 {
		return Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

// FirstUserMessage returns the earliest user message, if any.
func (c *Conversation) FirstUserMessage() (Message, bool) {
	for _, msg := range c.Messages {
		if msg.Role == RoleUser {
			return msg, true
		}
	}
	return Message{}, false
}

// MessageCount returns the number of messages.
func (c *Conversation) MessageCount() int {
	return len(c.Messages)
}

// IsEmpty returns true if there are no messages.
func (c *Conversation) IsEmpty() bool {
	return len(c.Messages) == 0
}

// CountRole returns the number of messages with the given role.
func (c *Conversation) CountRole(role Role) int {
	n := 0
	for _, msg := range c.Messages {
		if msg.Role == role {
			n++
		}
	}
	return n
}

// =============================================================================
// TITLE MANAGEMENT
// =============================================================================

// DeriveTitle sets the title from the first user message if no title exists.
// Returns true if a title was set. The title is truncated to TitleWidth
// display cells with an ellipsis marker when the message is longer.
func (c *Conversation) DeriveTitle() bool {
	if c.Title != "" {
		return false
	}
	first, ok := c.FirstUserMessage()
	if !ok {
		return false
	}
	c.Title = util.TruncateWidth(first.Content, TitleWidth)
	c.UpdatedAt = time.Now()
	return true
}

// GetTitle returns the conversation title or a default.
func (c *Conversation) GetTitle() string {
	if c.Title != "" {
		return c.Title
	}
	return "New Conversation"
}

// Clone creates a deep copy of the conversation.
func (c *Conversation) Clone() *Conversation {
	clone := &Conversation{
		ID:        c.ID,
		Title:     c.Title,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
		Messages:  make([]Message, len(c.Messages)),
	}
	copy(clone.Messages, c.Messages)
	return clone
}
