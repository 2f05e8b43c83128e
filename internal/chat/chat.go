// Package chat implements the recovery companion conversation.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"recoveryjourney/api/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	FallbackMessage = "I'm having trouble connecting at the moment. Please try again in a few seconds."
	LimitMessage    = "I've reached my conversation limit for now. Please try again in a minute."
	BlockedMessage  = "I couldn't process that request due to content safety guidelines. Please try phrasing your message differently."
)

var (
	ErrEmptyMessage  = errors.New("message is required")
	ErrEmptyResponse = errors.New("the AI returned an empty response")
	ErrBlocked       = errors.New("response blocked")
)

// Completer produces a model completion for a prompt.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

type MessageStore interface {
	InsertChatMessage(ctx context.Context, msg store.ChatMessage) error
	ListChatMessages(ctx context.Context, userID string) ([]store.ChatMessage, error)
}

type Service struct {
	completer Completer
	messages  MessageStore
	log       *zap.Logger
	now       func() time.Time
}

// NewService builds a chat service. A nil completer answers every message
// with FallbackMessage.
func NewService(completer Completer, messages MessageStore, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{completer: completer, messages: messages, log: log, now: time.Now}
}

// Reply answers text for userID and records both sides of the exchange. A
// completion failure is answered with a fallback message, never an error.
func (s *Service) Reply(ctx context.Context, userID, text string) (store.ChatMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return store.ChatMessage{}, ErrEmptyMessage
	}

	history, err := s.History(ctx, userID)
	if err != nil {
		s.log.Warn("load chat history", zap.String("uid", userID), zap.Error(err))
	}

	if _, err := s.Save(ctx, userID, text, true); err != nil {
		s.log.Warn("save user message", zap.String("uid", userID), zap.Error(err))
	}

	answer := s.complete(ctx, BuildPrompt(history, text))
	reply, err := s.Save(ctx, userID, answer, false)
	if err != nil {
		s.log.Warn("save companion message", zap.String("uid", userID), zap.Error(err))
	}
	return reply, nil
}

func (s *Service) complete(ctx context.Context, prompt string) string {
	if s.completer == nil {
		return FallbackMessage
	}
	out, err := s.completer.Complete(ctx, prompt)
	if err == nil && strings.TrimSpace(out) == "" {
		err = ErrEmptyResponse
	}
	if err != nil {
		s.log.Warn("chat completion failed", zap.Error(err))
		return FallbackFor(err)
	}
	return strings.TrimSpace(out)
}

// FallbackFor picks the message shown to the user when a completion fails.
func FallbackFor(err error) string {
	if errors.Is(err, ErrBlocked) {
		return BlockedMessage
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "quota"), strings.Contains(msg, "limit"):
		return LimitMessage
	case strings.Contains(msg, "blocked"):
		return BlockedMessage
	default:
		return FallbackMessage
	}
}

// BuildPrompt frames text with the companion's most recent answer, if the
// conversation ends with one.
func BuildPrompt(history []store.ChatMessage, text string) string {
	var b strings.Builder
	if n := len(history); n > 0 && !history[n-1].IsUser {
		fmt.Fprintf(&b, "Your last response was: %q\n\n", history[n-1].Text)
	}
	fmt.Fprintf(&b, "User message: %q\n\nYour brief response (1-3 sentences):", text)
	return b.String()
}

// Save records a message. Without a message store the message is returned
// unsaved.
func (s *Service) Save(ctx context.Context, userID, text string, isUser bool) (store.ChatMessage, error) {
	msg := store.ChatMessage{
		ID:        uuid.NewString(),
		UserID:    userID,
		Text:      text,
		IsUser:    isUser,
		Timestamp: s.now().UTC(),
	}
	if s.messages == nil {
		return msg, nil
	}
	if err := s.messages.InsertChatMessage(ctx, msg); err != nil {
		return msg, fmt.Errorf("save chat message: %w", err)
	}
	return msg, nil
}

// History returns the user's messages oldest first.
func (s *Service) History(ctx context.Context, userID string) ([]store.ChatMessage, error) {
	if s.messages == nil {
		return []store.ChatMessage{}, nil
	}
	msgs, err := s.messages.ListChatMessages(ctx, userID)
	if err != nil {
		return []store.ChatMessage{}, fmt.Errorf("list chat messages: %w", err)
	}
	if msgs == nil {
		msgs = []store.ChatMessage{}
	}
	return msgs, nil
}
