package coordination

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/squadlite/squadlite/internal/common/apperr"
	"github.com/squadlite/squadlite/internal/store"
)

// PreviewLength is the number of characters of content carried in a
// notification preview.
const PreviewLength = 50

// DefaultPreviewLimit caps checkInbox previews when the caller gives none.
const DefaultPreviewLimit = 10

// MessagePreview is the lightweight projection handed to LLM-facing tools.
// The full content is only available through ReadMessage.
type MessagePreview struct {
	MessageID string            `json:"messageId"`
	FromAgent string            `json:"fromAgent"`
	Type      store.MessageType `json:"type"`
	Priority  store.Priority    `json:"priority"`
	Preview   string            `json:"preview"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Preview truncates content to PreviewLength characters, appending "..."
// only when truncation actually happened.
func Preview(content string) string {
	runes := []rune(content)
	if len(runes) <= PreviewLength {
		return content
	}
	return string(runes[:PreviewLength]) + "..."
}

// SendMessage appends a message to the bus. Both agents must exist. An
// empty threadId starts a new thread; priority defaults to normal.
func (s *Service) SendMessage(ctx context.Context, fromAgent, toAgent, content string, msgType store.MessageType, threadID string, priority store.Priority) (*store.Message, error) {
	if fromAgent == "" || toAgent == "" {
		return nil, apperr.Validation("fromAgent and toAgent are required")
	}
	if content == "" {
		return nil, apperr.Validation("content is required")
	}
	if !store.ValidMessageType(msgType) {
		return nil, apperr.Validation(fmt.Sprintf("unknown message type %q", msgType))
	}
	if _, err := s.repo.GetAgent(ctx, fromAgent); err != nil {
		return nil, fmt.Errorf("sender: %w", err)
	}
	if _, err := s.repo.GetAgent(ctx, toAgent); err != nil {
		return nil, fmt.Errorf("recipient: %w", err)
	}

	if threadID == "" {
		threadID = uuid.New().String()
	}
	if priority == "" {
		priority = store.PriorityNormal
	}
	switch priority {
	case store.PriorityHigh, store.PriorityNormal, store.PriorityLow:
	default:
		return nil, apperr.Validation(fmt.Sprintf("unknown priority %q", priority))
	}

	msg := &store.Message{
		MessageID: uuid.New().String(),
		FromAgent: fromAgent,
		ToAgent:   toAgent,
		Content:   content,
		Type:      msgType,
		ThreadID:  threadID,
		Priority:  priority,
		ReadAt:    nil,
		CreatedAt: s.now(),
	}
	if err := s.repo.InsertMessage(ctx, msg); err != nil {
		return nil, err
	}

	s.logger.Debug("Message sent",
		zap.String("message_id", msg.MessageID),
		zap.String("from", fromAgent),
		zap.String("to", toAgent),
		zap.String("type", string(msgType)),
		zap.String("priority", string(priority)))
	return msg, nil
}

// Inbox returns an agent's unread messages, high priority first, FIFO
// within each priority.
func (s *Service) Inbox(ctx context.Context, agentID string, limit int) ([]*store.Message, error) {
	return s.repo.UnreadMessages(ctx, agentID, limit)
}

// InboxPreviews returns notification previews for an agent's unread
// messages. limit <= 0 falls back to DefaultPreviewLimit.
func (s *Service) InboxPreviews(ctx context.Context, agentID string, limit int) ([]*MessagePreview, error) {
	if limit <= 0 {
		limit = DefaultPreviewLimit
	}
	msgs, err := s.repo.UnreadMessages(ctx, agentID, limit)
	if err != nil {
		return nil, err
	}
	previews := make([]*MessagePreview, 0, len(msgs))
	for _, msg := range msgs {
		previews = append(previews, &MessagePreview{
			MessageID: msg.MessageID,
			FromAgent: msg.FromAgent,
			Type:      msg.Type,
			Priority:  msg.Priority,
			Preview:   Preview(msg.Content),
			CreatedAt: msg.CreatedAt,
		})
	}
	return previews, nil
}

// ReadMessage returns the full message and marks it read exactly once.
// Unknown ids return apperr.ErrNotFound without marking anything.
func (s *Service) ReadMessage(ctx context.Context, messageID string) (*store.Message, error) {
	return s.repo.MarkMessageRead(ctx, messageID, s.now())
}

// Thread returns every message in a thread in createdAt order.
func (s *Service) Thread(ctx context.Context, threadID string) ([]*store.Message, error) {
	return s.repo.ThreadMessages(ctx, threadID)
}

// RecentMessages returns the newest messages across all agents.
func (s *Service) RecentMessages(ctx context.Context, limit int) ([]*store.Message, error) {
	return s.repo.ListMessages(ctx, limit)
}
