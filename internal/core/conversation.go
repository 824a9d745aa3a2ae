package core

import (
	"log"

	"github.com/google/uuid"

	"lawbase.hk/legal-assistant/internal/store"
)

// ConversationService persists consultant turns and serves conversation
// reads.
type ConversationService struct {
	store store.Store
}

func NewConversationService(st store.Store) *ConversationService {
	return &ConversationService{store: st}
}

// SavedConversation is the tagged outcome of a turn save. A Placeholder
// result means durable persistence failed: the id is synthetic, the turn
// survives only in client-side state, and callers must not treat it as a
// real conversation identity.
type SavedConversation struct {
	ID          string
	Placeholder bool
	Reason      string
}

// SaveTurn persists the turn's user/assistant pair. Storage failure
// degrades to a placeholder id rather than losing the user-visible turn.
func (s *ConversationService) SaveTurn(turn *store.ConversationTurn) SavedConversation {
	id, err := s.store.SaveConversationTurn(turn)
	if err != nil {
		log.Printf("Failed to persist conversation turn for user %d: %v", turn.UserID, err)
		return SavedConversation{
			ID:          "temp-" + uuid.NewString(),
			Placeholder: true,
			Reason:      err.Error(),
		}
	}
	return SavedConversation{ID: id}
}

func (s *ConversationService) List(userID int64) ([]store.Conversation, error) {
	return s.store.ListConversations(userID)
}

// Get returns the conversation and its messages ordered by creation time,
// or (nil, nil, nil) when it does not exist or belongs to another user.
func (s *ConversationService) Get(conversationID string, userID int64) (*store.Conversation, []store.Message, error) {
	conv, err := s.store.GetConversation(conversationID, userID)
	if err != nil {
		return nil, nil, err
	}
	if conv == nil {
		return nil, nil, nil
	}
	messages, err := s.store.GetMessages(conversationID, 200, 0)
	if err != nil {
		return nil, nil, err
	}
	return conv, messages, nil
}

// TitleFromMessage derives a conversation title from its first message,
// truncated to a display length. The store applies a dated fallback when
// this comes back empty.
func TitleFromMessage(message string) string {
	runes := []rune(message)
	if len(runes) > 40 {
		return string(runes[:40]) + "…"
	}
	return message
}
