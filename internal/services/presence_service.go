package services

import (
	"context"

	"dm-go/internal/apperr"
	"dm-go/internal/fanout"
	"dm-go/internal/imtypes"
	"dm-go/internal/presence"
)

// PresenceService 管理输入状态。状态只保存在内存中，过期后视为未输入。
type PresenceService interface {
	SetTyping(ctx context.Context, senderID, receiverID uint, isTyping bool) error
	// IsTyping reports whether senderID is currently typing to receiverID.
	IsTyping(ctx context.Context, senderID, receiverID uint) bool
}

type presenceService struct {
	ledger      *presence.Ledger
	broadcaster fanout.Broadcaster
}

// NewPresenceService creates a PresenceService over ledger.
func NewPresenceService(ledger *presence.Ledger, broadcaster fanout.Broadcaster) PresenceService {
	return &presenceService{ledger: ledger, broadcaster: broadcaster}
}

// SetTyping records the state and pushes it to the receiver's connections only.
func (s *presenceService) SetTyping(ctx context.Context, senderID, receiverID uint, isTyping bool) error {
	if receiverID == 0 {
		return apperr.ErrReceiverNotFound
	}
	if senderID == receiverID {
		return apperr.ErrSelfConversation
	}
	s.ledger.Set(senderID, receiverID, isTyping)
	fanout.Emit(context.WithoutCancel(ctx), s.broadcaster, imtypes.EventTyping,
		imtypes.TypingPayload{From: senderID, IsTyping: isTyping}, receiverID)
	return nil
}

func (s *presenceService) IsTyping(_ context.Context, senderID, receiverID uint) bool {
	return s.ledger.IsTyping(senderID, receiverID)
}
