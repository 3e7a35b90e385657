package models

import (
	"strings"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"

	"dm-go/internal/apperr"
)

// MessageKind 定义了消息的载荷类型。
type MessageKind string

const (
	KindText      MessageKind = "text"
	KindVoice     MessageKind = "voice"
	KindSystem    MessageKind = "system"
	KindVideoCall MessageKind = "video_call"
	KindFile      MessageKind = "file"
)

// Valid reports whether k is a known kind.
func (k MessageKind) Valid() bool {
	switch k {
	case KindText, KindVoice, KindSystem, KindVideoCall, KindFile:
		return true
	}
	return false
}

// HasMedia reports whether messages of kind k carry a media reference.
func (k MessageKind) HasMedia() bool {
	return k == KindVoice || k == KindFile
}

// ReplyPreview is captured when a reply is created and never refreshed.
type ReplyPreview struct {
	MessageID uint        `json:"messageId"`
	Content   string      `json:"content"`
	Kind      MessageKind `json:"kind"`
}

// Message 代表两个参与者之间的一条私信。
// 可见性按参与者分别记录：DeletedForAll 对双方生效，Hides 只对单个用户生效。
type Message struct {
	ID         uint      `gorm:"primarykey" json:"id"`
	CreatedAt  time.Time `gorm:"not null;index:idx_messages_pair,priority:3;index:idx_messages_pair_rev,priority:3" json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	SenderID   uint      `gorm:"not null;index:idx_messages_pair,priority:1;index:idx_messages_pair_rev,priority:2;uniqueIndex:idx_messages_sender_token,priority:1" json:"senderId"`
	ReceiverID uint      `gorm:"not null;index:idx_messages_pair,priority:2;index:idx_messages_pair_rev,priority:1" json:"receiverId"`

	Kind     MessageKind `gorm:"type:varchar(20);not null;default:'text'" json:"kind"`
	Content  string      `gorm:"type:text" json:"content"`
	MediaRef string      `gorm:"type:varchar(255);index" json:"mediaRef,omitempty"`

	// CorrelationToken 是客户端草稿的关联键，同一发送者内唯一。
	CorrelationToken *string `gorm:"type:varchar(64);uniqueIndex:idx_messages_sender_token,priority:2" json:"correlationToken,omitempty"`

	ReplyToID    *uint         `gorm:"index" json:"replyToId,omitempty"`
	ReplyPreview *ReplyPreview `gorm:"type:text;serializer:json" json:"replyPreview,omitempty"`

	DeletedForAll   bool       `gorm:"not null;default:false" json:"deletedForAll"`
	DeletedForAllAt *time.Time `json:"deletedForAllAt,omitempty"`
	EditedAt        *time.Time `json:"editedAt,omitempty"`
	IsRead          bool       `gorm:"not null;default:false;index" json:"isRead"`
	ReadAt          *time.Time `json:"readAt,omitempty"`
	LastPinnedAt    *time.Time `json:"lastPinnedAt,omitempty"`

	Reactions []MessageReaction `gorm:"foreignKey:MessageID" json:"reactions"`
	Hides     []MessageHide     `gorm:"foreignKey:MessageID" json:"-"`
	Pins      []MessagePin      `gorm:"foreignKey:MessageID" json:"-"`

	// DeletedFor and PinnedBy are derived from Hides and Pins after load.
	DeletedFor []uint `gorm:"-" json:"deletedFor"`
	PinnedBy   []uint `gorm:"-" json:"pinnedBy"`

	Sender   *User `gorm:"foreignKey:SenderID" json:"sender,omitempty"`
	Receiver *User `gorm:"foreignKey:ReceiverID" json:"receiver,omitempty"`
}

// TableName 指定 Message 模型的表名。
func (Message) TableName() string {
	return "messages"
}

// MessageReaction is one reactor's active emoji on a message.
type MessageReaction struct {
	ID        uint      `gorm:"primarykey" json:"-"`
	MessageID uint      `gorm:"not null;uniqueIndex:idx_reactions_message_reactor,priority:1" json:"-"`
	ReactorID uint      `gorm:"not null;uniqueIndex:idx_reactions_message_reactor,priority:2" json:"userId"`
	Emoji     string    `gorm:"type:varchar(64);not null" json:"emoji"`
	CreatedAt time.Time `json:"createdAt"`
}

func (MessageReaction) TableName() string { return "message_reactions" }

// MessageHide records that one participant deleted a message for themselves.
type MessageHide struct {
	ID        uint `gorm:"primarykey"`
	MessageID uint `gorm:"not null;uniqueIndex:idx_hides_message_user,priority:1"`
	UserID    uint `gorm:"not null;uniqueIndex:idx_hides_message_user,priority:2;index"`
	CreatedAt time.Time
}

func (MessageHide) TableName() string { return "message_hides" }

// MessagePin records that one participant pinned a message.
type MessagePin struct {
	ID        uint `gorm:"primarykey"`
	MessageID uint `gorm:"not null;uniqueIndex:idx_pins_message_user,priority:1"`
	UserID    uint `gorm:"not null;uniqueIndex:idx_pins_message_user,priority:2"`
	CreatedAt time.Time
}

func (MessagePin) TableName() string { return "message_pins" }

// AfterFind derives the per-viewer sets from the loaded association rows.
func (m *Message) AfterFind(*gorm.DB) error {
	m.Hydrate()
	return nil
}

// Hydrate rebuilds DeletedFor and PinnedBy from Hides and Pins.
func (m *Message) Hydrate() {
	m.DeletedFor = make([]uint, 0, len(m.Hides))
	for _, h := range m.Hides {
		m.DeletedFor = append(m.DeletedFor, h.UserID)
	}
	m.PinnedBy = make([]uint, 0, len(m.Pins))
	for _, p := range m.Pins {
		m.PinnedBy = append(m.PinnedBy, p.UserID)
	}
	if m.Reactions == nil {
		m.Reactions = []MessageReaction{}
	}
}

// IsParticipant reports whether userID is the sender or the receiver.
func (m *Message) IsParticipant(userID uint) bool {
	return userID != 0 && (m.SenderID == userID || m.ReceiverID == userID)
}

// Counterpart returns the other participant from userID's point of view.
func (m *Message) Counterpart(userID uint) uint {
	if m.SenderID == userID {
		return m.ReceiverID
	}
	return m.SenderID
}

// HiddenFor reports whether userID deleted the message for themselves.
func (m *Message) HiddenFor(userID uint) bool {
	for _, id := range m.DeletedFor {
		if id == userID {
			return true
		}
	}
	return false
}

// PinnedFor reports whether userID has the message pinned.
func (m *Message) PinnedFor(userID uint) bool {
	for _, id := range m.PinnedBy {
		if id == userID {
			return true
		}
	}
	return false
}

// VisibleTo reports whether viewer can see the message.
func (m *Message) VisibleTo(viewer uint) bool {
	return !m.DeletedForAll && !m.HiddenFor(viewer)
}

// CheckEditable enforces the edit rules: sender only, text only, within window of CreatedAt.
func (m *Message) CheckEditable(editor uint, now time.Time, window time.Duration) error {
	if m.SenderID != editor {
		return apperr.ErrNotSender
	}
	if m.Kind != KindText {
		return apperr.ErrInvalidKind
	}
	if now.Sub(m.CreatedAt) > window {
		return apperr.ErrWindowExpired
	}
	return nil
}

// ReactionOp is the effect of a reactor selecting an emoji.
type ReactionOp int

const (
	ReactionAdd ReactionOp = iota
	ReactionReplace
	ReactionRemove
)

// DecideReaction applies the toggle rule to the reactor's current reaction:
// the same emoji removes it, a different one replaces it, none adds.
func DecideReaction(current *MessageReaction, emoji string) ReactionOp {
	switch {
	case current == nil:
		return ReactionAdd
	case current.Emoji == emoji:
		return ReactionRemove
	default:
		return ReactionReplace
	}
}

// NormalizeEmoji trims the reaction value and rejects empty or oversized input.
func NormalizeEmoji(emoji string) (string, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" || utf8.RuneCountInString(emoji) > 16 || strings.ContainsAny(emoji, " \t\n") {
		return "", apperr.ErrInvalidReaction
	}
	return emoji, nil
}
