package storage

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"dm-go/internal/apperr"
	"dm-go/internal/models"
)

// MessageRepository 定义了消息数据操作的接口。
// 会修改同一条消息的操作（反应、置顶）在事务中先锁定消息行再执行。
type MessageRepository interface {
	Create(ctx context.Context, message *models.Message) error
	GetByID(ctx context.Context, id uint) (*models.Message, error)
	// FindByCorrelationToken returns (nil, nil) when the sender never used token.
	FindByCorrelationToken(ctx context.Context, senderID uint, token string) (*models.Message, error)
	UpdateContent(ctx context.Context, id uint, content string, editedAt time.Time) error
	ToggleReaction(ctx context.Context, id, reactorID uint, emoji string, at time.Time) (models.ReactionOp, error)
	ListReactions(ctx context.Context, id uint) ([]models.MessageReaction, error)
	// SetPin pins or unpins for userID; a nil desired state toggles. It returns the resulting state.
	SetPin(ctx context.Context, id, userID uint, desired *bool, at time.Time) (bool, error)
	// MarkRead reports whether this call performed the unread -> read transition.
	MarkRead(ctx context.Context, id uint, at time.Time) (bool, error)
	MarkAllRead(ctx context.Context, senderID, receiverID uint, at time.Time) (int64, error)
	HideFor(ctx context.Context, id, userID uint, at time.Time) error
	// SoftDeleteForAll reports whether this call performed the first transition.
	SoftDeleteForAll(ctx context.Context, id uint, at time.Time) (bool, error)
	ListConversation(ctx context.Context, userA, userB uint) ([]*models.Message, error)
	ListForUser(ctx context.Context, userID uint) ([]*models.Message, error)
	PurgeDeletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	ListMediaRefs(ctx context.Context) ([]string, error)
}

// gormMessageRepository 使用 GORM 实现 MessageRepository。
type gormMessageRepository struct {
	db *gorm.DB
}

// NewGormMessageRepository 创建一个新的基于 GORM 的 MessageRepository。
func NewGormMessageRepository(db *gorm.DB) MessageRepository {
	return &gormMessageRepository{db: db}
}

// withDetails preloads everything a returned record carries.
func withDetails(db *gorm.DB) *gorm.DB {
	return db.
		Preload("Sender").
		Preload("Receiver").
		Preload("Reactions", func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC, id ASC") }).
		Preload("Hides").
		Preload("Pins", func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC, id ASC") })
}

// Create 在数据库中创建一条新的消息记录。
func (r *gormMessageRepository) Create(ctx context.Context, message *models.Message) error {
	return r.db.WithContext(ctx).Omit(clause.Associations).Create(message).Error
}

// GetByID 通过ID检索消息及其反应、隐藏、置顶和双方的展示信息。
func (r *gormMessageRepository) GetByID(ctx context.Context, id uint) (*models.Message, error) {
	var message models.Message
	if err := r.db.WithContext(ctx).Scopes(withDetails).First(&message, id).Error; err != nil {
		return nil, notFound(err, apperr.ErrMessageNotFound)
	}
	return &message, nil
}

func (r *gormMessageRepository) FindByCorrelationToken(ctx context.Context, senderID uint, token string) (*models.Message, error) {
	var message models.Message
	err := r.db.WithContext(ctx).Scopes(withDetails).
		Where("sender_id = ? AND correlation_token = ?", senderID, token).
		Take(&message).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &message, nil
}

func (r *gormMessageRepository) UpdateContent(ctx context.Context, id uint, content string, editedAt time.Time) error {
	return r.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ?", id).
		Updates(map[string]any{"content": content, "edited_at": editedAt}).Error
}

// lockMessage loads the message row inside tx, locking it where supported.
func lockMessage(tx *gorm.DB, id uint) (*models.Message, error) {
	var m models.Message
	if err := forUpdate(tx).Select("id", "sender_id", "receiver_id").First(&m, id).Error; err != nil {
		return nil, notFound(err, apperr.ErrMessageNotFound)
	}
	return &m, nil
}

func (r *gormMessageRepository) ToggleReaction(ctx context.Context, id, reactorID uint, emoji string, at time.Time) (models.ReactionOp, error) {
	var op models.ReactionOp
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lockMessage(tx, id); err != nil {
			return err
		}

		var current models.MessageReaction
		var cur *models.MessageReaction
		err := tx.Where("message_id = ? AND reactor_id = ?", id, reactorID).Take(&current).Error
		switch {
		case err == nil:
			cur = &current
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		op = models.DecideReaction(cur, emoji)
		switch op {
		case models.ReactionAdd:
			err = tx.Create(&models.MessageReaction{MessageID: id, ReactorID: reactorID, Emoji: emoji, CreatedAt: at}).Error
		case models.ReactionReplace:
			err = tx.Model(&current).Updates(map[string]any{"emoji": emoji, "created_at": at}).Error
		case models.ReactionRemove:
			err = tx.Delete(&current).Error
		}
		if err != nil {
			return err
		}
		return tx.Model(&models.Message{}).Where("id = ?", id).Update("updated_at", at).Error
	})
	return op, err
}

func (r *gormMessageRepository) ListReactions(ctx context.Context, id uint) ([]models.MessageReaction, error) {
	reactions := []models.MessageReaction{}
	err := r.db.WithContext(ctx).
		Where("message_id = ?", id).
		Order("created_at ASC, id ASC").
		Find(&reactions).Error
	return reactions, err
}

func (r *gormMessageRepository) SetPin(ctx context.Context, id, userID uint, desired *bool, at time.Time) (bool, error) {
	var pinned bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lockMessage(tx, id); err != nil {
			return err
		}

		var existing models.MessagePin
		err := tx.Where("message_id = ? AND user_id = ?", id, userID).Take(&existing).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		has := err == nil

		pinned = !has
		if desired != nil {
			pinned = *desired
		}

		switch {
		case pinned && !has:
			if err := tx.Create(&models.MessagePin{MessageID: id, UserID: userID, CreatedAt: at}).Error; err != nil {
				return err
			}
			return tx.Model(&models.Message{}).Where("id = ?", id).Update("last_pinned_at", at).Error
		case !pinned && has:
			if err := tx.Delete(&existing).Error; err != nil {
				return err
			}
			var remaining int64
			if err := tx.Model(&models.MessagePin{}).Where("message_id = ?", id).Count(&remaining).Error; err != nil {
				return err
			}
			if remaining == 0 {
				return tx.Model(&models.Message{}).Where("id = ?", id).Update("last_pinned_at", nil).Error
			}
		}
		return nil
	})
	return pinned, err
}

func (r *gormMessageRepository) MarkRead(ctx context.Context, id uint, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ? AND is_read = ?", id, false).
		Updates(map[string]any{"is_read": true, "read_at": at})
	return res.RowsAffected == 1, res.Error
}

// MarkAllRead marks every unread message from senderID to receiverID.
func (r *gormMessageRepository) MarkAllRead(ctx context.Context, senderID, receiverID uint, at time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("sender_id = ? AND receiver_id = ? AND is_read = ? AND deleted_for_all = ?", senderID, receiverID, false, false).
		Updates(map[string]any{"is_read": true, "read_at": at})
	return res.RowsAffected, res.Error
}

func (r *gormMessageRepository) HideFor(ctx context.Context, id, userID uint, at time.Time) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.MessageHide{MessageID: id, UserID: userID, CreatedAt: at}).Error
}

func (r *gormMessageRepository) SoftDeleteForAll(ctx context.Context, id uint, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ? AND deleted_for_all = ?", id, false).
		Updates(map[string]any{"deleted_for_all": true, "deleted_for_all_at": at})
	return res.RowsAffected == 1, res.Error
}

// ListConversation returns every message between the two users, oldest first.
// Visibility filtering is left to the caller.
func (r *gormMessageRepository) ListConversation(ctx context.Context, userA, userB uint) ([]*models.Message, error) {
	var messages []*models.Message
	err := r.db.WithContext(ctx).Scopes(withDetails).
		Where("(sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)", userA, userB, userB, userA).
		Order("created_at ASC, id ASC").
		Find(&messages).Error
	return messages, err
}

// ListForUser returns every message the user sent or received, newest first.
func (r *gormMessageRepository) ListForUser(ctx context.Context, userID uint) ([]*models.Message, error) {
	var messages []*models.Message
	err := r.db.WithContext(ctx).
		Preload("Hides").
		Where("sender_id = ? OR receiver_id = ?", userID, userID).
		Order("created_at DESC, id DESC").
		Find(&messages).Error
	return messages, err
}

// PurgeDeletedBefore physically removes messages deleted for everyone before cutoff.
func (r *gormMessageRepository) PurgeDeletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var ids []uint
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Message{}).
			Where("deleted_for_all = ? AND deleted_for_all_at < ?", true, cutoff).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		for _, child := range []any{&models.MessageReaction{}, &models.MessageHide{}, &models.MessagePin{}} {
			if err := tx.Where("message_id IN ?", ids).Delete(child).Error; err != nil {
				return err
			}
		}
		return tx.Where("id IN ?", ids).Delete(&models.Message{}).Error
	})
	return int64(len(ids)), err
}

// ListMediaRefs returns the media references still owned by live messages.
func (r *gormMessageRepository) ListMediaRefs(ctx context.Context) ([]string, error) {
	var refs []string
	err := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("media_ref <> ? AND deleted_for_all = ?", "", false).
		Pluck("media_ref", &refs).Error
	return refs, err
}
