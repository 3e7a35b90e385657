package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"dm-go/internal/apperr"
	"dm-go/internal/config"
	"dm-go/internal/fanout"
	"dm-go/internal/imtypes"
	"dm-go/internal/metrics"
	"dm-go/internal/models"
	"dm-go/internal/storage"
)

const maxCorrelationTokenLen = 64

// RateLimiter admits or refuses a send for a sender.
type RateLimiter interface {
	Allow(senderID uint) bool
}

// MediaScheduler runs asset work off the request path.
type MediaScheduler interface {
	SubmitEnhance(ref string)
	ScheduleRemoval(ref string)
}

// CreateMessageInput 是创建一条消息所需的参数。
type CreateMessageInput struct {
	ReceiverID       uint
	Content          string
	Kind             models.MessageKind // 为空时默认为 text
	MediaRef         string             // kind=file 时必填
	ReplyToID        *uint
	CorrelationToken string
}

// CreateVoiceInput carries an uploaded voice clip.
type CreateVoiceInput struct {
	ReceiverID       uint
	ReplyToID        *uint
	CorrelationToken string
	Content          string
	Audio            io.Reader
	Size             int64
	FileName         string
	MimeType         string
}

// InboxEntry 是收件箱中一个会话的摘要。
type InboxEntry struct {
	CounterpartID uint                  `json:"counterpartId"`
	Counterpart   *models.UserBasicInfo `json:"counterpart,omitempty"`
	LastMessage   *models.Message       `json:"lastMessage"`
	UnreadCount   int                   `json:"unreadCount"`
}

// MessageService 定义了私信相关服务的接口。
// 每个成功的变更都会在提交后推送给双方参与者，推送失败不影响结果。
type MessageService interface {
	// Create returns replayed=true when the sender already used the correlation token.
	Create(ctx context.Context, senderID uint, in CreateMessageInput) (msg *models.Message, replayed bool, err error)
	CreateVoice(ctx context.Context, senderID uint, in CreateVoiceInput) (msg *models.Message, replayed bool, err error)
	Edit(ctx context.Context, editorID, messageID uint, content string) (*models.Message, error)
	ReactToggle(ctx context.Context, reactorID, messageID uint, emoji string) (*models.Message, error)
	GetReactions(ctx context.Context, viewerID, messageID uint) ([]models.MessageReaction, error)
	// PinToggle toggles when pinned is nil and sets the given state otherwise.
	PinToggle(ctx context.Context, userID, messageID uint, pinned *bool) (*models.Message, error)
	MarkRead(ctx context.Context, readerID, messageID uint) (*models.Message, error)
	MarkAllReadInConversation(ctx context.Context, viewerID, otherID uint) (int64, error)
	SoftDeleteForSelf(ctx context.Context, userID, messageID uint) error
	SoftDeleteForAll(ctx context.Context, userID, messageID uint) error
	FetchConversation(ctx context.Context, viewerID, otherID uint) ([]*models.Message, error)
	FetchInbox(ctx context.Context, userID uint) ([]InboxEntry, error)
}

// MessageOption customizes the message service.
type MessageOption func(*messageService)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) MessageOption {
	return func(s *messageService) { s.now = now }
}

// WithRateLimiter enables the per-sender send limit.
func WithRateLimiter(l RateLimiter) MessageOption {
	return func(s *messageService) { s.limiter = l }
}

// WithMediaScheduler enables voice enhancement and asset removal.
func WithMediaScheduler(m MediaScheduler) MessageOption {
	return func(s *messageService) { s.media = m }
}

// messageService 是 MessageService 的实现。
type messageService struct {
	msgRepo     storage.MessageRepository
	userRepo    storage.UserRepository
	files       imtypes.StorageService
	broadcaster fanout.Broadcaster
	limiter     RateLimiter
	media       MediaScheduler
	cfg         config.Config
	now         func() time.Time
}

// NewMessageService 创建一个新的 MessageService 实例。
func NewMessageService(msgRepo storage.MessageRepository, userRepo storage.UserRepository, files imtypes.StorageService, broadcaster fanout.Broadcaster, cfg config.Config, opts ...MessageOption) MessageService {
	s := &messageService{
		msgRepo:     msgRepo,
		userRepo:    userRepo,
		files:       files,
		broadcaster: broadcaster,
		cfg:         cfg,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *messageService) clock() time.Time {
	return s.now().UTC()
}

func (s *messageService) emit(ctx context.Context, t imtypes.EventType, payload any, userIDs ...uint) {
	fanout.Emit(context.WithoutCancel(ctx), s.broadcaster, t, payload, userIDs...)
}

// Create 校验、限流并持久化一条消息，然后推送 new_message。
func (s *messageService) Create(ctx context.Context, senderID uint, in CreateMessageInput) (*models.Message, bool, error) {
	kind := in.Kind
	if kind == "" {
		kind = models.KindText
	}
	if kind == models.KindVoice {
		// 语音消息只能通过 CreateVoice 上传创建
		return nil, false, apperr.ErrInvalidKind
	}
	content := strings.TrimSpace(in.Content)
	if err := s.validateDraft(senderID, in.ReceiverID, kind, content, in.MediaRef); err != nil {
		return nil, false, err
	}
	mediaRef := in.MediaRef
	if !kind.HasMedia() {
		mediaRef = ""
	}
	token, err := normalizeToken(in.CorrelationToken)
	if err != nil {
		return nil, false, err
	}

	if existing, err := s.replay(ctx, senderID, token); err != nil || existing != nil {
		return existing, existing != nil, err
	}
	if err := s.admit(ctx, senderID, in.ReceiverID); err != nil {
		return nil, false, err
	}

	draft := &models.Message{
		SenderID:   senderID,
		ReceiverID: in.ReceiverID,
		Kind:       kind,
		Content:    content,
		MediaRef:   mediaRef,
	}
	return s.insert(ctx, draft, token, in.ReplyToID)
}

// CreateVoice stores the clip under the audio directory, creates the voice
// message pointing at it and queues enhancement. The reference never changes.
func (s *messageService) CreateVoice(ctx context.Context, senderID uint, in CreateVoiceInput) (*models.Message, bool, error) {
	if in.Audio == nil {
		return nil, false, apperr.ErrInvalidRequest.With(errors.New("audio is required"))
	}
	content := strings.TrimSpace(in.Content)
	if err := s.validateDraft(senderID, in.ReceiverID, models.KindVoice, content, ""); err != nil {
		return nil, false, err
	}
	token, err := normalizeToken(in.CorrelationToken)
	if err != nil {
		return nil, false, err
	}

	if existing, err := s.replay(ctx, senderID, token); err != nil || existing != nil {
		return existing, existing != nil, err
	}
	if err := s.admit(ctx, senderID, in.ReceiverID); err != nil {
		return nil, false, err
	}

	info, err := s.files.UploadFile(ctx, s.cfg.Storage.AudioDir, in.Audio, in.Size, in.FileName, in.MimeType)
	if err != nil {
		return nil, false, fmt.Errorf("保存语音文件失败: %w", err)
	}

	draft := &models.Message{
		SenderID:   senderID,
		ReceiverID: in.ReceiverID,
		Kind:       models.KindVoice,
		Content:    content,
		MediaRef:   info.URL,
	}
	msg, replayed, err := s.insert(ctx, draft, token, in.ReplyToID)
	if err != nil || replayed {
		// 记录未创建 (或已存在)，清理刚上传的文件
		if derr := s.files.DeleteFile(context.WithoutCancel(ctx), info.URL); derr != nil {
			zap.S().Warnf("清理未使用的语音文件失败 %s: %v", info.URL, derr)
		}
		return msg, replayed, err
	}

	if s.media != nil {
		s.media.SubmitEnhance(info.URL)
	}
	return msg, false, nil
}

func (s *messageService) validateDraft(senderID, receiverID uint, kind models.MessageKind, content, mediaRef string) error {
	if receiverID == 0 {
		return apperr.ErrReceiverNotFound
	}
	if senderID == receiverID {
		return apperr.ErrSelfConversation
	}
	if err := s.checkLength(content); err != nil {
		return err
	}
	switch kind {
	case models.KindText:
		if content == "" {
			return apperr.ErrEmptyContent
		}
	case models.KindVoice, models.KindVideoCall:
	case models.KindFile:
		if !s.ownsRef(mediaRef, s.cfg.Storage.FilesDir) {
			return apperr.ErrInvalidMediaRef
		}
	default:
		// system 消息不能由客户端创建
		return apperr.ErrInvalidKind
	}
	return nil
}

// ownsRef reports whether ref points at an existing asset under dir.
func (s *messageService) ownsRef(ref, dir string) bool {
	if ref == "" || s.files == nil {
		return false
	}
	prefix := path.Join("/", s.cfg.Storage.BaseURL, dir) + "/"
	if path.Clean(ref) != ref || !strings.HasPrefix(ref, prefix) {
		return false
	}
	p, err := s.files.ResolvePath(ref)
	if err != nil {
		return false
	}
	fi, err := os.Stat(p)
	return err == nil && fi.Mode().IsRegular()
}

func (s *messageService) checkLength(content string) error {
	if limit := s.cfg.Messaging.MaxContentLength; limit > 0 && utf8.RuneCountInString(content) > limit {
		return apperr.ErrContentTooLong
	}
	return nil
}

func normalizeToken(token string) (string, error) {
	token = strings.TrimSpace(token)
	if len(token) > maxCorrelationTokenLen {
		return "", apperr.ErrInvalidRequest.With(fmt.Errorf("correlationToken longer than %d bytes", maxCorrelationTokenLen))
	}
	return token, nil
}

// replay returns the record already created with token, if any.
func (s *messageService) replay(ctx context.Context, senderID uint, token string) (*models.Message, error) {
	if token == "" {
		return nil, nil
	}
	existing, err := s.msgRepo.FindByCorrelationToken(ctx, senderID, token)
	if err != nil {
		return nil, fmt.Errorf("查询关联令牌失败: %w", err)
	}
	if existing != nil {
		metrics.MessagesReplayed.Inc()
	}
	return existing, nil
}

// admit resolves the receiver and applies the send limit.
func (s *messageService) admit(ctx context.Context, senderID, receiverID uint) error {
	if _, err := s.userRepo.GetByID(ctx, receiverID); err != nil {
		if errors.Is(err, apperr.ErrUserNotFound) {
			return apperr.ErrReceiverNotFound
		}
		return fmt.Errorf("查询接收者 %d 失败: %w", receiverID, err)
	}
	if s.limiter != nil && !s.limiter.Allow(senderID) {
		metrics.RateLimited.Inc()
		return apperr.ErrRateLimited
	}
	return nil
}

// insert attaches the reply preview, persists draft and announces it.
func (s *messageService) insert(ctx context.Context, draft *models.Message, token string, replyToID *uint) (*models.Message, bool, error) {
	now := s.clock()
	draft.CreatedAt = now
	draft.UpdatedAt = now
	if token != "" {
		draft.CorrelationToken = &token
	}
	if replyToID != nil {
		draft.ReplyToID, draft.ReplyPreview = s.replyPreview(ctx, draft, *replyToID)
	}

	if err := s.msgRepo.Create(ctx, draft); err != nil {
		// 并发的重复提交可能抢先写入了同一个令牌
		if existing, ferr := s.replay(ctx, draft.SenderID, token); ferr == nil && existing != nil {
			return existing, true, nil
		}
		return nil, false, fmt.Errorf("创建消息失败: %w", err)
	}

	msg, err := s.msgRepo.GetByID(ctx, draft.ID)
	if err != nil {
		return nil, false, fmt.Errorf("重新加载消息 %d 失败: %w", draft.ID, err)
	}
	metrics.MessagesCreated.WithLabelValues(string(msg.Kind)).Inc()
	s.emit(ctx, imtypes.EventNewMessage, msg, msg.SenderID, msg.ReceiverID)
	return msg, false, nil
}

// replyPreview snapshots the replied-to message. References outside the
// conversation or to messages deleted for everyone are dropped.
func (s *messageService) replyPreview(ctx context.Context, draft *models.Message, replyToID uint) (*uint, *models.ReplyPreview) {
	parent, err := s.msgRepo.GetByID(ctx, replyToID)
	if err != nil {
		return nil, nil
	}
	if !parent.IsParticipant(draft.SenderID) || !parent.IsParticipant(draft.ReceiverID) || parent.DeletedForAll {
		return nil, nil
	}
	id := parent.ID
	return &id, &models.ReplyPreview{MessageID: parent.ID, Content: parent.Content, Kind: parent.Kind}
}

// load returns a live message the user participates in.
func (s *messageService) load(ctx context.Context, userID, messageID uint) (*models.Message, error) {
	msg, err := s.msgRepo.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.DeletedForAll {
		return nil, apperr.ErrMessageNotFound
	}
	if !msg.IsParticipant(userID) {
		return nil, apperr.ErrNotParticipant
	}
	return msg, nil
}

// Edit 修改文本消息的内容：仅发送者，仅文本，且在编辑窗口内。
func (s *messageService) Edit(ctx context.Context, editorID, messageID uint, content string) (*models.Message, error) {
	msg, err := s.load(ctx, editorID, messageID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotParticipant) {
			return nil, apperr.ErrNotSender
		}
		return nil, err
	}
	now := s.clock()
	if err := msg.CheckEditable(editorID, now, s.cfg.Messaging.EditWindow); err != nil {
		return nil, err
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, apperr.ErrEmptyContent
	}
	if err := s.checkLength(content); err != nil {
		return nil, err
	}

	if err := s.msgRepo.UpdateContent(ctx, msg.ID, content, now); err != nil {
		return nil, fmt.Errorf("更新消息 %d 失败: %w", msg.ID, err)
	}
	updated, err := s.msgRepo.GetByID(ctx, msg.ID)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, imtypes.EventMessageUpdated, updated, updated.SenderID, updated.ReceiverID)
	return updated, nil
}

// ReactToggle applies the reactor's emoji: same removes, different replaces.
func (s *messageService) ReactToggle(ctx context.Context, reactorID, messageID uint, emoji string) (*models.Message, error) {
	msg, err := s.load(ctx, reactorID, messageID)
	if err != nil {
		return nil, err
	}
	emoji, err = models.NormalizeEmoji(emoji)
	if err != nil {
		return nil, err
	}
	if _, err := s.msgRepo.ToggleReaction(ctx, msg.ID, reactorID, emoji, s.clock()); err != nil {
		return nil, fmt.Errorf("更新消息 %d 的表情失败: %w", msg.ID, err)
	}
	updated, err := s.msgRepo.GetByID(ctx, msg.ID)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, imtypes.EventReactionUpdate, updated, updated.SenderID, updated.ReceiverID)
	return updated, nil
}

func (s *messageService) GetReactions(ctx context.Context, viewerID, messageID uint) ([]models.MessageReaction, error) {
	msg, err := s.load(ctx, viewerID, messageID)
	if err != nil {
		return nil, err
	}
	return s.msgRepo.ListReactions(ctx, msg.ID)
}

func (s *messageService) PinToggle(ctx context.Context, userID, messageID uint, pinned *bool) (*models.Message, error) {
	msg, err := s.load(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}
	if _, err := s.msgRepo.SetPin(ctx, msg.ID, userID, pinned, s.clock()); err != nil {
		return nil, fmt.Errorf("更新消息 %d 的置顶状态失败: %w", msg.ID, err)
	}
	updated, err := s.msgRepo.GetByID(ctx, msg.ID)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, imtypes.EventMessagePinned, updated, updated.SenderID, updated.ReceiverID)
	return updated, nil
}

// MarkRead 由接收者标记已读。首次已读的时间不会被覆盖，重复调用不再推送。
func (s *messageService) MarkRead(ctx context.Context, readerID, messageID uint) (*models.Message, error) {
	msg, err := s.load(ctx, readerID, messageID)
	if err != nil {
		return nil, err
	}
	if msg.ReceiverID != readerID {
		return nil, apperr.ErrNotReceiver
	}
	first, err := s.msgRepo.MarkRead(ctx, msg.ID, s.clock())
	if err != nil {
		return nil, fmt.Errorf("标记消息 %d 已读失败: %w", msg.ID, err)
	}
	updated, err := s.msgRepo.GetByID(ctx, msg.ID)
	if err != nil {
		return nil, err
	}
	if first && updated.ReadAt != nil {
		s.emit(ctx, imtypes.EventMessageRead, imtypes.ReadPayload{
			MessageID: updated.ID,
			ReaderID:  readerID,
			ReadAt:    *updated.ReadAt,
		}, updated.SenderID, updated.ReceiverID)
	}
	return updated, nil
}

// MarkAllReadInConversation marks every unread message from otherID to viewerID.
func (s *messageService) MarkAllReadInConversation(ctx context.Context, viewerID, otherID uint) (int64, error) {
	if viewerID == otherID {
		return 0, apperr.ErrSelfConversation
	}
	now := s.clock()
	n, err := s.msgRepo.MarkAllRead(ctx, otherID, viewerID, now)
	if err != nil {
		return 0, fmt.Errorf("批量标记已读失败: %w", err)
	}
	if n > 0 {
		s.emit(ctx, imtypes.EventMessageRead, imtypes.ReadPayload{
			WithUserID: otherID,
			ReaderID:   viewerID,
			ReadAt:     now,
			Count:      n,
		}, viewerID, otherID)
	}
	return n, nil
}

// SoftDeleteForSelf 只对当前用户隐藏消息，只通知自己的连接。
func (s *messageService) SoftDeleteForSelf(ctx context.Context, userID, messageID uint) error {
	msg, err := s.msgRepo.GetByID(ctx, messageID)
	if err != nil {
		return err
	}
	if !msg.IsParticipant(userID) {
		return apperr.ErrNotParticipant
	}
	if err := s.msgRepo.HideFor(ctx, msg.ID, userID, s.clock()); err != nil {
		return fmt.Errorf("隐藏消息 %d 失败: %w", msg.ID, err)
	}
	s.emit(ctx, imtypes.EventMessageDeleted, imtypes.DeletedPayload{MessageID: msg.ID, Scope: imtypes.ScopeMe}, userID)
	return nil
}

// SoftDeleteForAll 由发送者对双方删除消息，不可撤销。
// 只有首次删除会移除媒体文件并推送事件，重复调用直接返回成功。
func (s *messageService) SoftDeleteForAll(ctx context.Context, userID, messageID uint) error {
	msg, err := s.msgRepo.GetByID(ctx, messageID)
	if err != nil {
		return err
	}
	if !msg.IsParticipant(userID) {
		return apperr.ErrNotParticipant
	}
	if msg.SenderID != userID {
		return apperr.ErrNotSender
	}
	first, err := s.msgRepo.SoftDeleteForAll(ctx, msg.ID, s.clock())
	if err != nil {
		return fmt.Errorf("删除消息 %d 失败: %w", msg.ID, err)
	}
	if !first {
		return nil
	}
	if msg.MediaRef != "" && s.media != nil {
		s.media.ScheduleRemoval(msg.MediaRef)
	}
	s.emit(ctx, imtypes.EventMessageDeleted, imtypes.DeletedPayload{MessageID: msg.ID, Scope: imtypes.ScopeAll}, msg.SenderID, msg.ReceiverID)
	return nil
}

// FetchConversation returns the messages between viewer and other that viewer can see.
func (s *messageService) FetchConversation(ctx context.Context, viewerID, otherID uint) ([]*models.Message, error) {
	if viewerID == otherID {
		return nil, apperr.ErrSelfConversation
	}
	all, err := s.msgRepo.ListConversation(ctx, viewerID, otherID)
	if err != nil {
		return nil, fmt.Errorf("获取会话消息失败: %w", err)
	}
	visible := make([]*models.Message, 0, len(all))
	for _, m := range all {
		if m.VisibleTo(viewerID) {
			visible = append(visible, m)
		}
	}
	return visible, nil
}

// FetchInbox 按对方分组，返回每个会话最近一条可见消息和未读数，按最近消息排序。
func (s *messageService) FetchInbox(ctx context.Context, userID uint) ([]InboxEntry, error) {
	all, err := s.msgRepo.ListForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("获取收件箱失败: %w", err)
	}

	entries := []InboxEntry{}
	index := make(map[uint]int)
	for _, m := range all {
		if !m.VisibleTo(userID) {
			continue
		}
		cp := m.Counterpart(userID)
		i, ok := index[cp]
		if !ok {
			// 按时间倒序遍历，第一条就是最近的消息
			i = len(entries)
			index[cp] = i
			entries = append(entries, InboxEntry{CounterpartID: cp, LastMessage: m})
		}
		if m.ReceiverID == userID && !m.IsRead {
			entries[i].UnreadCount++
		}
	}

	ids := make([]uint, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.CounterpartID)
	}
	infos, err := s.userRepo.GetMultipleBasicInfoByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("获取会话对方信息失败: %w", err)
	}
	for i := range entries {
		entries[i].Counterpart = infos[entries[i].CounterpartID]
	}
	return entries, nil
}
