package apiserver

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"dm-go/internal/apperr"
	"dm-go/internal/config"
	"dm-go/internal/imtypes"
	"dm-go/internal/models"
	"dm-go/internal/services"
)

const defaultMaxMemory = 32 << 20 // multipart 表单在内存中保留的上限

// MessageHandler 封装了私信相关的 HTTP 处理器方法。
type MessageHandler struct {
	messages services.MessageService
	presence services.PresenceService
	cfg      config.StorageConfig
}

// NewMessageHandler 创建一个新的 MessageHandler 实例。
func NewMessageHandler(messages services.MessageService, presence services.PresenceService, cfg config.StorageConfig) *MessageHandler {
	return &MessageHandler{messages: messages, presence: presence, cfg: cfg}
}

// RegisterRoutes mounts the message API on an authenticated router.
func (h *MessageHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/messages", h.CreateMessage).Methods(http.MethodPost)
	r.HandleFunc("/messages/audio", h.CreateVoiceMessage).Methods(http.MethodPost)
	r.HandleFunc("/messages/inbox", h.GetInbox).Methods(http.MethodGet)
	r.HandleFunc("/messages/typing", h.SetTyping).Methods(http.MethodPost)
	r.HandleFunc("/messages/typing/{otherUserId:[0-9]+}", h.GetTyping).Methods(http.MethodGet)
	r.HandleFunc("/messages/conversation/{otherUserId:[0-9]+}", h.GetConversation).Methods(http.MethodGet)
	r.HandleFunc("/messages/read-all/{otherUserId:[0-9]+}", h.MarkAllRead).Methods(http.MethodPatch)
	r.HandleFunc("/messages/{id:[0-9]+}", h.EditMessage).Methods(http.MethodPatch)
	r.HandleFunc("/messages/{id:[0-9]+}", h.DeleteMessage).Methods(http.MethodDelete)
	r.HandleFunc("/messages/{id:[0-9]+}/pin", h.PinMessage).Methods(http.MethodPatch)
	r.HandleFunc("/messages/{id:[0-9]+}/read", h.MarkRead).Methods(http.MethodPatch)
	r.HandleFunc("/messages/{id:[0-9]+}/react", h.React).Methods(http.MethodPost)
	r.HandleFunc("/messages/{id:[0-9]+}/reactions", h.GetReactions).Methods(http.MethodGet)
}

// CreateMessageRequest 是发送消息的请求体。
type CreateMessageRequest struct {
	Receiver         uint               `json:"receiver" validate:"required"`
	Content          string             `json:"content"`
	Kind             models.MessageKind `json:"kind,omitempty" validate:"omitempty,oneof=text voice system video_call file"`
	MediaRef         string             `json:"mediaRef,omitempty"`
	ReplyTo          *uint              `json:"replyTo,omitempty"`
	CorrelationToken string             `json:"correlationToken,omitempty" validate:"max=64"`
}

// CreateMessage 处理发送消息的请求。重复提交同一个 correlationToken 返回 200 和已有记录。
func (h *MessageHandler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req CreateMessageRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeAppError(w, r, err)
		return
	}

	msg, replayed, err := h.messages.Create(r.Context(), userID, services.CreateMessageInput{
		ReceiverID:       req.Receiver,
		Content:          req.Content,
		Kind:             req.Kind,
		MediaRef:         req.MediaRef,
		ReplyToID:        req.ReplyTo,
		CorrelationToken: req.CorrelationToken,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSONResponse(w, createdStatus(replayed), msg)
}

func createdStatus(replayed bool) int {
	if replayed {
		return http.StatusOK
	}
	return http.StatusCreated
}

// CreateVoiceMessage 处理语音消息上传 (multipart 字段 audio)。
func (h *MessageHandler) CreateVoiceMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	maxUploadSize := h.cfg.MaxFileSizeMB << 20
	if maxUploadSize <= 0 {
		maxUploadSize = defaultMaxMemory
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(defaultMaxMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, fmt.Sprintf("上传文件过大，最大允许 %d MB", maxUploadSize>>20), "too_large", http.StatusRequestEntityTooLarge)
			return
		}
		writeAppError(w, r, apperr.ErrInvalidRequest.With(err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	receiver, err := strconv.ParseUint(r.FormValue("receiver"), 10, 64)
	if err != nil || receiver == 0 {
		writeAppError(w, r, apperr.ErrInvalidRequest.With(errors.New("receiver is required")))
		return
	}
	var replyTo *uint
	if raw := r.FormValue("replyTo"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeAppError(w, r, apperr.ErrInvalidRequest.With(err))
			return
		}
		v := uint(id)
		replyTo = &v
	}

	file, header, err := r.FormFile("audio")
	if err != nil {
		writeAppError(w, r, apperr.ErrInvalidRequest.With(fmt.Errorf("请求中缺少 'audio' 字段: %w", err)))
		return
	}
	defer file.Close()

	mimeType := header.Header.Get("Content-Type")
	if mimeType != "" && !strings.HasPrefix(mimeType, "audio/") && !strings.HasPrefix(mimeType, "video/webm") {
		writeAppError(w, r, apperr.ErrInvalidRequest.With(fmt.Errorf("unsupported audio type %q", mimeType)))
		return
	}
	zap.S().Debugf("收到语音上传: 名称=%s, 大小=%d, 类型=%s", header.Filename, header.Size, mimeType)

	msg, replayed, err := h.messages.CreateVoice(r.Context(), userID, services.CreateVoiceInput{
		ReceiverID:       uint(receiver),
		ReplyToID:        replyTo,
		CorrelationToken: r.FormValue("correlationToken"),
		Content:          r.FormValue("content"),
		Audio:            file,
		Size:             header.Size,
		FileName:         header.Filename,
		MimeType:         mimeType,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSONResponse(w, createdStatus(replayed), msg)
}

// EditMessageRequest 是编辑消息的请求体。
type EditMessageRequest struct {
	Content string `json:"content"`
}

func (h *MessageHandler) EditMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	var req EditMessageRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeAppError(w, r, err)
		return
	}
	msg, err := h.messages.Edit(r.Context(), userID, id, req.Content)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, msg)
}

// PinRequest 的 pinned 为空时切换置顶状态。
type PinRequest struct {
	Pinned *bool `json:"pinned,omitempty"`
}

func (h *MessageHandler) PinMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	var req PinRequest
	if r.ContentLength != 0 {
		if err := decodeAndValidate(r, &req); err != nil {
			writeAppError(w, r, err)
			return
		}
	}
	msg, err := h.messages.PinToggle(r.Context(), userID, id, req.Pinned)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, msg)
}

// DeleteMessage 处理删除请求，scope=me (默认) 或 scope=all。
func (h *MessageHandler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	scope := r.URL.Query().Get("scope")
	switch scope {
	case "", imtypes.ScopeMe:
		scope = imtypes.ScopeMe
		err = h.messages.SoftDeleteForSelf(r.Context(), userID, id)
	case imtypes.ScopeAll:
		err = h.messages.SoftDeleteForAll(r.Context(), userID, id)
	default:
		err = apperr.ErrInvalidRequest.With(fmt.Errorf("scope must be %q or %q", imtypes.ScopeMe, imtypes.ScopeAll))
	}
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, imtypes.DeletedPayload{MessageID: id, Scope: scope})
}

func (h *MessageHandler) GetConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	otherID, err := pathID(r, "otherUserId")
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	msgs, err := h.messages.FetchConversation(r.Context(), userID, otherID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, msgs)
}

func (h *MessageHandler) GetInbox(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	inbox, err := h.messages.FetchInbox(r.Context(), userID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, inbox)
}

func (h *MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	msg, err := h.messages.MarkRead(r.Context(), userID, id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, msg)
}

func (h *MessageHandler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	otherID, err := pathID(r, "otherUserId")
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	n, err := h.messages.MarkAllReadInConversation(r.Context(), userID, otherID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"withUserId": otherID, "count": n})
}

// ReactRequest 是表情回应的请求体。空表情由服务层按 invalid_reaction 拒绝。
type ReactRequest struct {
	Emoji string `json:"emoji"`
}

func (h *MessageHandler) React(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	var req ReactRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeAppError(w, r, err)
		return
	}
	msg, err := h.messages.ReactToggle(r.Context(), userID, id, req.Emoji)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, msg)
}

func (h *MessageHandler) GetReactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	reactions, err := h.messages.GetReactions(r.Context(), userID, id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, reactions)
}

// TypingRequest 是输入状态的请求体。
type TypingRequest struct {
	ReceiverID uint `json:"receiverId" validate:"required"`
	IsTyping   bool `json:"isTyping"`
}

func (h *MessageHandler) SetTyping(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req TypingRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeAppError(w, r, err)
		return
	}
	if err := h.presence.SetTyping(r.Context(), userID, req.ReceiverID, req.IsTyping); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, imtypes.TypingPayload{From: userID, To: req.ReceiverID, IsTyping: req.IsTyping})
}

// GetTyping reports whether otherUserId is typing to the caller.
func (h *MessageHandler) GetTyping(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	otherID, err := pathID(r, "otherUserId")
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, imtypes.TypingPayload{
		From:     otherID,
		To:       userID,
		IsTyping: h.presence.IsTyping(r.Context(), otherID, userID),
	})
}
