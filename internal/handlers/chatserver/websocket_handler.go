package chatserver

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"dm-go/internal/auth"
	"dm-go/internal/config"
	"dm-go/internal/fanout"
	"dm-go/internal/imtypes"
	"dm-go/internal/services"
	ws "dm-go/internal/websocket"

	"github.com/gorilla/websocket"
)

// WebSocketHandler 负责处理 WebSocket 连接请求。
type WebSocketHandler struct {
	hub         *ws.Hub
	presence    services.PresenceService
	broadcaster fanout.Broadcaster // 转发通话信令
	blacklist   auth.TokenBlacklist
	cfg         config.Config
	upgrader    *websocket.Upgrader
}

// NewWebSocketHandler 创建一个新的 WebSocketHandler 实例。blacklist 可以为 nil。
func NewWebSocketHandler(hub *ws.Hub, presence services.PresenceService, broadcaster fanout.Broadcaster, blacklist auth.TokenBlacklist, cfg config.Config) *WebSocketHandler {
	return &WebSocketHandler{
		hub:         hub,
		presence:    presence,
		broadcaster: broadcaster,
		blacklist:   blacklist,
		cfg:         cfg,
		upgrader:    ws.NewUpgrader(cfg.WebSocket),
	}
}

// ServeWS 处理传入的 WebSocket 请求。
// 先升级连接，再校验令牌，失败时用 4001/4002 关闭，保证客户端能拿到原因码。
func (h *WebSocketHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := auth.TokenFromRequest(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已经写回了 HTTP 错误
		zap.S().Debugf("WebSocket 升级失败: %v", err)
		return
	}

	if token == "" {
		zap.S().Infof("WebSocket 连接被拒绝：缺少令牌 (remote %s)", r.RemoteAddr)
		ws.Reject(conn, ws.CloseNoToken, "NO_TOKEN")
		return
	}
	claims, err := auth.ValidateToken(r.Context(), token, h.cfg.Auth.JWTSecretKey, h.blacklist)
	if err != nil {
		zap.S().Infof("WebSocket 连接被拒绝：令牌无效: %v (remote %s)", err, r.RemoteAddr)
		ws.Reject(conn, ws.CloseInvalidToken, "INVALID_TOKEN")
		return
	}

	ws.ServeClient(h.hub, conn, claims.UserID, h.cfg.WebSocket, h.HandleFrame)
}

// HandleFrame dispatches one inbound frame. The returned event, if any, goes
// back to the sending connection only.
func (h *WebSocketHandler) HandleFrame(ctx context.Context, userID uint, frame imtypes.InboundFrame) *imtypes.Event {
	switch {
	case frame.Type == imtypes.FramePing:
		evt, _ := imtypes.NewEvent(imtypes.EventPong, nil)
		return &evt

	case frame.Type == imtypes.FrameTyping:
		if h.presence == nil {
			return nil
		}
		if err := h.presence.SetTyping(ctx, userID, frame.To, frame.IsTyping); err != nil {
			return errorReply("invalid_typing", err.Error())
		}
		return nil

	case frame.Type.IsCallSignal():
		if frame.To == 0 || frame.To == userID {
			return errorReply("invalid_target", "call signal needs another user as target")
		}
		// from 由服务端填写，客户端无法伪造
		fanout.Emit(ctx, h.broadcaster, frame.Type, imtypes.CallSignal{From: userID, To: frame.To, Data: frame.Data}, frame.To)
		return nil

	default:
		return errorReply("unknown_frame", "unsupported frame type: "+string(frame.Type))
	}
}

func errorReply(code, reason string) *imtypes.Event {
	evt, _ := imtypes.NewEvent(imtypes.EventError, imtypes.ErrorPayload{Code: code, Reason: reason})
	return &evt
}
