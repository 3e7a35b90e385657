package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"dm-go/internal/config"
	"dm-go/internal/imtypes"
	"dm-go/internal/metrics"
)

// Handshake close codes, sent right after the upgrade and before the
// connection joins any group.
const (
	CloseNoToken      = 4001
	CloseInvalidToken = 4002
)

// FrameHandler processes one inbound frame of userID. A non-nil reply is
// written back to the same connection only.
type FrameHandler func(ctx context.Context, userID uint, frame imtypes.InboundFrame) *imtypes.Event

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages. Closed by the hub only.
	send chan []byte

	// Replies to this connection's own frames. Never closed.
	replies chan []byte

	// Authenticated User ID for this client.
	UserID uint

	limiter     *rate.Limiter
	handleFrame FrameHandler
	cfg         config.WebSocketConfig
	log         *zap.Logger
}

// NewUpgrader 根据配置创建 websocket.Upgrader。
func NewUpgrader(wsCfg config.WebSocketConfig) *websocket.Upgrader {
	size := wsCfg.MaxMessageSizeBytes
	if size <= 0 {
		size = 1024
	}
	return &websocket.Upgrader{
		ReadBufferSize:  size,
		WriteBufferSize: size,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// Reject sends a close frame with code and reason and closes conn.
func Reject(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	conn.Close()
}

// ServeClient registers an authenticated connection with hub and starts its pumps.
func ServeClient(hub *Hub, conn *websocket.Conn, userID uint, wsCfg config.WebSocketConfig, handler FrameHandler) *Client {
	bufSize := wsCfg.SendBufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	limit := rate.Inf
	if wsCfg.InboundRPS > 0 {
		limit = rate.Limit(wsCfg.InboundRPS)
	}
	burst := wsCfg.InboundBurst
	if burst <= 0 {
		burst = 1
	}

	client := &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, bufSize),
		replies:     make(chan []byte, 16),
		UserID:      userID,
		limiter:     rate.NewLimiter(limit, burst),
		handleFrame: handler,
		cfg:         wsCfg,
		log:         zap.L().Named("ws").With(zap.Uint("userId", userID)),
	}
	if !hub.Register(client) {
		Reject(conn, websocket.CloseGoingAway, "server shutting down")
		return nil
	}

	go client.writePump()
	go client.readPump()

	client.log.Info("客户端已连接", zap.String("remote", conn.RemoteAddr().String()))
	return client
}

func seconds(n, fallback int) time.Duration {
	if n <= 0 {
		n = fallback
	}
	return time.Duration(n) * time.Second
}

// readPump pumps frames from the websocket connection to the frame handler.
func (c *Client) readPump() {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	pongWait := seconds(c.cfg.PongWaitSeconds, 60)
	if c.cfg.MaxMessageSizeBytes > 0 {
		c.conn.SetReadLimit(int64(c.cfg.MaxMessageSizeBytes))
	}
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.log.Info("WebSocket 连接异常关闭", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if !c.limiter.Allow() {
			metrics.WSThrottled.Inc()
			continue
		}

		var frame imtypes.InboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.reply(errorEvent("invalid_frame", "frame is not valid JSON"))
			continue
		}
		if c.handleFrame == nil {
			continue
		}
		if reply := c.handleFrame(ctx, c.UserID, frame); reply != nil {
			c.reply(reply)
		}
	}
}

// reply queues evt for this connection only. It is dropped if the buffer is full.
func (c *Client) reply(evt *imtypes.Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}
	select {
	case c.replies <- payload:
	default:
	}
}

func errorEvent(code, reason string) *imtypes.Event {
	evt, _ := imtypes.NewEvent(imtypes.EventError, imtypes.ErrorPayload{Code: code, Reason: reason})
	return &evt
}

// writePump pumps messages from the hub to the websocket connection, one
// frame per event.
func (c *Client) writePump() {
	writeWait := seconds(c.cfg.WriteWaitSeconds, 10)
	ticker := time.NewTicker(seconds(c.cfg.PingPeriodSeconds, 54))
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// hub 关闭了通道
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case message := <-c.replies:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
