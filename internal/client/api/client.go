// Package api is the client side of the messaging API: REST calls plus the
// live channel, merged into reconcile.Conversation views.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"dm-go/internal/client/reconcile"
	"dm-go/internal/client/voice"
	"dm-go/internal/imtypes"
	"dm-go/internal/models"
)

// APIError is a non-2xx response.
type APIError struct {
	Status int
	Code   string
	Reason string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d %s: %s", e.Status, e.Code, e.Reason)
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithDialer replaces websocket.DefaultDialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithTokenSource replaces the correlation token generator.
func WithTokenSource(fn func() string) Option {
	return func(c *Client) { c.newToken = fn }
}

// WithClock replaces time.Now for draft timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithWebSocketPath overrides the live channel path (default /ws).
func WithWebSocketPath(p string) Option {
	return func(c *Client) { c.wsPath = p }
}

// Client talks to one API server on behalf of one user.
type Client struct {
	baseURL  string
	token    string
	wsPath   string
	http     *http.Client
	dialer   *websocket.Dialer
	newToken func() string
	now      func() time.Time
	log      *zap.Logger
}

// New creates a client for baseURL authenticated with token.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		wsPath:   "/ws",
		http:     http.DefaultClient,
		dialer:   websocket.DefaultDialer,
		newToken: uuid.NewString,
		now:      time.Now,
		log:      zap.L().Named("client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SendInput is a message to send. Kind defaults to text.
type SendInput struct {
	Content  string
	Kind     models.MessageKind
	MediaRef string
	ReplyTo  *uint
}

type sendRequest struct {
	Receiver         uint               `json:"receiver"`
	Content          string             `json:"content"`
	Kind             models.MessageKind `json:"kind,omitempty"`
	MediaRef         string             `json:"mediaRef,omitempty"`
	ReplyTo          *uint              `json:"replyTo,omitempty"`
	CorrelationToken string             `json:"correlationToken"`
}

// Send renders a draft in conv, posts it and merges the confirmed record.
// On failure the draft is discarded.
func (c *Client) Send(ctx context.Context, conv *reconcile.Conversation, in SendInput) (*models.Message, error) {
	kind := in.Kind
	if kind == "" {
		kind = models.KindText
	}
	token := c.newToken()
	conv.AddDraft(token, c.draft(conv, kind, in.Content, in.MediaRef, in.ReplyTo))

	body, err := json.Marshal(sendRequest{
		Receiver:         conv.Peer(),
		Content:          in.Content,
		Kind:             kind,
		MediaRef:         in.MediaRef,
		ReplyTo:          in.ReplyTo,
		CorrelationToken: token,
	})
	if err != nil {
		conv.Discard(token)
		return nil, err
	}

	var msg models.Message
	if err := c.do(ctx, http.MethodPost, "/api/v1/messages", bytes.NewReader(body), "application/json", &msg); err != nil {
		conv.Discard(token)
		return nil, err
	}
	conv.Confirm(&msg)
	return &msg, nil
}

// SendVoice uploads a finished clip as a voice message. The draft references
// the local clip until the server answers.
func (c *Client) SendVoice(ctx context.Context, conv *reconcile.Conversation, clip voice.Clip, replyTo *uint) (*models.Message, error) {
	token := c.newToken()
	conv.AddDraft(token, c.draft(conv, models.KindVoice, "", "local://"+token, replyTo))

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fields := map[string]string{
		"receiver":         strconv.FormatUint(uint64(conv.Peer()), 10),
		"correlationToken": token,
	}
	if replyTo != nil {
		fields["replyTo"] = strconv.FormatUint(uint64(*replyTo), 10)
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			conv.Discard(token)
			return nil, err
		}
	}
	mimeType := clip.MimeType
	if mimeType == "" {
		mimeType = "audio/webm"
	}
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="audio"; filename="voice%s"`, extensionFor(mimeType)))
	hdr.Set("Content-Type", mimeType)
	part, err := mw.CreatePart(hdr)
	if err == nil {
		_, err = part.Write(clip.Data)
	}
	if err == nil {
		err = mw.Close()
	}
	if err != nil {
		conv.Discard(token)
		return nil, fmt.Errorf("构建语音上传请求失败: %w", err)
	}

	var msg models.Message
	if err := c.do(ctx, http.MethodPost, "/api/v1/messages/audio", &buf, mw.FormDataContentType(), &msg); err != nil {
		// 取消上传只是尽力而为，服务端可能已经落库，下次拉取时会出现
		conv.Discard(token)
		return nil, err
	}
	conv.Confirm(&msg)
	return &msg, nil
}

func extensionFor(mimeType string) string {
	base, _, _ := strings.Cut(mimeType, ";")
	switch strings.TrimSpace(base) {
	case "audio/ogg":
		return ".ogg"
	case "audio/mpeg":
		return ".mp3"
	case "audio/mp4", "audio/m4a":
		return ".m4a"
	case "audio/wav", "audio/x-wav":
		return ".wav"
	default:
		return ".webm"
	}
}

func (c *Client) draft(conv *reconcile.Conversation, kind models.MessageKind, content, mediaRef string, replyTo *uint) *models.Message {
	return &models.Message{
		SenderID:   conv.Self(),
		ReceiverID: conv.Peer(),
		Kind:       kind,
		Content:    content,
		MediaRef:   mediaRef,
		ReplyToID:  replyTo,
		CreatedAt:  c.now(),
	}
}

// FetchConversation reloads conv from the server, keeping pending drafts.
func (c *Client) FetchConversation(ctx context.Context, conv *reconcile.Conversation) error {
	var msgs []*models.Message
	path := fmt.Sprintf("/api/v1/messages/conversation/%d", conv.Peer())
	if err := c.do(ctx, http.MethodGet, path, nil, "", &msgs); err != nil {
		return err
	}
	conv.Reset(msgs)
	return nil
}

// MarkAllRead marks every message from conv's peer as read.
func (c *Client) MarkAllRead(ctx context.Context, conv *reconcile.Conversation) error {
	path := fmt.Sprintf("/api/v1/messages/read-all/%d", conv.Peer())
	return c.do(ctx, http.MethodPatch, path, nil, "", nil)
}

// Live consumes the live channel until ctx is done or the connection drops,
// handing every event to handle. Use Conversation.Apply inside handle to
// merge events into a view.
func (c *Client) Live(ctx context.Context, handle func(imtypes.Event)) error {
	u, err := url.Parse(c.baseURL + c.wsPath)
	if err != nil {
		return fmt.Errorf("无效的服务地址: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	conn, resp, err := c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("连接实时通道失败 (HTTP %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("连接实时通道失败: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	for {
		var evt imtypes.Event
		if err := conn.ReadJSON(&evt); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure {
				return nil
			}
			return fmt.Errorf("读取实时事件失败: %w", err)
		}
		if evt.Type == imtypes.EventError {
			var p imtypes.ErrorPayload
			if evt.Decode(&p) == nil {
				c.log.Warn("实时通道返回错误", zap.String("code", p.Code), zap.String("reason", p.Reason))
			}
		}
		handle(evt)
	}
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s 请求失败: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var e struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		return &APIError{Status: resp.StatusCode, Code: e.Code, Reason: e.Error}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("解析 %s %s 响应失败: %w", method, path, err)
	}
	return nil
}
