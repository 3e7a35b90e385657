package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dm-go/internal/auth"
	"dm-go/internal/client/reconcile"
	"dm-go/internal/client/voice"
	"dm-go/internal/config"
	"dm-go/internal/fanout"
	"dm-go/internal/handlers/apiserver"
	"dm-go/internal/handlers/chatserver"
	"dm-go/internal/imtypes"
	"dm-go/internal/models"
	"dm-go/internal/presence"
	"dm-go/internal/services"
	"dm-go/internal/storage"
	"dm-go/internal/storage/storagetest"
	ws "dm-go/internal/websocket"
)

type server struct {
	url   string
	hub   *ws.Hub
	cfg   config.Config
	alice uint
	bob   uint
}

func startServer(t *testing.T) *server {
	t.Helper()
	db := storagetest.NewDB(t)
	ids := storagetest.SeedUsers(t, db, "alice", "bob")

	cfg := config.Config{
		Auth: config.AuthConfig{JWTSecretKey: "client-secret", JWTExpiry: time.Hour, Issuer: "test"},
		Storage: config.StorageConfig{
			Type: "local", LocalPath: t.TempDir(), BaseURL: "/uploads",
			AudioDir: "audio", FilesDir: "files", MaxFileSizeMB: 1,
		},
		Messaging: config.MessagingConfig{EditWindow: 12 * time.Hour, MaxContentLength: 5000},
		WebSocket: config.WebSocketConfig{
			WriteWaitSeconds: 5, PongWaitSeconds: 60, PingPeriodSeconds: 54,
			MaxMessageSizeBytes: 4096, SendBufferSize: 16, InboundRPS: 100, InboundBurst: 20,
		},
	}
	files, err := storage.NewLocalStorageService(cfg.Storage)
	require.NoError(t, err)

	hub := ws.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	bc := fanout.NewHubBroadcaster(hub)
	presenceSvc := services.NewPresenceService(presence.NewLedger(presence.Config{TTL: 30 * time.Second}), bc)
	userRepo := storage.NewGormUserRepository(db)
	wsHandler := chatserver.NewWebSocketHandler(hub, presenceSvc, bc, nil, cfg)

	router := apiserver.NewRouter(apiserver.RouterDeps{
		Config:    cfg,
		Messages:  services.NewMessageService(storage.NewGormMessageRepository(db), userRepo, files, bc, cfg),
		Presence:  presenceSvc,
		Users:     services.NewUserService(userRepo),
		Storage:   files,
		WebSocket: http.HandlerFunc(wsHandler.ServeWS),
		Logger:    zap.NewNop(),
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &server{url: srv.URL, hub: hub, cfg: cfg, alice: ids[0], bob: ids[1]}
}

func (s *server) client(t *testing.T, userID uint, opts ...Option) *Client {
	t.Helper()
	tok, err := auth.GenerateToken(userID, fmt.Sprint(userID), s.cfg.Auth)
	require.NoError(t, err)
	return New(s.url, tok, opts...)
}

// live runs c.Live in the background, applying every event to conv.
func (s *server) live(t *testing.T, c *Client, userID uint, conv *reconcile.Conversation) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Live(ctx, func(evt imtypes.Event) {
			assert.NoError(t, conv.Apply(evt))
		})
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, func() bool { return s.hub.ConnectionCount(userID) > 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestSendShowsOneBubble(t *testing.T) {
	s := startServer(t)
	alice := s.client(t, s.alice, WithTokenSource(func() string { return "draft-1" }))
	bob := s.client(t, s.bob)

	aliceView := reconcile.NewConversation(s.alice, s.bob)
	bobView := reconcile.NewConversation(s.bob, s.alice)
	s.live(t, alice, s.alice, aliceView)
	s.live(t, bob, s.bob, bobView)

	msg, err := alice.Send(context.Background(), aliceView, SendInput{Content: "hello bob"})
	require.NoError(t, err)
	require.NotNil(t, msg.CorrelationToken)
	assert.Equal(t, "draft-1", *msg.CorrelationToken)

	require.Eventually(t, func() bool { return len(bobView.Visible()) == 1 }, 2*time.Second, 5*time.Millisecond)

	// the REST response and the echoed new_message event merge into one bubble
	time.Sleep(50 * time.Millisecond)
	items := aliceView.Visible()
	require.Len(t, items, 1)
	assert.True(t, items[0].Confirmed)
	assert.Equal(t, msg.ID, items[0].ID())
	assert.True(t, msg.CreatedAt.Equal(items[0].Message.CreatedAt))

	got := bobView.Visible()[0]
	assert.Equal(t, "hello bob", got.Message.Content)
	assert.Equal(t, s.alice, got.Message.SenderID)
}

func TestSendFailureDiscardsDraft(t *testing.T) {
	s := startServer(t)
	alice := s.client(t, s.alice)
	self := reconcile.NewConversation(s.alice, s.alice)

	_, err := alice.Send(context.Background(), self, SendInput{Content: "note to self"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "self_conversation", apiErr.Code)
	assert.Empty(t, self.Items())
}

func TestUnauthenticatedClient(t *testing.T) {
	s := startServer(t)
	c := New(s.url, "not-a-jwt")
	conv := reconcile.NewConversation(s.alice, s.bob)

	err := c.FetchConversation(context.Background(), conv)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
}

func TestFetchConversationAndMarkAllRead(t *testing.T) {
	s := startServer(t)
	alice := s.client(t, s.alice)
	bob := s.client(t, s.bob)
	ctx := context.Background()

	aliceView := reconcile.NewConversation(s.alice, s.bob)
	for i := 0; i < 3; i++ {
		_, err := alice.Send(ctx, aliceView, SendInput{Content: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
	}

	bobView := reconcile.NewConversation(s.bob, s.alice)
	require.NoError(t, bob.FetchConversation(ctx, bobView))
	items := bobView.Visible()
	require.Len(t, items, 3)
	assert.Equal(t, "m0", items[0].Message.Content)
	assert.False(t, items[0].Message.IsRead)

	require.NoError(t, bob.MarkAllRead(ctx, bobView))
	require.NoError(t, alice.FetchConversation(ctx, aliceView))
	for _, it := range aliceView.Visible() {
		assert.True(t, it.Message.IsRead)
	}
}

func TestSendVoice(t *testing.T) {
	s := startServer(t)
	alice := s.client(t, s.alice)
	conv := reconcile.NewConversation(s.alice, s.bob)

	msg, err := alice.SendVoice(context.Background(), conv, voice.Clip{
		Data:     []byte("not really opus"),
		MimeType: "audio/ogg",
		Duration: 2 * time.Second,
	}, nil)
	require.NoError(t, err)
	var drafts []string
	for _, it := range conv.Items() {
		drafts = append(drafts, it.Message.MediaRef)
	}

	assert.Equal(t, models.KindVoice, msg.Kind)
	assert.True(t, strings.HasPrefix(msg.MediaRef, "/uploads/audio/"), msg.MediaRef)
	assert.True(t, strings.HasSuffix(msg.MediaRef, ".ogg"), msg.MediaRef)
	require.Len(t, drafts, 1)
	assert.Equal(t, msg.MediaRef, drafts[0], "the local draft was replaced")

	resp, err := http.Get(s.url + msg.MediaRef)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLiveRejectsBadToken(t *testing.T) {
	s := startServer(t)
	c := New(s.url, "bogus")
	err := c.Live(context.Background(), func(imtypes.Event) {})
	require.Error(t, err)
}
