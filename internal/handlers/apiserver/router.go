package apiserver

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"dm-go/internal/auth"
	"dm-go/internal/config"
	"dm-go/internal/imtypes"
	"dm-go/internal/middleware"
	"dm-go/internal/services"
)

// RouterDeps collects what the API router serves.
type RouterDeps struct {
	Config    config.Config
	Messages  services.MessageService
	Presence  services.PresenceService
	Users     services.UserService
	Storage   imtypes.StorageService
	Blacklist auth.TokenBlacklist
	// WebSocket is mounted at SERVER.WEBSOCKET_PATH when set (local fan-out).
	WebSocket http.Handler
	Logger    *zap.Logger
}

// NewRouter 设置 HTTP 路由。
func NewRouter(d RouterDeps) *mux.Router {
	logger := d.Logger
	if logger == nil {
		logger = zap.L()
	}

	r := mux.NewRouter()
	r.Use(middleware.RequestLogger(logger.Named("http")))

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	if d.WebSocket != nil {
		wsPath := d.Config.Server.WebSocketPath
		if wsPath == "" {
			wsPath = "/ws"
		}
		r.Handle(wsPath, d.WebSocket)
	}

	// 静态文件服务，引用路径与 mediaRef 一致
	if d.Config.Storage.Type == "" || d.Config.Storage.Type == "local" {
		staticPath := "/" + strings.Trim(d.Config.Storage.BaseURL, "/") + "/"
		r.PathPrefix(staticPath).Handler(http.StripPrefix(staticPath, http.FileServer(http.Dir(d.Config.Storage.LocalPath))))
	}

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.AuthMiddleware(d.Config.Auth, d.Blacklist))

	if d.Blacklist != nil {
		authHandler := NewAuthHandler(d.Blacklist)
		api.HandleFunc("/auth/logout", authHandler.LogoutHandler).Methods(http.MethodPost)
	}
	if d.Users != nil {
		NewUserHandler(d.Users).RegisterRoutes(api)
	}
	if d.Storage != nil {
		uploadHandler := NewUploadHandler(d.Storage, d.Config.Storage)
		api.HandleFunc("/upload", uploadHandler.UploadFileHandler).Methods(http.MethodPost)
	}
	NewMessageHandler(d.Messages, d.Presence, d.Config.Storage).RegisterRoutes(api)

	return r
}
