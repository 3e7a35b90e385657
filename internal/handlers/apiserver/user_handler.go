package apiserver

import (
	"net/http"

	"github.com/gorilla/mux"

	"dm-go/internal/services"
)

// UserHandler 封装了用户目录相关的 HTTP 处理器方法。
type UserHandler struct {
	userService services.UserService
}

// NewUserHandler 创建一个新的 UserHandler 实例。
func NewUserHandler(userService services.UserService) *UserHandler {
	return &UserHandler{userService: userService}
}

// RegisterRoutes mounts the user routes on an authenticated router.
func (h *UserHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/users/me", h.GetMyProfileHandler).Methods(http.MethodGet)
	r.HandleFunc("/users/{userID:[0-9]+}", h.GetUserProfileHandler).Methods(http.MethodGet)
}

// GetMyProfileHandler 处理获取当前登录用户信息的请求。
func (h *UserHandler) GetMyProfileHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	user, err := h.userService.GetUserProfile(r.Context(), userID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, user)
}

// GetUserProfileHandler 处理获取指定用户公开信息的请求。
func (h *UserHandler) GetUserProfileHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "userID")
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	user, err := h.userService.GetUserProfile(r.Context(), userID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, user)
}
