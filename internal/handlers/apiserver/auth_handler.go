package apiserver

import (
	"fmt"
	"net/http"

	"dm-go/internal/auth"
	"dm-go/internal/middleware"
)

// AuthHandler 封装了认证相关的 HTTP 处理器方法。
// 令牌由外部账号系统签发，这里只负责吊销。
type AuthHandler struct {
	TokenBlacklist auth.TokenBlacklist
}

// NewAuthHandler 创建一个新的 AuthHandler 实例。
func NewAuthHandler(tokenBlacklist auth.TokenBlacklist) *AuthHandler {
	return &AuthHandler{TokenBlacklist: tokenBlacklist}
}

// LogoutHandler 处理用户登出请求，将当前 Token 加入黑名单。
func (h *AuthHandler) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetClaimsFromContext(r.Context())
	if !ok {
		writeJSONError(w, "用户未认证或无法解析用户声明", "NO_TOKEN", http.StatusUnauthorized)
		return
	}
	if claims.ID == "" || claims.ExpiresAt == nil {
		writeJSONError(w, "Token 缺少 JTI 或过期时间，无法执行登出", "INVALID_TOKEN", http.StatusBadRequest)
		return
	}

	if err := h.TokenBlacklist.Add(r.Context(), claims.ID, claims.ExpiresAt.Time); err != nil {
		writeAppError(w, r, fmt.Errorf("将 Token 加入黑名单失败: %w", err))
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"message": "登出成功"})
}
