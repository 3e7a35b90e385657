package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"dm-go/internal/apperr"
	"dm-go/internal/config"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims 是 JWT 中的自定义声明，嵌入了 jwt.RegisteredClaims。
// 令牌由外部认证服务签发，这里只负责验证。
type Claims struct {
	UserID   uint   `json:"userId"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// GenerateToken 为指定用户生成一个新的 JWT。
// 仅供开发环境和管理工具使用。
func GenerateToken(userID uint, username string, authCfg config.AuthConfig) (string, error) {
	jwtID, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("生成 JWT ID 失败: %w", err)
	}

	now := time.Now()
	claims := &Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(authCfg.JWTExpiry)),
			ID:        jwtID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    authCfg.Issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(authCfg.JWTSecretKey))
	if err != nil {
		return "", fmt.Errorf("生成 JWT 失败: %w", err)
	}
	return tokenString, nil
}

// ValidateToken 验证给定的 JWT 字符串的有效性。
// 任何失败都归类为 apperr.ErrInvalidToken，原因保留在错误链中。
// blacklist 可以为 nil。
func ValidateToken(ctx context.Context, tokenString string, jwtKey string, blacklist TokenBlacklist) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		// 确保签名算法是我们期望的
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("非预期的签名算法: %v", token.Header["alg"])
		}
		return []byte(jwtKey), nil
	})
	if err != nil {
		return nil, apperr.ErrInvalidToken.With(fmt.Errorf("解析或验证 JWT 失败: %w", err))
	}
	if !token.Valid || claims.UserID == 0 {
		return nil, apperr.ErrInvalidToken.With(fmt.Errorf("JWT 无效"))
	}

	if blacklist != nil {
		if claims.ID == "" {
			return nil, apperr.ErrInvalidToken.With(fmt.Errorf("JWT 缺少 JTI (ID) 声明，无法检查黑名单"))
		}
		isRevoked, err := blacklist.IsBlacklisted(ctx, claims.ID)
		if err != nil {
			// 为了更安全，检查失败时拒绝
			return nil, apperr.ErrInvalidToken.With(fmt.Errorf("检查 Token 黑名单失败: %w", err))
		}
		if isRevoked {
			return nil, apperr.ErrInvalidToken.With(fmt.Errorf("JWT 已被吊销"))
		}
	}

	return claims, nil
}

// TokenFromRequest extracts the bearer credential from the Authorization
// header, falling back to the token query parameter (browsers cannot set
// headers on a websocket upgrade). It returns "" if neither is present.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
