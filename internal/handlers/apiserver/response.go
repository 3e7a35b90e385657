package apiserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"dm-go/internal/apperr"
	"dm-go/internal/middleware"
)

// ErrorResponse 是 API 错误响应的通用结构体。
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

var validate = newValidator()

// newValidator reports field errors by their json names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		for _, tag := range []string{"json", "form"} {
			name := strings.SplitN(fld.Tag.Get(tag), ",", 2)[0]
			if name != "" && name != "-" {
				return name
			}
		}
		return fld.Name
	})
	return v
}

// decodeAndValidate 解析 JSON 请求体并校验字段。
func decodeAndValidate(r *http.Request, dst any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperr.ErrInvalidRequest.With(err)
	}
	if err := validate.Struct(dst); err != nil {
		return apperr.ErrInvalidRequest.With(err)
	}
	return nil
}

// writeJSONResponse 是一个辅助函数，用于发送 JSON 响应。
func writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// 头部已经发送，只能记录日志
			zap.S().Warnf("无法编码 JSON 响应: %v", err)
		}
	}
}

// writeJSONError 是一个辅助函数，用于发送 JSON 格式的错误响应。
func writeJSONError(w http.ResponseWriter, message, code string, statusCode int) {
	writeJSONResponse(w, statusCode, ErrorResponse{Error: message, Code: code})
}

// writeAppError maps err to its status code. Unclassified errors are logged
// and answered with a generic 500.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch kind := apperr.KindOf(err); kind {
	case apperr.Internal, apperr.UpstreamMediaFailure:
	default:
		ae, _ := apperr.As(err)
		reason := ae.Reason
		if ae.Code == apperr.ErrInvalidRequest.Code && ae.Err != nil {
			reason = ae.Reason + ": " + ae.Err.Error()
		}
		writeJSONError(w, reason, ae.Code, kind.HTTPStatus())
		return
	}
	zap.L().Error("请求处理失败",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Error(err))
	writeJSONError(w, "internal server error", "internal", http.StatusInternalServerError)
}

// currentUser 从上下文中获取已认证的用户ID。
func currentUser(w http.ResponseWriter, r *http.Request) (uint, bool) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeJSONError(w, "authentication token is required", apperr.ErrMissingToken.Code, http.StatusUnauthorized)
		return 0, false
	}
	return userID, true
}

// pathID parses the named path variable as a positive ID.
func pathID(r *http.Request, name string) (uint, error) {
	raw := mux.Vars(r)[name]
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, apperr.ErrInvalidRequest.With(fmt.Errorf("invalid %s %q", name, raw))
	}
	return uint(id), nil
}
