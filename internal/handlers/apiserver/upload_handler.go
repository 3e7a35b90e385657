package apiserver

import (
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"dm-go/internal/apperr"
	"dm-go/internal/config"
	"dm-go/internal/imtypes"
)

// UploadHandler 封装了文件上传相关的 HTTP 处理器方法。
// 上传得到的 url 作为 kind=file 消息的 mediaRef。
type UploadHandler struct {
	storageService imtypes.StorageService
	cfg            config.StorageConfig
}

// NewUploadHandler 创建一个新的 UploadHandler 实例。
func NewUploadHandler(storageService imtypes.StorageService, cfg config.StorageConfig) *UploadHandler {
	return &UploadHandler{
		storageService: storageService,
		cfg:            cfg,
	}
}

// UploadFileHandler 处理文件上传请求，表单字段为 file。
func (h *UploadHandler) UploadFileHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := currentUser(w, r); !ok {
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

	file, header, err := r.FormFile("file")
	if err != nil {
		writeAppError(w, r, apperr.ErrInvalidRequest.With(fmt.Errorf("请求中缺少 'file' 字段: %w", err)))
		return
	}
	defer file.Close()

	mimeType := header.Header.Get("Content-Type")
	zap.S().Infof("收到上传文件: 名称=%s, 大小=%d, 类型=%s", header.Filename, header.Size, mimeType)

	fileInfo, err := h.storageService.UploadFile(r.Context(), h.cfg.FilesDir, file, header.Size, header.Filename, mimeType)
	if err != nil {
		writeAppError(w, r, fmt.Errorf("存储文件失败: %w", err))
		return
	}
	writeJSONResponse(w, http.StatusCreated, fileInfo)
}
