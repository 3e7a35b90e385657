// internal/imtypes/storage_service_iface.go
package imtypes

import (
	"context"
	"io"
)

// StorageService 定义了文件存储操作的接口。
// 将接口定义放在 imtypes 中以打破 storage 和 services 之间的循环依赖。
//
// 文件以稳定的引用 (例如 /uploads/audio/<uuid>.webm) 对外暴露，
// 引用在整个生命周期内不变，音频增强只替换引用背后的字节。
type StorageService interface {
	// UploadFile stores the reader's content under dir with a generated name.
	// A negative fileSize skips the size check.
	UploadFile(ctx context.Context, dir string, reader io.Reader, fileSize int64, fileName string, mimeType string) (*FileInfo, error)

	// ResolvePath maps a reference returned by UploadFile to its location on disk.
	ResolvePath(ref string) (string, error)

	// DeleteFile removes the asset behind ref. Missing files are not an error.
	DeleteFile(ctx context.Context, ref string) error

	// ListFiles lists the assets stored under dir.
	ListFiles(ctx context.Context, dir string) ([]StoredFile, error)
}
