package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"dm-go/internal/config"
	"dm-go/internal/imtypes"
)

// ErrInvalidRef is returned for references outside the storage area.
var ErrInvalidRef = errors.New("storage: reference outside upload area")

// LocalStorageService 实现了 imtypes.StorageService 接口。
type LocalStorageService struct {
	basePath string // 本地存储的基础路径，例如 "./uploads"
	baseURL  string // 文件引用的前缀，例如 "/uploads"
}

// NewLocalStorageService 创建一个新的 LocalStorageService 实例。
func NewLocalStorageService(cfg config.StorageConfig) (*LocalStorageService, error) {
	if err := os.MkdirAll(cfg.LocalPath, 0o755); err != nil {
		return nil, fmt.Errorf("创建本地存储目录失败 '%s': %w", cfg.LocalPath, err)
	}
	abs, err := filepath.Abs(cfg.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("解析本地存储目录失败 '%s': %w", cfg.LocalPath, err)
	}
	return &LocalStorageService{
		basePath: abs,
		baseURL:  "/" + strings.Trim(cfg.BaseURL, "/"),
	}, nil
}

// UploadFile 将文件保存到 basePath/dir 下，文件名为 uuid 加原始扩展名。
func (s *LocalStorageService) UploadFile(ctx context.Context, dir string, reader io.Reader, fileSize int64, fileName string, mimeType string) (*imtypes.FileInfo, error) {
	dir = strings.Trim(path.Clean("/"+dir), "/")

	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		// 如果没有扩展名，尝试从 MIME 类型推断
		if extensions, _ := mime.ExtensionsByType(mimeType); len(extensions) > 0 {
			ext = extensions[0]
		}
	}
	uniqueFileName := uuid.New().String() + ext

	dstDir := filepath.Join(s.basePath, filepath.FromSlash(dir))
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建目录失败 '%s': %w", dstDir, err)
	}
	dstPath := filepath.Join(dstDir, uniqueFileName)

	dst, err := os.Create(dstPath)
	if err != nil {
		return nil, fmt.Errorf("创建目标文件失败 '%s': %w", dstPath, err)
	}
	written, err := io.Copy(dst, reader)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dstPath)
		return nil, fmt.Errorf("写入文件失败: %w", err)
	}
	if fileSize >= 0 && written != fileSize {
		os.Remove(dstPath)
		return nil, fmt.Errorf("文件大小不匹配: 预期 %d, 实际写入 %d", fileSize, written)
	}

	return &imtypes.FileInfo{
		URL:      s.refFor(dir, uniqueFileName),
		Path:     dstPath,
		Size:     written,
		MimeType: mimeType,
		FileName: fileName,
	}, nil
}

func (s *LocalStorageService) refFor(dir, name string) string {
	if dir == "" {
		return s.baseURL + "/" + name
	}
	return s.baseURL + "/" + dir + "/" + name
}

// ResolvePath maps /uploads/<dir>/<name> to basePath/<dir>/<name>.
func (s *LocalStorageService) ResolvePath(ref string) (string, error) {
	prefix := s.baseURL + "/"
	if !strings.HasPrefix(ref, prefix) {
		return "", ErrInvalidRef
	}
	rel := path.Clean("/" + strings.TrimPrefix(ref, prefix))
	if rel == "/" {
		return "", ErrInvalidRef
	}
	return filepath.Join(s.basePath, filepath.FromSlash(strings.TrimPrefix(rel, "/"))), nil
}

// DeleteFile removes the asset behind ref.
func (s *LocalStorageService) DeleteFile(ctx context.Context, ref string) error {
	p, err := s.ResolvePath(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("删除文件失败 '%s': %w", p, err)
	}
	return nil
}

// ListFiles lists regular files directly under dir, skipping temp files.
func (s *LocalStorageService) ListFiles(ctx context.Context, dir string) ([]imtypes.StoredFile, error) {
	dir = strings.Trim(path.Clean("/"+dir), "/")
	entries, err := os.ReadDir(filepath.Join(s.basePath, filepath.FromSlash(dir)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	files := make([]imtypes.StoredFile, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, imtypes.StoredFile{
			Ref:     s.refFor(dir, e.Name()),
			Path:    filepath.Join(s.basePath, filepath.FromSlash(dir), e.Name()),
			ModTime: info.ModTime(),
		})
	}
	return files, nil
}

// BasePath returns the storage root on disk.
func (s *LocalStorageService) BasePath() string { return s.basePath }
