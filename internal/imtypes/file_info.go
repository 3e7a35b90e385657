// internal/imtypes/file_info.go
package imtypes

import "time"

// FileInfo 包含上传文件的基本信息和访问路径。
type FileInfo struct {
	URL      string `json:"url"`      // 稳定的文件引用，即消息的 mediaRef
	Path     string `json:"-"`        // 文件在本地磁盘上的路径
	Size     int64  `json:"size"`     // 文件大小 (字节)
	MimeType string `json:"mimeType"` // 文件的 MIME 类型
	FileName string `json:"fileName"` // 原始文件名
}

// StoredFile describes an asset found on disk.
type StoredFile struct {
	Ref     string
	Path    string
	ModTime time.Time
}
