package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"dm-go/internal/imtypes"
)

type mediaRefLister interface {
	ListMediaRefs(ctx context.Context) ([]string, error)
}

type assetStore interface {
	ListFiles(ctx context.Context, dir string) ([]imtypes.StoredFile, error)
	DeleteFile(ctx context.Context, ref string) error
}

// cleanupOrphans deletes the assets under dir that no live message references.
// Files modified within grace are skipped: their message may not be committed yet.
func cleanupOrphans(ctx context.Context, refs mediaRefLister, files assetStore, dir string, grace time.Duration, dryRun bool) ([]string, error) {
	live, err := refs.ListMediaRefs(ctx)
	if err != nil {
		return nil, fmt.Errorf("查询消息引用失败: %w", err)
	}
	owned := make(map[string]struct{}, len(live))
	for _, ref := range live {
		owned[ref] = struct{}{}
	}

	stored, err := files.ListFiles(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("列出 %s 下的文件失败: %w", dir, err)
	}

	cutoff := time.Now().Add(-grace)
	var removed []string
	for _, f := range stored {
		if _, ok := owned[f.Ref]; ok || f.ModTime.After(cutoff) {
			continue
		}
		if !dryRun {
			if err := files.DeleteFile(ctx, f.Ref); err != nil {
				zap.S().Warnf("删除孤立文件 %s 失败: %v", f.Ref, err)
				continue
			}
		}
		removed = append(removed, f.Ref)
	}
	return removed, nil
}
