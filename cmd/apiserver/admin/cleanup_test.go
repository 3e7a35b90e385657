package main

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dm-go/internal/config"
	"dm-go/internal/imtypes"
	"dm-go/internal/storage"
)

type staticRefs []string

func (r staticRefs) ListMediaRefs(context.Context) ([]string, error) { return r, nil }

func upload(t *testing.T, files *storage.LocalStorageService, age time.Duration) *imtypes.FileInfo {
	t.Helper()
	info, err := files.UploadFile(context.Background(), "audio", strings.NewReader("opus"), -1, "a.webm", "audio/webm")
	require.NoError(t, err)
	old := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(info.Path, old, old))
	return info
}

func TestCleanupOrphans(t *testing.T) {
	files, err := storage.NewLocalStorageService(config.StorageConfig{LocalPath: t.TempDir(), BaseURL: "/uploads"})
	require.NoError(t, err)

	kept := upload(t, files, 2*time.Hour)
	orphan := upload(t, files, 2*time.Hour)
	fresh := upload(t, files, time.Minute)
	refs := staticRefs{kept.URL}
	ctx := context.Background()

	removed, err := cleanupOrphans(ctx, refs, files, "audio", time.Hour, true)
	require.NoError(t, err)
	assert.Equal(t, []string{orphan.URL}, removed)
	assert.FileExists(t, orphan.Path, "dry run keeps files")

	removed, err = cleanupOrphans(ctx, refs, files, "audio", time.Hour, false)
	require.NoError(t, err)
	assert.Equal(t, []string{orphan.URL}, removed)
	assert.NoFileExists(t, orphan.Path)
	assert.FileExists(t, kept.Path)
	assert.FileExists(t, fresh.Path)
}
