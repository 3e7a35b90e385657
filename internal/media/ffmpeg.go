// Package media enhances uploaded voice clips off the request path.
package media

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"

	"dm-go/internal/apperr"
	"dm-go/internal/config"
)

// Transcoder turns the audio at src into an enhanced file at dst.
// dst may already exist and must be overwritten.
type Transcoder interface {
	Transcode(ctx context.Context, src, dst string) error
}

// FFmpeg shells out to the ffmpeg binary.
type FFmpeg struct {
	cfg config.MediaConfig
}

// NewFFmpeg 创建一个基于 ffmpeg 命令行的 Transcoder。
func NewFFmpeg(cfg config.MediaConfig) *FFmpeg {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	return &FFmpeg{cfg: cfg}
}

// Args returns the ffmpeg arguments for one job.
func (f *FFmpeg) Args(src, dst string) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-y", "-i", src}
	if f.cfg.AudioFilter != "" {
		args = append(args, "-af", f.cfg.AudioFilter)
	}
	if f.cfg.AudioCodec != "" {
		args = append(args, "-c:a", f.cfg.AudioCodec)
	}
	if f.cfg.Bitrate != "" {
		args = append(args, "-b:a", f.cfg.Bitrate)
	}
	if f.cfg.SampleRate > 0 {
		args = append(args, "-ar", strconv.Itoa(f.cfg.SampleRate))
	}
	args = append(args, "-vn")
	if f.cfg.Format != "" {
		args = append(args, "-f", f.cfg.Format)
	}
	return append(args, dst)
}

// Transcode runs ffmpeg and classifies any failure as ErrTranscodeFailed.
func (f *FFmpeg) Transcode(ctx context.Context, src, dst string) error {
	cmd := exec.CommandContext(ctx, f.cfg.FFmpegPath, f.Args(src, dst)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return apperr.ErrTranscodeFailed.With(fmt.Errorf("ffmpeg %s: %w: %s", src, err, tail(stderr.Bytes(), 512)))
	}
	return nil
}

func tail(b []byte, n int) string {
	b = bytes.TrimSpace(b)
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}
