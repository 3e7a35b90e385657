package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"go.uber.org/zap"

	"dm-go/internal/apperr"
	"dm-go/internal/metrics"
)

// Job enhances Source into Target. Source and Target may be the same file.
type Job struct {
	Source string
	Target string
}

// Result is the outcome of a job.
type Result string

const (
	Enhanced  Result = "enhanced"
	Fallback  Result = "fallback"  // 转码失败，目标保留原始字节
	Discarded Result = "discarded" // 目标在处理期间被删除
	Failed    Result = "failed"
)

// Resolver maps a stable media reference to a path on disk.
type Resolver interface {
	ResolvePath(ref string) (string, error)
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithTimeout bounds a single transcode.
func WithTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.timeout = d }
}

// WithResultHook is called after every asynchronous job.
func WithResultHook(fn func(Job, Result)) Option {
	return func(p *Pipeline) { p.onResult = fn }
}

// Pipeline runs enhancement and removal jobs on a bounded worker pool.
//
// A removal that happens while jobs for the same target are queued or running
// leaves a tombstone; those jobs discard their output instead of recreating
// the file. The tombstone is cleared when the last such job finishes.
type Pipeline struct {
	tr       Transcoder
	resolver Resolver
	pool     *workerpool.WorkerPool
	timeout  time.Duration
	onResult func(Job, Result)
	log      *zap.Logger

	mu       sync.Mutex
	inflight map[string]int
	removed  map[string]struct{}
}

// NewPipeline 创建音频增强流水线，workers 为并发转码数。
func NewPipeline(tr Transcoder, resolver Resolver, workers int, opts ...Option) *Pipeline {
	if workers <= 0 {
		workers = 1
	}
	p := &Pipeline{
		tr:       tr,
		resolver: resolver,
		pool:     workerpool.New(workers),
		timeout:  2 * time.Minute,
		log:      zap.L().Named("media"),
		inflight: make(map[string]int),
		removed:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SubmitEnhance queues in-place enhancement of the asset behind ref.
func (p *Pipeline) SubmitEnhance(ref string) {
	path, err := p.resolver.ResolvePath(ref)
	if err != nil {
		p.log.Warn("enhance: unresolvable media ref", zap.String("ref", ref), zap.Error(err))
		return
	}
	p.Submit(Job{Source: path, Target: path})
}

// ScheduleRemoval deletes the asset behind ref asynchronously.
func (p *Pipeline) ScheduleRemoval(ref string) {
	path, err := p.resolver.ResolvePath(ref)
	if err != nil {
		p.log.Warn("remove: unresolvable media ref", zap.String("ref", ref), zap.Error(err))
		return
	}
	p.tombstone(path)
	p.pool.Submit(func() { p.deleteFile(path) })
}

// Submit queues job. It never blocks on the transcode.
func (p *Pipeline) Submit(job Job) {
	p.begin(job.Target)
	p.pool.Submit(func() {
		defer p.done(job.Target)
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		res := p.run(ctx, job)
		if p.onResult != nil {
			p.onResult(job, res)
		}
	})
}

// Enhance runs job synchronously.
func (p *Pipeline) Enhance(ctx context.Context, job Job) Result {
	p.begin(job.Target)
	defer p.done(job.Target)
	return p.run(ctx, job)
}

// Remove deletes path now, discarding any in-flight output for it.
func (p *Pipeline) Remove(path string) error {
	p.tombstone(path)
	return p.deleteFile(path)
}

// Stop waits for queued jobs and stops the workers.
func (p *Pipeline) Stop() {
	p.pool.StopWait()
}

func (p *Pipeline) run(ctx context.Context, job Job) Result {
	res := p.process(ctx, job)
	metrics.MediaJobs.WithLabelValues(string(res)).Inc()
	return res
}

func (p *Pipeline) process(ctx context.Context, job Job) Result {
	if p.isRemoved(job.Target) {
		return Discarded
	}

	tmp, err := p.tempFor(job.Target)
	if err != nil {
		p.log.Error("enhance: create temp file", zap.String("target", job.Target), zap.Error(err))
		return Failed
	}
	defer os.Remove(tmp) // no-op after a successful rename

	terr := p.tr.Transcode(ctx, job.Source, tmp)
	if terr == nil {
		return p.commit(tmp, job.Target, Enhanced)
	}
	if !errors.Is(terr, apperr.ErrTranscodeFailed) {
		terr = apperr.ErrTranscodeFailed.With(terr)
	}
	p.log.Warn("enhance: transcode failed, keeping original",
		zap.String("source", job.Source), zap.String("target", job.Target), zap.Error(terr))

	if samePath(job.Source, job.Target) {
		// 原始字节已经在目标位置
		if p.isRemoved(job.Target) {
			return Discarded
		}
		return Fallback
	}
	if err := copyFile(job.Source, tmp); err != nil {
		p.log.Error("enhance: fallback copy failed", zap.String("source", job.Source), zap.Error(err))
		return Failed
	}
	return p.commit(tmp, job.Target, Fallback)
}

// commit renames tmp over target unless target was removed meanwhile.
func (p *Pipeline) commit(tmp, target string, ok Result) Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, gone := p.removed[target]; gone {
		return Discarded
	}
	if err := os.Rename(tmp, target); err != nil {
		p.log.Error("enhance: rename failed", zap.String("target", target), zap.Error(err))
		return Failed
	}
	return ok
}

func (p *Pipeline) tempFor(target string) (string, error) {
	f, err := os.CreateTemp(filepath.Dir(target), ".enhance-*"+filepath.Ext(target))
	if err != nil {
		return "", err
	}
	name := f.Name()
	if err := f.Chmod(0o644); err != nil {
		f.Close()
		os.Remove(name)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}

func (p *Pipeline) begin(target string) {
	p.mu.Lock()
	p.inflight[target]++
	p.mu.Unlock()
}

func (p *Pipeline) done(target string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inflight[target]--; p.inflight[target] <= 0 {
		delete(p.inflight, target)
		delete(p.removed, target)
	}
}

// tombstone marks path as removed if any job for it is still pending.
func (p *Pipeline) tombstone(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inflight[path] > 0 {
		p.removed[path] = struct{}{}
	}
}

func (p *Pipeline) isRemoved(path string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, gone := p.removed[path]
	return gone
}

func (p *Pipeline) deleteFile(path string) error {
	err := os.Remove(path)
	switch {
	case err == nil:
		metrics.MediaRemovals.WithLabelValues("ok").Inc()
	case errors.Is(err, fs.ErrNotExist):
		metrics.MediaRemovals.WithLabelValues("missing").Inc()
		return nil
	default:
		metrics.MediaRemovals.WithLabelValues("error").Inc()
		p.log.Error("remove media failed", zap.String("path", path), zap.Error(err))
		return fmt.Errorf("删除媒体文件失败 %s: %w", path, err)
	}
	return nil
}

func samePath(a, b string) bool {
	return filepath.Clean(a) == filepath.Clean(b)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
