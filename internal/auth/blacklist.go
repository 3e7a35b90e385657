package auth

import (
	"context"
	"sync"
	"time"
)

// TokenBlacklist 定义了 Token 黑名单的存储操作接口
type TokenBlacklist interface {
	// Add 将 jti 加入黑名单，并使其在 Token 的原始过期时间点之后自动从黑名单中移除。
	Add(ctx context.Context, jti string, originalTokenExpTime time.Time) error
	// IsBlacklisted 检查 jti 是否存在于黑名单中。
	IsBlacklisted(ctx context.Context, jti string) (bool, error)
}

// MemoryBlacklist is a single-process TokenBlacklist used when Redis is
// disabled. Entries are dropped once the token would have expired anyway.
type MemoryBlacklist struct {
	mu      sync.Mutex
	now     func() time.Time
	revoked map[string]time.Time
}

// NewMemoryBlacklist 创建一个进程内的黑名单。
func NewMemoryBlacklist() *MemoryBlacklist {
	return &MemoryBlacklist{now: time.Now, revoked: make(map[string]time.Time)}
}

func (b *MemoryBlacklist) Add(_ context.Context, jti string, originalTokenExpTime time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	for k, exp := range b.revoked {
		if !exp.After(now) {
			delete(b.revoked, k)
		}
	}
	if originalTokenExpTime.After(now) {
		b.revoked[jti] = originalTokenExpTime
	}
	return nil
}

func (b *MemoryBlacklist) IsBlacklisted(_ context.Context, jti string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	exp, ok := b.revoked[jti]
	return ok && exp.After(b.now()), nil
}
