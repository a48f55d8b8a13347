package ratelimit

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lvdashuaibi/gatekeeper/config"
	"github.com/lvdashuaibi/gatekeeper/internal/repository"
)

// 限流场景
const (
	ScopeScan = "scan"
	ScopeAPI  = "api"
	ScopeSync = "sync"
)

// WindowStore 固定窗口计数与设备封禁存储
type WindowStore interface {
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
	BlockDevice(ctx context.Context, deviceID string, duration time.Duration) error
	IsDeviceBlocked(ctx context.Context, deviceID string) (bool, error)
}

// Decision 限流判定结果
type Decision struct {
	Allowed    bool
	Blocked    bool
	RetryAfter time.Duration
}

// Limiter 设备/员工维度的固定窗口限流与滥用探测
// 缓存不可用时放行而非拒绝，降级只记录一次日志
type Limiter struct {
	store       WindowStore
	degradeOnce sync.Once
}

func NewLimiter(store WindowStore) *Limiter {
	return &Limiter{store: store}
}

// Allow 判定一次入站请求
// 超阈值时返回距窗口滚动的重试提示；admin等运营角色不限流
func (l *Limiter) Allow(ctx context.Context, scope, deviceID, callerID, role string) *Decision {
	cfg := config.AppConfig.RateLimit

	if role != "" && role == cfg.SuperRole {
		return &Decision{Allowed: true}
	}

	// 硬封禁优先于窗口计数
	blocked, err := l.store.IsDeviceBlocked(ctx, deviceID)
	if err != nil {
		l.degrade(err)
		return &Decision{Allowed: true}
	}
	if blocked {
		return &Decision{Allowed: false, Blocked: true, RetryAfter: cfg.BlockDuration}
	}

	key := fmt.Sprintf("%s%s:%s:%s", repository.RateWindowKey, scope, deviceID, callerID)
	count, ttl, err := l.store.IncrWindow(ctx, key, cfg.Window)
	if err != nil {
		l.degrade(err)
		return &Decision{Allowed: true}
	}

	if count > int64(l.limitFor(scope)) {
		return &Decision{Allowed: false, RetryAfter: ttl}
	}

	return &Decision{Allowed: true}
}

// RecordFailure 记录一次校验失败
// 短窗口内失败次数超过阈值的设备会被硬封禁
func (l *Limiter) RecordFailure(ctx context.Context, deviceID string) {
	cfg := config.AppConfig.RateLimit

	key := repository.FailureCountKey + deviceID
	count, _, err := l.store.IncrWindow(ctx, key, cfg.FailureWindow)
	if err != nil {
		l.degrade(err)
		return
	}

	if count > int64(cfg.FailureLimit) {
		if err := l.store.BlockDevice(ctx, deviceID, cfg.BlockDuration); err != nil {
			l.degrade(err)
			return
		}
		log.Printf("设备 %s 在 %v 内校验失败 %d 次，已封禁 %v",
			deviceID, cfg.FailureWindow, count, cfg.BlockDuration)
	}
}

// NoteTicketAttempt 记录同一设备对同一张票的反复尝试
// 超过阈值时只标记可疑供事后审计，不拦截请求
func (l *Limiter) NoteTicketAttempt(ctx context.Context, deviceID, ticketID string) (bool, error) {
	cfg := config.AppConfig.RateLimit

	key := repository.SameTicketKey + deviceID + ":" + ticketID
	count, _, err := l.store.IncrWindow(ctx, key, cfg.Window)
	if err != nil {
		l.degrade(err)
		return false, nil
	}

	if count > int64(cfg.SameTicketLimit) {
		log.Printf("设备 %s 对票 %s 在 %v 内尝试 %d 次，标记可疑", deviceID, ticketID, cfg.Window, count)
		return true, nil
	}

	return false, nil
}

// limitFor 各场景的窗口阈值
func (l *Limiter) limitFor(scope string) int {
	cfg := config.AppConfig.RateLimit
	switch scope {
	case ScopeScan:
		return cfg.ScanPerWindow
	case ScopeSync:
		return cfg.SyncPerWindow
	default:
		return cfg.APIPerWindow
	}
}

// degrade 缓存不可用时降级放行，只记录一次日志避免刷屏
func (l *Limiter) degrade(err error) {
	l.degradeOnce.Do(func() {
		log.Printf("限流存储不可用，降级为放行: %v", err)
	})
}
