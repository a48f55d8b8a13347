package lock

import (
	"fmt"
	"time"

	"github.com/lvdashuaibi/gatekeeper/config"
)

// Lock 分布式锁接口
// 用于序列化同一设备的补录批次和对账任务的选主
type Lock interface {
	// AcquireLock 获取分布式锁，bool表示是否成功
	AcquireLock(lockName string, timeout time.Duration) (bool, error)

	// RefreshLock 刷新锁的过期时间
	RefreshLock(lockName string, timeout time.Duration) (bool, error)

	// ReleaseLock 释放分布式锁
	ReleaseLock(lockName string) error

	// ReleaseAllLocks 释放所有持有的锁
	ReleaseAllLocks()

	// Close 关闭分布式锁客户端
	Close() error
}

// New 按配置选择锁实现
func New() (Lock, error) {
	switch config.AppConfig.Lock.Backend {
	case "etcd":
		return NewETCDLock()
	case "redlock", "":
		return NewRedLock()
	default:
		return nil, fmt.Errorf("未知的锁实现: %s", config.AppConfig.Lock.Backend)
	}
}
