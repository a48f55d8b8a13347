package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/lvdashuaibi/gatekeeper/config"
	"github.com/lvdashuaibi/gatekeeper/internal/model"
)

const (
	// Redis键前缀
	ScannedMarkerKey = "scan:marker:"
	TicketLookupKey  = "ticket:lookup:"
	EventCounterKey  = "counter:event:"
	GateCounterKey   = "counter:gate:"
	StaffCounterKey  = "counter:staff:"
	RateWindowKey    = "rate:window:"
	FailureCountKey  = "rate:failure:"
	SameTicketKey    = "rate:ticket:"
	DeviceBlockKey   = "rate:block:"

	// 已扫标记TTL: 跨越单场活动但限制内存占用
	ScannedMarkerTTL = 7 * 24 * time.Hour
	// 票务查询缓存TTL: 纯加速用途，随时可失效
	TicketLookupTTL = time.Hour
	// 计数器TTL
	CounterTTL = 24 * time.Hour

	// Lua脚本
	// 原子的set-if-absent: 仅当标记不存在时写入并设置TTL，
	// 返回 {1, ""} 表示写入成功，{0, 原值} 表示标记已存在
	MarkScannedScript = `
		local existing = redis.call('GET', KEYS[1])
		if existing then
			return {0, existing}
		end
		redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
		return {1, ""}
	`
)

type RedisRepository struct {
	client       *redis.Client
	scriptHashes map[string]string // 存储脚本SHA1哈希值
}

func NewRedisRepository() (*RedisRepository, error) {
	ctx := context.Background()

	client := redis.NewClient(&redis.Options{
		Addr:         config.AppConfig.Redis.DataAddress,
		Password:     config.AppConfig.Redis.Password,
		DB:           config.AppConfig.Redis.DB,
		PoolSize:     config.AppConfig.Redis.PoolSize,
		MaxRetries:   config.AppConfig.Redis.MaxRetries,
		DialTimeout:  config.AppConfig.Redis.Timeout,
		ReadTimeout:  config.AppConfig.Redis.Timeout,
		WriteTimeout: config.AppConfig.Redis.Timeout,
	})

	// 测试连接
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("Redis连接测试失败: %w", err)
	}

	repo := &RedisRepository{
		client:       client,
		scriptHashes: make(map[string]string),
	}

	// 预加载Lua脚本
	if err := repo.preloadScripts(ctx); err != nil {
		return nil, fmt.Errorf("预加载Lua脚本失败: %w", err)
	}

	return repo, nil
}

// preloadScripts 预加载所有Lua脚本
func (r *RedisRepository) preloadScripts(ctx context.Context) error {
	sha1, err := r.client.ScriptLoad(ctx, MarkScannedScript).Result()
	if err != nil {
		return fmt.Errorf("加载已扫标记脚本失败: %w", err)
	}
	r.scriptHashes["markScanned"] = sha1
	return nil
}

// MarkScanned 原子写入已扫标记
// 仅当标记不存在时写入，返回是否由本次调用写入
func (r *RedisRepository) MarkScanned(ctx context.Context, eventID, ticketID, scanID string) (bool, error) {
	key := ScannedMarkerKey + eventID + ":" + ticketID

	sha1, ok := r.scriptHashes["markScanned"]
	if !ok {
		return false, fmt.Errorf("脚本未预加载")
	}

	result, err := r.client.EvalSha(ctx, sha1, []string{key},
		scanID, int64(ScannedMarkerTTL/time.Millisecond)).Result()
	if err != nil {
		// 脚本不存在时重新加载并再次尝试
		if err.Error() == "NOSCRIPT No matching script. Please use EVAL." {
			sha1, err = r.client.ScriptLoad(ctx, MarkScannedScript).Result()
			if err != nil {
				return false, fmt.Errorf("重新加载已扫标记脚本失败: %w", err)
			}
			r.scriptHashes["markScanned"] = sha1

			result, err = r.client.EvalSha(ctx, sha1, []string{key},
				scanID, int64(ScannedMarkerTTL/time.Millisecond)).Result()
			if err != nil {
				return false, fmt.Errorf("执行已扫标记脚本失败: %w", err)
			}
		} else {
			return false, fmt.Errorf("执行已扫标记脚本失败: %w", err)
		}
	}

	resultSlice, ok := result.([]interface{})
	if !ok || len(resultSlice) < 1 {
		return false, fmt.Errorf("LUA脚本返回格式错误")
	}

	status, ok := resultSlice[0].(int64)
	if !ok {
		return false, fmt.Errorf("LUA脚本返回状态码类型错误")
	}

	return status == 1, nil
}

// IsScanned 查询已扫标记
// 标记只是提示: 不存在不代表未扫过（可能已过期或写入竞争失败）
func (r *RedisRepository) IsScanned(ctx context.Context, eventID, ticketID string) (bool, string, error) {
	key := ScannedMarkerKey + eventID + ":" + ticketID
	scanID, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return false, "", nil
		}
		return false, "", fmt.Errorf("查询已扫标记失败: %w", err)
	}
	return true, scanID, nil
}

// GetTicketLookup 从缓存获取票务查询结果
func (r *RedisRepository) GetTicketLookup(ctx context.Context, ticketID string) (*model.Booking, bool, error) {
	key := TicketLookupKey + ticketID
	data, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil // 缓存未命中
		}
		return nil, false, fmt.Errorf("获取票务查询缓存失败: %w", err)
	}

	var booking model.Booking
	if err := json.Unmarshal([]byte(data), &booking); err != nil {
		return nil, false, fmt.Errorf("解析票务查询缓存失败: %w", err)
	}

	return &booking, true, nil
}

// SetTicketLookup 写入票务查询缓存
func (r *RedisRepository) SetTicketLookup(ctx context.Context, booking *model.Booking) error {
	key := TicketLookupKey + booking.TicketID
	data, err := json.Marshal(booking)
	if err != nil {
		return fmt.Errorf("序列化票务信息失败: %w", err)
	}

	if err := r.client.Set(ctx, key, data, TicketLookupTTL).Err(); err != nil {
		return fmt.Errorf("设置票务查询缓存失败: %w", err)
	}

	return nil
}

// IncrEntryCounters 累加活动/闸口/员工入场计数
func (r *RedisRepository) IncrEntryCounters(ctx context.Context, eventID, gateID, staffID string) error {
	keys := []string{
		EventCounterKey + eventID,
		GateCounterKey + eventID + ":" + gateID,
		StaffCounterKey + eventID + ":" + staffID,
	}

	pipe := r.client.Pipeline()
	for _, key := range keys {
		pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, CounterTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("累加入场计数失败: %w", err)
	}

	return nil
}

// SetCounter 覆盖写入计数器，用于与持久层对账
func (r *RedisRepository) SetCounter(ctx context.Context, key string, value int64) error {
	if err := r.client.Set(ctx, key, value, CounterTTL).Err(); err != nil {
		return fmt.Errorf("写入计数器失败: %w", err)
	}
	return nil
}

// GetCounter 读取单个计数器
func (r *RedisRepository) GetCounter(ctx context.Context, key string) (int64, error) {
	value, err := r.client.Get(ctx, key).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("读取计数器失败: %w", err)
	}
	return value, nil
}

// CountersByPrefix 按前缀扫描计数器
func (r *RedisRepository) CountersByPrefix(ctx context.Context, prefix string) (map[string]int64, error) {
	counters := make(map[string]int64)

	iter := r.client.Scan(ctx, 0, prefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		value, err := r.client.Get(ctx, key).Int64()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return nil, fmt.Errorf("读取计数器 %s 失败: %w", key, err)
		}
		counters[key[len(prefix):]] = value
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("扫描计数器失败: %w", err)
	}

	return counters, nil
}

// LiveCounters 读取单场活动的实时近似计数
func (r *RedisRepository) LiveCounters(ctx context.Context, eventID string) (*model.LiveCounters, error) {
	total, err := r.GetCounter(ctx, EventCounterKey+eventID)
	if err != nil {
		return nil, err
	}

	byGate, err := r.CountersByPrefix(ctx, GateCounterKey+eventID+":")
	if err != nil {
		return nil, err
	}

	byStaff, err := r.CountersByPrefix(ctx, StaffCounterKey+eventID+":")
	if err != nil {
		return nil, err
	}

	return &model.LiveCounters{
		EventEntries: total,
		ByGate:       byGate,
		ByStaff:      byStaff,
	}, nil
}

// IncrWindow 固定窗口计数加一
// 返回累加后的计数和窗口剩余时间
func (r *RedisRepository) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("累加窗口计数失败: %w", err)
	}

	// 窗口首次计数时设置过期时间
	if count == 1 {
		if err := r.client.Expire(ctx, key, window).Err(); err != nil {
			return 0, 0, fmt.Errorf("设置窗口过期时间失败: %w", err)
		}
		return count, window, nil
	}

	ttl, err := r.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("读取窗口剩余时间失败: %w", err)
	}
	if ttl < 0 {
		// 上一次Expire未生效时补设，避免窗口永不过期
		r.client.Expire(ctx, key, window)
		ttl = window
	}

	return count, ttl, nil
}

// BlockDevice 硬封禁设备
func (r *RedisRepository) BlockDevice(ctx context.Context, deviceID string, duration time.Duration) error {
	key := DeviceBlockKey + deviceID
	if err := r.client.Set(ctx, key, time.Now().Format(time.RFC3339), duration).Err(); err != nil {
		return fmt.Errorf("封禁设备失败: %w", err)
	}
	return nil
}

// IsDeviceBlocked 查询设备是否被封禁
func (r *RedisRepository) IsDeviceBlocked(ctx context.Context, deviceID string) (bool, error) {
	key := DeviceBlockKey + deviceID
	_, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, fmt.Errorf("查询设备封禁状态失败: %w", err)
	}
	return true, nil
}

// Ping 探测Redis连通性
func (r *RedisRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close 关闭Redis连接
func (r *RedisRepository) Close() error {
	return r.client.Close()
}
