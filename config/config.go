package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	MySQL      MySQLConfig      `mapstructure:"mysql"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	ETCD       ETCDConfig       `mapstructure:"etcd"`
	Credential CredentialConfig `mapstructure:"credential"`
	Device     DeviceConfig     `mapstructure:"device"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Analytics  AnalyticsConfig  `mapstructure:"analytics"`
	Lock       LockConfig       `mapstructure:"lock"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type MySQLConfig struct {
	Master       string `mapstructure:"master"`
	Slave        string `mapstructure:"slave"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	// 数据存储Redis
	DataAddress string        `mapstructure:"data_address"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	MaxRetries  int           `mapstructure:"max_retries"`
	Timeout     time.Duration `mapstructure:"timeout"`

	// Redlock使用的Redis节点
	LockAddresses []string `mapstructure:"lock_addresses"`
}

type KafkaConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	Brokers   []string `mapstructure:"brokers"`
	Topic     string   `mapstructure:"topic"`
	Partition int      `mapstructure:"partition"`
	GroupID   string   `mapstructure:"group_id"`
}

type ETCDConfig struct {
	Endpoints      []string      `mapstructure:"endpoints"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	SessionTTL     time.Duration `mapstructure:"session_ttl"`
}

type CredentialConfig struct {
	// 二维码凭证加密密钥，经SHA-256派生为AES-256密钥
	SecretKey string        `mapstructure:"secret_key"`
	MaxAge    time.Duration `mapstructure:"max_age"`
}

type DeviceConfig struct {
	// 设备令牌签名密钥
	SecretKey string        `mapstructure:"secret_key"`
	MaxAge    time.Duration `mapstructure:"max_age"`
}

type RateLimitConfig struct {
	Window          time.Duration `mapstructure:"window"`
	ScanPerWindow   int           `mapstructure:"scan_per_window"`
	APIPerWindow    int           `mapstructure:"api_per_window"`
	SyncPerWindow   int           `mapstructure:"sync_per_window"`
	FailureWindow   time.Duration `mapstructure:"failure_window"`
	FailureLimit    int           `mapstructure:"failure_limit"`
	SameTicketLimit int           `mapstructure:"same_ticket_limit"`
	BlockDuration   time.Duration `mapstructure:"block_duration"`
	// 免限流的角色
	SuperRole string `mapstructure:"super_role"`
}

type SyncConfig struct {
	MaxBatchSize int           `mapstructure:"max_batch_size"`
	LockTimeout  time.Duration `mapstructure:"lock_timeout"`
}

type AnalyticsConfig struct {
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
}

type LockConfig struct {
	// 分布式锁实现: redlock 或 etcd
	Backend    string        `mapstructure:"backend"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RetryCount int           `mapstructure:"retry_count"`
}

var AppConfig Config

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	return &AppConfig, nil
}

// setDefaults 设置默认配置
func setDefaults() {
	viper.SetDefault("credential.max_age", 30*time.Minute)
	viper.SetDefault("device.max_age", 24*time.Hour)
	viper.SetDefault("rate_limit.window", time.Minute)
	viper.SetDefault("rate_limit.scan_per_window", 60)
	viper.SetDefault("rate_limit.api_per_window", 300)
	viper.SetDefault("rate_limit.sync_per_window", 10)
	viper.SetDefault("rate_limit.failure_window", 5*time.Minute)
	viper.SetDefault("rate_limit.failure_limit", 20)
	viper.SetDefault("rate_limit.same_ticket_limit", 5)
	viper.SetDefault("rate_limit.block_duration", 30*time.Minute)
	viper.SetDefault("rate_limit.super_role", "admin")
	viper.SetDefault("sync.max_batch_size", 500)
	viper.SetDefault("sync.lock_timeout", 30*time.Second)
	viper.SetDefault("analytics.reconcile_interval", 5*time.Minute)
	viper.SetDefault("lock.backend", "redlock")
	viper.SetDefault("lock.timeout", 10*time.Second)
	viper.SetDefault("lock.retry_count", 3)
}
