package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lvdashuaibi/gatekeeper/config"
	"github.com/lvdashuaibi/gatekeeper/internal/admission"
	"github.com/lvdashuaibi/gatekeeper/internal/analytics"
	"github.com/lvdashuaibi/gatekeeper/internal/api"
	"github.com/lvdashuaibi/gatekeeper/internal/api/graph"
	"github.com/lvdashuaibi/gatekeeper/internal/credential"
	"github.com/lvdashuaibi/gatekeeper/internal/device"
	intkafka "github.com/lvdashuaibi/gatekeeper/internal/kafka"
	"github.com/lvdashuaibi/gatekeeper/internal/lock"
	"github.com/lvdashuaibi/gatekeeper/internal/model"
	"github.com/lvdashuaibi/gatekeeper/internal/ratelimit"
	"github.com/lvdashuaibi/gatekeeper/internal/repository"
	"github.com/lvdashuaibi/gatekeeper/internal/syncer"
)

var (
	configPath = flag.String("config", "config/config.yaml", "配置文件路径")
	instanceID = flag.Int("instance", 1, "实例ID，用于区分多个实例")
)

func main() {
	// 解析命令行参数
	flag.Parse()

	// 加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	log.Printf("配置加载成功，当前实例ID: %d", *instanceID)

	// 创建数据库连接
	mysqlRepo, err := repository.NewMySQLRepository()
	if err != nil {
		log.Fatalf("初始化MySQL仓库失败: %v", err)
	}
	defer mysqlRepo.Close()
	log.Printf("MySQL仓库初始化成功")

	// 创建Redis连接
	redisRepo, err := repository.NewRedisRepository()
	if err != nil {
		log.Fatalf("初始化Redis仓库失败: %v", err)
	}
	defer redisRepo.Close()
	log.Printf("Redis仓库初始化成功")

	// 创建分布式锁
	distributedLock, err := lock.New()
	if err != nil {
		log.Fatalf("初始化分布式锁失败: %v", err)
	}
	defer distributedLock.Close()
	log.Printf("分布式锁初始化成功，实现: %s", cfg.Lock.Backend)

	// 创建凭证编解码器
	codec, err := credential.NewCodec(cfg.Credential.SecretKey)
	if err != nil {
		log.Fatalf("初始化凭证编解码器失败: %v", err)
	}

	// 创建设备令牌服务
	tokens, err := device.NewTokenService(cfg.Device.SecretKey)
	if err != nil {
		log.Fatalf("初始化设备令牌服务失败: %v", err)
	}

	// 创建Kafka生产者和消费者（可选，关闭时计数走Redis直写）
	var producer *intkafka.Producer
	var consumer *intkafka.Consumer
	if cfg.Kafka.Enabled {
		producer, err = intkafka.NewProducer()
		if err != nil {
			log.Fatalf("初始化Kafka生产者失败: %v", err)
		}
		defer producer.Close()
		log.Printf("Kafka生产者初始化成功")

		consumer, err = intkafka.NewConsumer()
		if err != nil {
			log.Fatalf("初始化Kafka消费者失败: %v", err)
		}
		defer consumer.Stop()
		log.Printf("Kafka消费者初始化成功")
	}

	// 创建限流器
	limiter := ratelimit.NewLimiter(redisRepo)

	// 创建入场判定引擎
	var publisher admission.EventPublisher
	if producer != nil {
		publisher = producer
	}
	scanEngine := admission.NewEngine(codec, mysqlRepo, redisRepo, publisher, limiter, cfg.Credential.MaxAge)
	log.Printf("入场判定引擎初始化成功")

	// 启动扫码事件消费者，把事件落到Redis计数器
	if consumer != nil {
		consumer.StartConsuming(func(event *model.ScanEvent) error {
			if event.IsDuplicate {
				return nil
			}
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			return redisRepo.IncrEntryCounters(ctx, event.EventID, event.GateID, event.StaffID)
		})
		log.Printf("Kafka消费者已启动")
	}

	// 创建离线补录服务
	reconciler := syncer.NewReconciler(scanEngine, distributedLock)

	// 创建分析聚合器并启动计数对账任务
	aggregator := analytics.NewAggregator(mysqlRepo, redisRepo, distributedLock)
	aggregator.StartReconciler()
	defer aggregator.StopReconciler()
	log.Printf("分析聚合器初始化成功")

	// 创建HTTP服务并挂载GraphQL分析入口
	server := api.NewServer(scanEngine, reconciler, limiter, aggregator, tokens, mysqlRepo, redisRepo)
	graphServer := graph.NewAnalyticsServer(aggregator)
	server.Router().POST("/graphql", gin.WrapH(graphServer.Handler()))

	// 计算端口，支持多实例
	serverPort := cfg.Server.Port + *instanceID - 1

	// 启动HTTP服务器(异步)
	go func() {
		if err := server.Start(serverPort); err != nil {
			log.Fatalf("启动HTTP服务器失败: %v", err)
		}
	}()

	log.Printf("Gatekeeper 入场核验系统 (实例 %d) 已启动，服务地址: http://localhost:%d", *instanceID, serverPort)

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("正在关闭服务...")
}
