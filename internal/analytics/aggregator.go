package analytics

import (
	"context"
	"log"
	"time"

	"github.com/lvdashuaibi/gatekeeper/config"
	"github.com/lvdashuaibi/gatekeeper/internal/lock"
	"github.com/lvdashuaibi/gatekeeper/internal/model"
	"github.com/lvdashuaibi/gatekeeper/internal/repository"
)

const ReconcileLockName = "analytics:reconcile:lock"

// Aggregator 入场数据的只读聚合视图
// 权威数据来自持久层，缓存中的实时计数仅用于对照展示
type Aggregator struct {
	mysqlRepo *repository.MySQLRepository
	redisRepo *repository.RedisRepository
	dlock     lock.Lock
	stopChan  chan struct{}
}

func NewAggregator(mysqlRepo *repository.MySQLRepository, redisRepo *repository.RedisRepository, dlock lock.Lock) *Aggregator {
	return &Aggregator{
		mysqlRepo: mysqlRepo,
		redisRepo: redisRepo,
		dlock:     dlock,
		stopChan:  make(chan struct{}),
	}
}

// EventAnalytics 单场活动的入场分析
func (a *Aggregator) EventAnalytics(ctx context.Context, eventID string) (*model.EventAnalytics, error) {
	total, err := a.mysqlRepo.TotalEntries(ctx, eventID)
	if err != nil {
		return nil, err
	}

	duplicates, err := a.mysqlRepo.DuplicateCount(ctx, eventID)
	if err != nil {
		return nil, err
	}

	offline, err := a.mysqlRepo.OfflineSyncedCount(ctx, eventID)
	if err != nil {
		return nil, err
	}

	byGate, err := a.mysqlRepo.GateBreakdown(ctx, eventID)
	if err != nil {
		return nil, err
	}

	byStaff, err := a.mysqlRepo.StaffBreakdown(ctx, eventID)
	if err != nil {
		return nil, err
	}

	byHour, err := a.mysqlRepo.HourlyBreakdown(ctx, eventID)
	if err != nil {
		return nil, err
	}

	analytics := &model.EventAnalytics{
		EventID:        eventID,
		TotalEntries:   total,
		DuplicateScans: duplicates,
		OfflineSynced:  offline,
		ByGate:         byGate,
		ByStaff:        byStaff,
		ByHour:         byHour,
		GeneratedAt:    time.Now(),
	}

	// 实时计数只是近似值，读取失败不影响权威统计
	live, err := a.redisRepo.LiveCounters(ctx, eventID)
	if err != nil {
		log.Printf("读取实时计数失败: %v", err)
	} else {
		analytics.Live = live
	}

	return analytics, nil
}

// DuplicateAttempts 活动的全部重复扫码记录
func (a *Aggregator) DuplicateAttempts(ctx context.Context, eventID string) ([]*model.EntryRecord, error) {
	return a.mysqlRepo.DuplicateAttempts(ctx, eventID)
}

// StaffReport 员工维度的入场统计
func (a *Aggregator) StaffReport(ctx context.Context, eventID string) ([]model.StaffCount, error) {
	return a.mysqlRepo.StaffBreakdown(ctx, eventID)
}

// GateReport 闸口维度的入场统计
func (a *Aggregator) GateReport(ctx context.Context, eventID string) ([]model.GateCount, error) {
	return a.mysqlRepo.GateBreakdown(ctx, eventID)
}

// StartReconciler 启动计数对账任务
// 多实例部署时通过分布式锁选主，同一时刻只有一个实例执行对账
func (a *Aggregator) StartReconciler() {
	interval := config.AppConfig.Analytics.ReconcileInterval
	ticker := time.NewTicker(interval)

	go func() {
		for {
			select {
			case <-ticker.C:
				a.tryReconcile()
			case <-a.stopChan:
				ticker.Stop()
				log.Println("计数对账任务已停止")
				return
			}
		}
	}()
}

// StopReconciler 停止计数对账任务
func (a *Aggregator) StopReconciler() {
	close(a.stopChan)
}

// tryReconcile 竞争对账锁，成功后执行一轮对账
func (a *Aggregator) tryReconcile() {
	if a.dlock != nil {
		acquired, err := a.dlock.AcquireLock(ReconcileLockName, config.AppConfig.Lock.Timeout)
		if err != nil {
			log.Printf("获取对账锁失败: %v", err)
			return
		}
		if !acquired {
			return
		}
		defer func() {
			if err := a.dlock.ReleaseLock(ReconcileLockName); err != nil {
				log.Printf("释放对账锁失败: %v", err)
			}
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a.reconcile(ctx)
}

// reconcile 以持久层聚合为准覆盖写回缓存计数
// 计数器本身只保证最终一致，对账用于修正丢失的异步增量
func (a *Aggregator) reconcile(ctx context.Context) {
	counters, err := a.redisRepo.CountersByPrefix(ctx, repository.EventCounterKey)
	if err != nil {
		log.Printf("扫描活动计数器失败: %v", err)
		return
	}

	for eventID := range counters {
		total, err := a.mysqlRepo.TotalEntries(ctx, eventID)
		if err != nil {
			log.Printf("对账活动 %s 入场数失败: %v", eventID, err)
			continue
		}

		if err := a.redisRepo.SetCounter(ctx, repository.EventCounterKey+eventID, total); err != nil {
			log.Printf("写回活动 %s 计数失败: %v", eventID, err)
			continue
		}

		byGate, err := a.mysqlRepo.GateBreakdown(ctx, eventID)
		if err != nil {
			log.Printf("对账活动 %s 闸口计数失败: %v", eventID, err)
			continue
		}
		for _, gc := range byGate {
			key := repository.GateCounterKey + eventID + ":" + gc.GateID
			if err := a.redisRepo.SetCounter(ctx, key, gc.Entries); err != nil {
				log.Printf("写回闸口计数 %s 失败: %v", key, err)
			}
		}

		byStaff, err := a.mysqlRepo.StaffBreakdown(ctx, eventID)
		if err != nil {
			log.Printf("对账活动 %s 员工计数失败: %v", eventID, err)
			continue
		}
		for _, sc := range byStaff {
			key := repository.StaffCounterKey + eventID + ":" + sc.StaffID
			if err := a.redisRepo.SetCounter(ctx, key, sc.Entries); err != nil {
				log.Printf("写回员工计数 %s 失败: %v", key, err)
			}
		}
	}
}
