package syncer

import (
	"context"
	"fmt"
	"log"

	"github.com/lvdashuaibi/gatekeeper/config"
	"github.com/lvdashuaibi/gatekeeper/internal/lock"
	"github.com/lvdashuaibi/gatekeeper/internal/model"
)

// ScanEngine 入场判定引擎
type ScanEngine interface {
	Scan(ctx context.Context, attempt *model.ScanAttempt) (*model.ScanResult, error)
}

// Reconciler 离线扫码补录
// 严格按提交顺序逐条回放，保持单台设备采集扫码的因果顺序；
// 不同设备的批次之间以及与在线扫码之间可以并发
type Reconciler struct {
	engine ScanEngine
	dlock  lock.Lock
}

func NewReconciler(engine ScanEngine, dlock lock.Lock) *Reconciler {
	return &Reconciler{
		engine: engine,
		dlock:  dlock,
	}
}

// SyncBatch 回放一台设备离线期间采集的扫码批次
// 超限批次整体拒绝而非部分处理；单条失败只记入errors，不中断后续条目
func (r *Reconciler) SyncBatch(
	ctx context.Context,
	claims *model.DeviceClaims,
	scans []model.OfflineScan,
	deviceName, deviceType string,
) (*model.SyncReport, error) {
	maxBatch := config.AppConfig.Sync.MaxBatchSize
	if len(scans) > maxBatch {
		return nil, fmt.Errorf("补录批次过大: %d 条，上限 %d 条", len(scans), maxBatch)
	}
	// 设备离线期间可能什么也没扫到，空批次原样返回空报告
	if len(scans) == 0 {
		return &model.SyncReport{}, nil
	}

	// 同一设备的两个批次不允许交错回放
	lockName := "sync:device:" + claims.DeviceID
	if r.dlock != nil {
		acquired, err := r.dlock.AcquireLock(lockName, config.AppConfig.Sync.LockTimeout)
		if err != nil {
			return nil, fmt.Errorf("获取设备补录锁失败: %w", err)
		}
		if !acquired {
			return nil, fmt.Errorf("设备 %s 已有补录批次在处理中", claims.DeviceID)
		}
		defer func() {
			if err := r.dlock.ReleaseLock(lockName); err != nil {
				log.Printf("释放设备补录锁失败: %v", err)
			}
		}()
	}

	report := &model.SyncReport{Total: len(scans)}

	for i, scan := range scans {
		result, err := r.replayOne(ctx, claims, &scan, deviceName, deviceType)
		if err != nil {
			report.Failed++
			report.Errors = append(report.Errors, model.SyncItemError{
				Index:  i,
				Reason: err.Error(),
			})
			continue
		}

		report.Results = append(report.Results, result)
		switch result.Status {
		case model.ScanStatusDuplicate:
			report.Duplicate++
		default:
			report.Successful++
		}
	}

	return report, nil
}

// replayOne 回放单条扫码，条目内的panic也按单条失败处理
func (r *Reconciler) replayOne(
	ctx context.Context,
	claims *model.DeviceClaims,
	scan *model.OfflineScan,
	deviceName, deviceType string,
) (result *model.ScanResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			result = nil
			err = fmt.Errorf("回放异常: %v", p)
		}
	}()

	localTS := scan.LocalTimestamp
	attempt := &model.ScanAttempt{
		Payload:        scan.Payload,
		GateID:         scan.GateID,
		GateName:       scan.GateName,
		DeviceID:       claims.DeviceID,
		DeviceName:     deviceName,
		DeviceType:     deviceType,
		StaffID:        claims.StaffID,
		EventID:        claims.EventID,
		LocalTimestamp: &localTS,
		OfflineSync:    true,
	}

	return r.engine.Scan(ctx, attempt)
}
