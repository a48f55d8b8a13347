package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lvdashuaibi/gatekeeper/config"
	"github.com/lvdashuaibi/gatekeeper/internal/model"
)

// fakeEngine 以payload区分票，首次为放行，之后为重复
type fakeEngine struct {
	mu       sync.Mutex
	seen     map[string]bool
	attempts []*model.ScanAttempt
	// failOn 命中该payload时返回错误
	failOn string
	// panicOn 命中该payload时panic
	panicOn string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{seen: make(map[string]bool)}
}

func (e *fakeEngine) Scan(ctx context.Context, attempt *model.ScanAttempt) (*model.ScanResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.attempts = append(e.attempts, attempt)

	if attempt.Payload == e.panicOn {
		panic("回放炸弹")
	}
	if attempt.Payload == e.failOn {
		return nil, errors.New("票不存在")
	}

	if e.seen[attempt.Payload] {
		return &model.ScanResult{Status: model.ScanStatusDuplicate}, nil
	}
	e.seen[attempt.Payload] = true
	return &model.ScanResult{Status: model.ScanStatusAdmitted}, nil
}

// fakeLock 记录加锁/释放调用，可拒绝加锁
type fakeLock struct {
	mu       sync.Mutex
	held     map[string]bool
	denyAll  bool
	acquired []string
	released []string
}

func newFakeLock() *fakeLock {
	return &fakeLock{held: make(map[string]bool)}
}

func (l *fakeLock) AcquireLock(lockName string, timeout time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.denyAll || l.held[lockName] {
		return false, nil
	}
	l.held[lockName] = true
	l.acquired = append(l.acquired, lockName)
	return true, nil
}

func (l *fakeLock) RefreshLock(lockName string, timeout time.Duration) (bool, error) {
	return true, nil
}

func (l *fakeLock) ReleaseLock(lockName string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, lockName)
	l.released = append(l.released, lockName)
	return nil
}

func (l *fakeLock) ReleaseAllLocks() {}

func (l *fakeLock) Close() error { return nil }

func setupSyncConfig(t *testing.T, maxBatch int) {
	t.Helper()
	old := config.AppConfig.Sync
	config.AppConfig.Sync.MaxBatchSize = maxBatch
	config.AppConfig.Sync.LockTimeout = 30 * time.Second
	t.Cleanup(func() { config.AppConfig.Sync = old })
}

func testClaims() *model.DeviceClaims {
	return &model.DeviceClaims{
		DeviceID: "dev-1",
		StaffID:  "staff-1",
		EventID:  "evt-1",
	}
}

func offlineScan(payload string, offset time.Duration) model.OfflineScan {
	return model.OfflineScan{
		Payload:        payload,
		GateID:         "gate-A",
		LocalTimestamp: time.Now().Add(offset),
	}
}

func TestSyncBatchCountsDuplicates(t *testing.T) {
	setupSyncConfig(t, 500)
	engine := newFakeEngine()
	dlock := newFakeLock()
	reconciler := NewReconciler(engine, dlock)

	scans := []model.OfflineScan{
		offlineScan("ticket-A", -30*time.Minute),
		offlineScan("ticket-A", -20*time.Minute),
		offlineScan("ticket-B", -10*time.Minute),
	}

	report, err := reconciler.SyncBatch(context.Background(), testClaims(), scans, "手持机1", "handheld")
	if err != nil {
		t.Fatalf("补录批次不应失败: %v", err)
	}

	if report.Total != 3 || report.Successful != 2 || report.Duplicate != 1 || report.Failed != 0 {
		t.Fatalf("统计不符: total=%d successful=%d duplicate=%d failed=%d",
			report.Total, report.Successful, report.Duplicate, report.Failed)
	}
	if len(report.Results) != 3 {
		t.Fatalf("应返回逐条结果，实际 %d 条", len(report.Results))
	}
	// 同票的第二次必须判为重复，且回放顺序与提交顺序一致
	if report.Results[0].Status != model.ScanStatusAdmitted ||
		report.Results[1].Status != model.ScanStatusDuplicate ||
		report.Results[2].Status != model.ScanStatusAdmitted {
		t.Fatalf("逐条结果顺序不符: %s %s %s",
			report.Results[0].Status, report.Results[1].Status, report.Results[2].Status)
	}
}

func TestSyncBatchPreservesOrderAndMarksOffline(t *testing.T) {
	setupSyncConfig(t, 500)
	engine := newFakeEngine()
	reconciler := NewReconciler(engine, newFakeLock())

	scans := []model.OfflineScan{
		offlineScan("t-1", -3*time.Minute),
		offlineScan("t-2", -2*time.Minute),
		offlineScan("t-3", -1*time.Minute),
	}

	if _, err := reconciler.SyncBatch(context.Background(), testClaims(), scans, "手持机1", "handheld"); err != nil {
		t.Fatalf("补录批次不应失败: %v", err)
	}

	if len(engine.attempts) != 3 {
		t.Fatalf("应回放3条，实际 %d 条", len(engine.attempts))
	}
	for i, attempt := range engine.attempts {
		if attempt.Payload != scans[i].Payload {
			t.Fatalf("第%d条回放顺序错乱: %s", i, attempt.Payload)
		}
		if !attempt.OfflineSync {
			t.Fatalf("第%d条应标记为离线补录", i)
		}
		if attempt.LocalTimestamp == nil || !attempt.LocalTimestamp.Equal(scans[i].LocalTimestamp) {
			t.Fatalf("第%d条应以设备采集时间为准", i)
		}
		if attempt.DeviceID != "dev-1" || attempt.StaffID != "staff-1" || attempt.EventID != "evt-1" {
			t.Fatalf("第%d条设备身份字段不符", i)
		}
	}
}

func TestSyncBatchRejectsOversize(t *testing.T) {
	setupSyncConfig(t, 5)
	reconciler := NewReconciler(newFakeEngine(), newFakeLock())

	scans := make([]model.OfflineScan, 6)
	for i := range scans {
		scans[i] = offlineScan(fmt.Sprintf("t-%d", i), 0)
	}
	_, err := reconciler.SyncBatch(context.Background(), testClaims(), scans, "手持机1", "handheld")
	if err == nil {
		t.Fatal("超限批次应整体拒绝")
	}
	if !strings.Contains(err.Error(), "过大") {
		t.Fatalf("错误信息应说明批次过大: %v", err)
	}
}

func TestSyncBatchEmptyReturnsEmptyReport(t *testing.T) {
	setupSyncConfig(t, 5)
	engine := newFakeEngine()
	dlock := newFakeLock()
	reconciler := NewReconciler(engine, dlock)

	report, err := reconciler.SyncBatch(context.Background(), testClaims(), nil, "手持机1", "handheld")
	if err != nil {
		t.Fatalf("空批次不应报错: %v", err)
	}
	if report.Total != 0 || report.Successful != 0 || report.Duplicate != 0 || report.Failed != 0 {
		t.Fatalf("空批次应返回空报告: %+v", report)
	}
	if len(engine.attempts) != 0 {
		t.Fatal("空批次不应回放任何条目")
	}
	// 空批次不需要占设备锁
	if len(dlock.acquired) != 0 {
		t.Fatalf("空批次不应获取设备锁: %v", dlock.acquired)
	}
}

func TestSyncBatchItemFailureDoesNotAbort(t *testing.T) {
	setupSyncConfig(t, 500)
	engine := newFakeEngine()
	engine.failOn = "bad-ticket"
	reconciler := NewReconciler(engine, newFakeLock())

	scans := []model.OfflineScan{
		offlineScan("t-1", -3*time.Minute),
		offlineScan("bad-ticket", -2*time.Minute),
		offlineScan("t-2", -1*time.Minute),
	}

	report, err := reconciler.SyncBatch(context.Background(), testClaims(), scans, "手持机1", "handheld")
	if err != nil {
		t.Fatalf("单条失败不应中断批次: %v", err)
	}

	if report.Successful != 2 || report.Failed != 1 {
		t.Fatalf("统计不符: successful=%d failed=%d", report.Successful, report.Failed)
	}
	if len(report.Errors) != 1 || report.Errors[0].Index != 1 {
		t.Fatalf("失败条目应记录原始下标: %+v", report.Errors)
	}
	// 失败条目之后的条目仍被回放
	if len(engine.attempts) != 3 {
		t.Fatalf("失败后应继续回放，实际 %d 条", len(engine.attempts))
	}
}

func TestSyncBatchItemPanicHandledAsFailure(t *testing.T) {
	setupSyncConfig(t, 500)
	engine := newFakeEngine()
	engine.panicOn = "boom"
	reconciler := NewReconciler(engine, newFakeLock())

	scans := []model.OfflineScan{
		offlineScan("boom", -2*time.Minute),
		offlineScan("t-1", -1*time.Minute),
	}

	report, err := reconciler.SyncBatch(context.Background(), testClaims(), scans, "手持机1", "handheld")
	if err != nil {
		t.Fatalf("条目panic不应中断批次: %v", err)
	}
	if report.Failed != 1 || report.Successful != 1 {
		t.Fatalf("统计不符: successful=%d failed=%d", report.Successful, report.Failed)
	}
	if len(report.Errors) != 1 || report.Errors[0].Index != 0 {
		t.Fatalf("panic条目应记录原始下标: %+v", report.Errors)
	}
}

func TestSyncBatchSerializedPerDevice(t *testing.T) {
	setupSyncConfig(t, 500)
	engine := newFakeEngine()
	dlock := newFakeLock()
	reconciler := NewReconciler(engine, dlock)

	scans := []model.OfflineScan{offlineScan("t-1", -1*time.Minute)}

	// 预占设备锁，模拟另一批次处理中
	if _, err := dlock.AcquireLock("sync:device:dev-1", time.Minute); err != nil {
		t.Fatalf("预占锁失败: %v", err)
	}

	if _, err := reconciler.SyncBatch(context.Background(), testClaims(), scans, "手持机1", "handheld"); err == nil {
		t.Fatal("同设备批次交错应被拒绝")
	}
	if len(engine.attempts) != 0 {
		t.Fatal("未获锁时不应回放任何条目")
	}

	// 锁释放后批次可以继续
	if err := dlock.ReleaseLock("sync:device:dev-1"); err != nil {
		t.Fatalf("释放锁失败: %v", err)
	}
	if _, err := reconciler.SyncBatch(context.Background(), testClaims(), scans, "手持机1", "handheld"); err != nil {
		t.Fatalf("锁释放后批次应成功: %v", err)
	}

	// 批次结束后锁必须被释放
	if len(dlock.released) != 2 {
		t.Fatalf("批次结束后应释放设备锁，释放记录: %v", dlock.released)
	}
}
