package admission

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/lvdashuaibi/gatekeeper/internal/credential"
	"github.com/lvdashuaibi/gatekeeper/internal/model"
)

// 终端性拒绝原因，直接透传给调用方
var (
	ErrInvalidCredential = credential.ErrInvalidCredential
	ErrNotFound          = errors.New("未找到对应的票")
	ErrWrongEvent        = errors.New("票不属于当前活动")
	ErrCancelled         = errors.New("订单已取消")
	ErrInvalidStatus     = errors.New("订单状态不允许入场")
	// ErrInternal 存储或缓存I/O故障，宁可拒绝也不冒重复放行的风险
	ErrInternal = errors.New("内部错误")
)

// DurableStore 持久层，入场判定的最终依据
// GetBookingByTicket未找到时返回(nil, nil)；
// CreateEntry在事务内重查发现记录已存在时返回既有记录且不插入
type DurableStore interface {
	GetBookingByTicket(ctx context.Context, ticketID string) (*model.Booking, error)
	FindOriginalEntry(ctx context.Context, eventID, ticketID string) (*model.EntryRecord, error)
	CreateEntry(ctx context.Context, record *model.EntryRecord) (*model.EntryRecord, error)
	CreateDuplicateEntry(ctx context.Context, record *model.EntryRecord, originalScanID string) (int, error)
}

// CacheTier 缓存层，只作为加速手段，永远不是判定依据
type CacheTier interface {
	IsScanned(ctx context.Context, eventID, ticketID string) (bool, string, error)
	MarkScanned(ctx context.Context, eventID, ticketID, scanID string) (bool, error)
	GetTicketLookup(ctx context.Context, ticketID string) (*model.Booking, bool, error)
	SetTicketLookup(ctx context.Context, booking *model.Booking) error
	IncrEntryCounters(ctx context.Context, eventID, gateID, staffID string) error
}

// EventPublisher 扫码事件发布，异步计数路径
type EventPublisher interface {
	SendScanEvent(event *model.ScanEvent) error
}

// AbuseTracker 同票反复尝试探测
type AbuseTracker interface {
	NoteTicketAttempt(ctx context.Context, deviceID, ticketID string) (bool, error)
}

// Engine 入场判定引擎
// 每次扫码作为一个逻辑原子单元执行，正确性建立在持久层事务之上
type Engine struct {
	codec     *credential.Codec
	store     DurableStore
	cache     CacheTier
	publisher EventPublisher
	abuse     AbuseTracker
	maxAge    time.Duration
}

func NewEngine(
	codec *credential.Codec,
	store DurableStore,
	cache CacheTier,
	publisher EventPublisher,
	abuse AbuseTracker,
	credentialMaxAge time.Duration,
) *Engine {
	return &Engine{
		codec:     codec,
		store:     store,
		cache:     cache,
		publisher: publisher,
		abuse:     abuse,
		maxAge:    credentialMaxAge,
	}
}

// Scan 判定一次扫码: 放行、重复或拒绝
func (e *Engine) Scan(ctx context.Context, attempt *model.ScanAttempt) (*model.ScanResult, error) {
	started := time.Now()

	// 1. 解码凭证，结构性失败直接拒绝
	facts, err := e.codec.DecodeAny(attempt.Payload, e.maxAge)
	if err != nil {
		return nil, err
	}

	// 同票反复尝试探测，只标记不拦截
	suspicious := e.noteTicketAttempt(ctx, attempt.DeviceID, facts.TicketID)

	// 2. 查缓存已扫标记，命中也要回源确认（标记可能过期或陈旧）
	marked, markedScanID, err := e.cache.IsScanned(ctx, facts.EventID, facts.TicketID)
	if err != nil {
		log.Printf("查询已扫标记失败，按未命中处理: %v", err)
		marked = false
	}

	// 3. 持久层查首次入场记录，存在即是真正的重复扫码
	original, err := e.store.FindOriginalEntry(ctx, facts.EventID, facts.TicketID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if original != nil {
		return e.recordDuplicate(ctx, attempt, facts, original, started, suspicious)
	}
	if marked {
		// 缓存说已扫但持久层没有记录: 缓存陈旧，以持久层为准继续放行流程
		log.Printf("缓存与持久层不一致: 票 %s 有已扫标记(scan=%s)但无入场记录，按未扫处理",
			facts.TicketID, markedScanID)
	}

	// 4. 解析票务信息，优先走查询缓存
	booking, cacheHit := e.resolveBooking(ctx, facts.TicketID)
	if booking == nil {
		var storeErr error
		booking, storeErr = e.store.GetBookingByTicket(ctx, facts.TicketID)
		if storeErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrInternal, storeErr)
		}
		if booking == nil {
			return nil, fmt.Errorf("%w: 票号 %s", ErrNotFound, facts.TicketID)
		}
		if err := e.cache.SetTicketLookup(ctx, booking); err != nil {
			log.Printf("回填票务查询缓存失败: %v", err)
		}
	}

	// 5. 校验活动归属与订单状态
	if booking.EventID != attempt.EventID {
		return nil, fmt.Errorf("%w: 票属于活动 %s", ErrWrongEvent, booking.EventID)
	}
	switch booking.Status {
	case model.BookingStatusConfirmed:
	case model.BookingStatusCancelled:
		return nil, fmt.Errorf("%w: 订单 %s", ErrCancelled, booking.BookingID)
	default:
		return nil, fmt.Errorf("%w: 状态 %s", ErrInvalidStatus, booking.Status)
	}

	// 6+7. 写首次入场记录，事务内重查封堵并发竞争
	// 校验耗时在落盘前定格，入场记录只追加不修改
	record := e.newRecord(attempt, facts, started, cacheHit)
	record.ValidationTimeMs = time.Since(started).Milliseconds()
	existing, err := e.store.CreateEntry(ctx, record)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if existing != nil {
		// 竞争方抢先提交，本次按重复处理并补写已扫标记
		return e.recordDuplicate(ctx, attempt, facts, existing, started, suspicious)
	}

	// 8. 持久层落盘之后才写已扫标记；写入竞争失败无害，持久层记录才是事实
	if _, err := e.cache.MarkScanned(ctx, facts.EventID, facts.TicketID, record.ID); err != nil {
		log.Printf("写入已扫标记失败（持久层已提交，不回滚）: %v", err)
	}

	// 9. 刷新查询缓存并异步累加计数，失败不影响放行结果
	now := record.ScannedAt
	booking.LastScanID = record.ID
	booking.LastScannedAt = &now
	if err := e.cache.SetTicketLookup(ctx, booking); err != nil {
		log.Printf("刷新票务查询缓存失败: %v", err)
	}
	e.publishAsync(record)

	// 10. 返回放行结果
	return &model.ScanResult{
		Status:           model.ScanStatusAdmitted,
		Message:          "入场成功",
		Record:           record,
		Booking:          booking,
		ValidationTimeMs: record.ValidationTimeMs,
		CacheHit:         cacheHit,
		Suspicious:       suspicious,
	}, nil
}

// recordDuplicate 写入重复扫码记录并返回重复结果
func (e *Engine) recordDuplicate(
	ctx context.Context,
	attempt *model.ScanAttempt,
	facts *model.TicketFacts,
	original *model.EntryRecord,
	started time.Time,
	suspicious bool,
) (*model.ScanResult, error) {
	record := e.newRecord(attempt, facts, started, false)
	record.IsDuplicate = true
	record.ValidationTimeMs = time.Since(started).Milliseconds()

	attemptNumber, err := e.store.CreateDuplicateEntry(ctx, record, original.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	record.DuplicateAttemptNumber = attemptNumber
	record.OriginalScanID = original.ID

	// 为后续快速拒绝补写已扫标记（可能因过期或竞争而缺失）
	if _, err := e.cache.MarkScanned(ctx, facts.EventID, facts.TicketID, original.ID); err != nil {
		log.Printf("补写已扫标记失败: %v", err)
	}

	return &model.ScanResult{
		Status: model.ScanStatusDuplicate,
		Message: fmt.Sprintf("重复扫码: 该票已于 %s 在闸口 %s 入场",
			original.ScannedAt.Format(time.RFC3339), original.GateID),
		Record:           record,
		OriginalScan:     original,
		ValidationTimeMs: record.ValidationTimeMs,
		Suspicious:       suspicious,
	}, nil
}

// resolveBooking 从查询缓存解析票务信息，任何缓存故障都按未命中处理
func (e *Engine) resolveBooking(ctx context.Context, ticketID string) (*model.Booking, bool) {
	booking, found, err := e.cache.GetTicketLookup(ctx, ticketID)
	if err != nil {
		log.Printf("读取票务查询缓存失败，按未命中处理: %v", err)
		return nil, false
	}
	if !found {
		return nil, false
	}
	return booking, true
}

// newRecord 构造入场记录
func (e *Engine) newRecord(attempt *model.ScanAttempt, facts *model.TicketFacts, started time.Time, cacheHit bool) *model.EntryRecord {
	scannedAt := started
	if attempt.LocalTimestamp != nil {
		// 离线补录时以设备采集时间为准
		scannedAt = *attempt.LocalTimestamp
	}

	return &model.EntryRecord{
		ID:            uuid.NewString(),
		EventID:       facts.EventID,
		BookingID:     facts.BookingID,
		TicketID:      facts.TicketID,
		StaffID:       attempt.StaffID,
		GateID:        attempt.GateID,
		ScannedAt:     scannedAt,
		DeviceID:      attempt.DeviceID,
		DeviceType:    attempt.DeviceType,
		IsOfflineSync: attempt.OfflineSync,
		CacheHit:      cacheHit,
	}
}

// publishAsync 异步发布扫码事件，不在关键路径上等待
func (e *Engine) publishAsync(record *model.EntryRecord) {
	event := &model.ScanEvent{
		EventID:     record.EventID,
		GateID:      record.GateID,
		StaffID:     record.StaffID,
		TicketID:    record.TicketID,
		IsDuplicate: record.IsDuplicate,
		ScannedAt:   record.ScannedAt,
	}

	go func() {
		if e.publisher != nil {
			err := e.publisher.SendScanEvent(event)
			if err == nil {
				return
			}
			log.Printf("发布扫码事件失败，改为直接累加计数: %v", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := e.cache.IncrEntryCounters(ctx, event.EventID, event.GateID, event.StaffID); err != nil {
			log.Printf("累加入场计数失败: %v", err)
		}
	}()
}

// noteTicketAttempt 记录同票尝试，探测器故障不影响扫码
func (e *Engine) noteTicketAttempt(ctx context.Context, deviceID, ticketID string) bool {
	if e.abuse == nil {
		return false
	}
	suspicious, err := e.abuse.NoteTicketAttempt(ctx, deviceID, ticketID)
	if err != nil {
		return false
	}
	return suspicious
}
