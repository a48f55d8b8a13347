package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/lvdashuaibi/gatekeeper/config"
	"github.com/lvdashuaibi/gatekeeper/internal/model"
)

type MySQLRepository struct {
	masterDB *sql.DB
	slaveDB  *sql.DB
}

func NewMySQLRepository() (*MySQLRepository, error) {
	masterDB, err := sql.Open("mysql", config.AppConfig.MySQL.Master)
	if err != nil {
		return nil, fmt.Errorf("连接主数据库失败: %w", err)
	}

	masterDB.SetMaxOpenConns(config.AppConfig.MySQL.MaxOpenConns)
	masterDB.SetMaxIdleConns(config.AppConfig.MySQL.MaxIdleConns)
	masterDB.SetConnMaxLifetime(time.Hour)

	if err = masterDB.Ping(); err != nil {
		return nil, fmt.Errorf("主数据库连接测试失败: %w", err)
	}

	slaveDB, err := sql.Open("mysql", config.AppConfig.MySQL.Slave)
	if err != nil {
		return nil, fmt.Errorf("连接从数据库失败: %w", err)
	}

	slaveDB.SetMaxOpenConns(config.AppConfig.MySQL.MaxOpenConns)
	slaveDB.SetMaxIdleConns(config.AppConfig.MySQL.MaxIdleConns)
	slaveDB.SetConnMaxLifetime(time.Hour)

	if err = slaveDB.Ping(); err != nil {
		log.Printf("从数据库连接测试失败: %v，将使用主数据库代替", err)
		slaveDB = masterDB
	}

	return &MySQLRepository{
		masterDB: masterDB,
		slaveDB:  slaveDB,
	}, nil
}

const entryColumns = `id, event_id, booking_id, ticket_id, staff_id, gate_id, scanned_at,
	is_duplicate, duplicate_attempt_number, original_scan_id, device_id, device_type,
	is_offline_sync, validation_time_ms, cache_hit`

func scanEntryRow(row interface{ Scan(...interface{}) error }) (*model.EntryRecord, error) {
	var record model.EntryRecord
	var originalScanID sql.NullString
	err := row.Scan(
		&record.ID,
		&record.EventID,
		&record.BookingID,
		&record.TicketID,
		&record.StaffID,
		&record.GateID,
		&record.ScannedAt,
		&record.IsDuplicate,
		&record.DuplicateAttemptNumber,
		&originalScanID,
		&record.DeviceID,
		&record.DeviceType,
		&record.IsOfflineSync,
		&record.ValidationTimeMs,
		&record.CacheHit,
	)
	if err != nil {
		return nil, err
	}
	record.OriginalScanID = originalScanID.String
	return &record, nil
}

// GetBookingByTicket 按票号查询订单，票不存在时返回nil而非错误
func (r *MySQLRepository) GetBookingByTicket(ctx context.Context, ticketID string) (*model.Booking, error) {
	query := `SELECT booking_id, event_id, ticket_id, holder_name, ticket_type, status, purchased_at
			 FROM bookings WHERE ticket_id = ?`
	row := r.slaveDB.QueryRowContext(ctx, query, ticketID)

	var booking model.Booking
	err := row.Scan(
		&booking.BookingID,
		&booking.EventID,
		&booking.TicketID,
		&booking.HolderName,
		&booking.TicketType,
		&booking.Status,
		&booking.PurchasedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("查询票务订单失败: %w", err)
	}

	return &booking, nil
}

// FindOriginalEntry 查找某张票的首次入场记录
// 按主库查询: 重复判定不能容忍主从延迟
func (r *MySQLRepository) FindOriginalEntry(ctx context.Context, eventID, ticketID string) (*model.EntryRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM entry_log
			 WHERE event_id = ? AND ticket_id = ? AND is_duplicate = 0 LIMIT 1`, entryColumns)
	record, err := scanEntryRow(r.masterDB.QueryRowContext(ctx, query, eventID, ticketID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("查询首次入场记录失败: %w", err)
	}
	return record, nil
}

// CreateEntry 写入首次入场记录，入场判定的提交点
// 事务内紧贴插入前重查一次首次记录，封堵并发扫码的竞争窗口；
// 若重查发现记录已存在，返回该记录且不插入
func (r *MySQLRepository) CreateEntry(ctx context.Context, record *model.EntryRecord) (*model.EntryRecord, error) {
	tx, err := r.masterDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("开始事务失败: %w", err)
	}

	// 插入前重查，FOR UPDATE 锁定已有记录或索引间隙
	checkQuery := fmt.Sprintf(`SELECT %s FROM entry_log
			 WHERE event_id = ? AND ticket_id = ? AND is_duplicate = 0 LIMIT 1 FOR UPDATE`, entryColumns)
	existing, err := scanEntryRow(tx.QueryRowContext(ctx, checkQuery, record.EventID, record.TicketID))
	if err != nil && err != sql.ErrNoRows {
		tx.Rollback()
		return nil, fmt.Errorf("重查首次入场记录失败: %w", err)
	}

	if existing != nil {
		// 竞争方已提交，放弃插入
		tx.Rollback()
		return existing, nil
	}

	insertQuery := `INSERT INTO entry_log
			(id, event_id, booking_id, ticket_id, staff_id, gate_id, scanned_at,
			 is_duplicate, duplicate_attempt_number, original_scan_id, device_id, device_type,
			 is_offline_sync, validation_time_ms, cache_hit)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, NULL, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, insertQuery,
		record.ID,
		record.EventID,
		record.BookingID,
		record.TicketID,
		record.StaffID,
		record.GateID,
		record.ScannedAt,
		record.DeviceID,
		record.DeviceType,
		record.IsOfflineSync,
		record.ValidationTimeMs,
		record.CacheHit,
	)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("写入入场记录失败: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("提交入场记录失败: %w", err)
	}

	return nil, nil
}

// CreateDuplicateEntry 写入重复扫码记录
// 事务内统计既有重复次数，保证尝试序号单调递增，返回本次序号
func (r *MySQLRepository) CreateDuplicateEntry(ctx context.Context, record *model.EntryRecord, originalScanID string) (int, error) {
	tx, err := r.masterDB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("开始事务失败: %w", err)
	}

	var priorAttempts int
	countQuery := `SELECT COUNT(*) FROM entry_log
			 WHERE event_id = ? AND ticket_id = ? AND is_duplicate = 1 FOR UPDATE`
	if err := tx.QueryRowContext(ctx, countQuery, record.EventID, record.TicketID).Scan(&priorAttempts); err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("统计重复扫码次数失败: %w", err)
	}

	attemptNumber := priorAttempts + 1

	insertQuery := `INSERT INTO entry_log
			(id, event_id, booking_id, ticket_id, staff_id, gate_id, scanned_at,
			 is_duplicate, duplicate_attempt_number, original_scan_id, device_id, device_type,
			 is_offline_sync, validation_time_ms, cache_hit)
			VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, insertQuery,
		record.ID,
		record.EventID,
		record.BookingID,
		record.TicketID,
		record.StaffID,
		record.GateID,
		record.ScannedAt,
		attemptNumber,
		originalScanID,
		record.DeviceID,
		record.DeviceType,
		record.IsOfflineSync,
		record.ValidationTimeMs,
		record.CacheHit,
	)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("写入重复扫码记录失败: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("提交重复扫码记录失败: %w", err)
	}

	return attemptNumber, nil
}

// TotalEntries 统计活动的有效入场人数
func (r *MySQLRepository) TotalEntries(ctx context.Context, eventID string) (int64, error) {
	query := "SELECT COUNT(*) FROM entry_log WHERE event_id = ? AND is_duplicate = 0"
	var total int64
	if err := r.slaveDB.QueryRowContext(ctx, query, eventID).Scan(&total); err != nil {
		return 0, fmt.Errorf("统计入场人数失败: %w", err)
	}
	return total, nil
}

// DuplicateCount 统计活动的重复扫码次数
func (r *MySQLRepository) DuplicateCount(ctx context.Context, eventID string) (int64, error) {
	query := "SELECT COUNT(*) FROM entry_log WHERE event_id = ? AND is_duplicate = 1"
	var total int64
	if err := r.slaveDB.QueryRowContext(ctx, query, eventID).Scan(&total); err != nil {
		return 0, fmt.Errorf("统计重复扫码次数失败: %w", err)
	}
	return total, nil
}

// OfflineSyncedCount 统计离线补录的入场数
func (r *MySQLRepository) OfflineSyncedCount(ctx context.Context, eventID string) (int64, error) {
	query := "SELECT COUNT(*) FROM entry_log WHERE event_id = ? AND is_offline_sync = 1 AND is_duplicate = 0"
	var total int64
	if err := r.slaveDB.QueryRowContext(ctx, query, eventID).Scan(&total); err != nil {
		return 0, fmt.Errorf("统计离线补录数失败: %w", err)
	}
	return total, nil
}

// GateBreakdown 按闸口统计入场数
func (r *MySQLRepository) GateBreakdown(ctx context.Context, eventID string) ([]model.GateCount, error) {
	query := `SELECT gate_id, COUNT(*) FROM entry_log
			 WHERE event_id = ? AND is_duplicate = 0 GROUP BY gate_id ORDER BY gate_id`
	rows, err := r.slaveDB.QueryContext(ctx, query, eventID)
	if err != nil {
		return nil, fmt.Errorf("按闸口统计失败: %w", err)
	}
	defer rows.Close()

	var counts []model.GateCount
	for rows.Next() {
		var gc model.GateCount
		if err := rows.Scan(&gc.GateID, &gc.Entries); err != nil {
			return nil, fmt.Errorf("扫描闸口统计失败: %w", err)
		}
		counts = append(counts, gc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("迭代闸口统计失败: %w", err)
	}

	return counts, nil
}

// StaffBreakdown 按员工统计入场数和处理的重复扫码数
func (r *MySQLRepository) StaffBreakdown(ctx context.Context, eventID string) ([]model.StaffCount, error) {
	query := `SELECT staff_id,
			 SUM(CASE WHEN is_duplicate = 0 THEN 1 ELSE 0 END),
			 SUM(CASE WHEN is_duplicate = 1 THEN 1 ELSE 0 END)
			 FROM entry_log WHERE event_id = ? GROUP BY staff_id ORDER BY staff_id`
	rows, err := r.slaveDB.QueryContext(ctx, query, eventID)
	if err != nil {
		return nil, fmt.Errorf("按员工统计失败: %w", err)
	}
	defer rows.Close()

	var counts []model.StaffCount
	for rows.Next() {
		var sc model.StaffCount
		if err := rows.Scan(&sc.StaffID, &sc.Entries, &sc.Duplicates); err != nil {
			return nil, fmt.Errorf("扫描员工统计失败: %w", err)
		}
		counts = append(counts, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("迭代员工统计失败: %w", err)
	}

	return counts, nil
}

// HourlyBreakdown 按小时统计入场数
func (r *MySQLRepository) HourlyBreakdown(ctx context.Context, eventID string) ([]model.HourlyCount, error) {
	query := `SELECT DATE_FORMAT(scanned_at, '%Y-%m-%d %H:00'), COUNT(*)
			 FROM entry_log WHERE event_id = ? AND is_duplicate = 0
			 GROUP BY 1 ORDER BY 1`
	rows, err := r.slaveDB.QueryContext(ctx, query, eventID)
	if err != nil {
		return nil, fmt.Errorf("按小时统计失败: %w", err)
	}
	defer rows.Close()

	var counts []model.HourlyCount
	for rows.Next() {
		var hc model.HourlyCount
		if err := rows.Scan(&hc.Hour, &hc.Entries); err != nil {
			return nil, fmt.Errorf("扫描小时统计失败: %w", err)
		}
		counts = append(counts, hc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("迭代小时统计失败: %w", err)
	}

	return counts, nil
}

// DuplicateAttempts 查询活动的全部重复扫码记录
func (r *MySQLRepository) DuplicateAttempts(ctx context.Context, eventID string) ([]*model.EntryRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM entry_log
			 WHERE event_id = ? AND is_duplicate = 1 ORDER BY scanned_at`, entryColumns)
	rows, err := r.slaveDB.QueryContext(ctx, query, eventID)
	if err != nil {
		return nil, fmt.Errorf("查询重复扫码记录失败: %w", err)
	}
	defer rows.Close()

	var records []*model.EntryRecord
	for rows.Next() {
		record, err := scanEntryRow(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描重复扫码记录失败: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("迭代重复扫码记录失败: %w", err)
	}

	return records, nil
}

// Ping 探测主库连通性
func (r *MySQLRepository) Ping(ctx context.Context) error {
	return r.masterDB.PingContext(ctx)
}

// Close 关闭数据库连接
func (r *MySQLRepository) Close() {
	if r.masterDB != nil {
		r.masterDB.Close()
	}
	if r.slaveDB != nil && r.slaveDB != r.masterDB {
		r.slaveDB.Close()
	}
}
