package model

import (
	"time"
)

// TicketFacts 二维码凭证中携带的票务信息
// 凭证只用于定位票，本身不构成入场依据
type TicketFacts struct {
	BookingID string    `json:"bookingId"`
	EventID   string    `json:"eventId"`
	TicketID  string    `json:"ticketId"`
	IssuedAt  time.Time `json:"issuedAt"`
	Nonce     string    `json:"nonce"`
}

// DeviceClaims 设备令牌声明
type DeviceClaims struct {
	DeviceID  string    `json:"deviceId"`
	StaffID   string    `json:"staffId"`
	EventID   string    `json:"eventId"`
	IssuedAt  time.Time `json:"issuedAt"`
	Nonce     string    `json:"nonce"`
	Signature string    `json:"signature,omitempty"`
}

// Booking 订单/票记录，持久层的查询结果
type Booking struct {
	BookingID     string     `json:"bookingId"`
	EventID       string     `json:"eventId"`
	TicketID      string     `json:"ticketId"`
	HolderName    string     `json:"holderName"`
	TicketType    string     `json:"ticketType"`
	Status        string     `json:"status"`
	PurchasedAt   time.Time  `json:"purchasedAt"`
	LastScanID    string     `json:"lastScanId,omitempty"`
	LastScannedAt *time.Time `json:"lastScannedAt,omitempty"`
}

// 订单状态
const (
	BookingStatusConfirmed = "confirmed"
	BookingStatusCancelled = "cancelled"
)

// ScanAttempt 一次扫码请求的输入
type ScanAttempt struct {
	Payload        string     `json:"payload"`
	GateID         string     `json:"gateId"`
	GateName       string     `json:"gateName"`
	DeviceID       string     `json:"deviceId"`
	DeviceName     string     `json:"deviceName"`
	DeviceType     string     `json:"deviceType"`
	StaffID        string     `json:"staffId"`
	EventID        string     `json:"eventId"`
	LocalTimestamp *time.Time `json:"localTimestamp,omitempty"`
	OfflineSync    bool       `json:"-"`
}

// EntryRecord 入场日志记录，只追加不修改
type EntryRecord struct {
	ID                     string    `json:"id"`
	EventID                string    `json:"eventId"`
	BookingID              string    `json:"bookingId"`
	TicketID               string    `json:"ticketId"`
	StaffID                string    `json:"staffId"`
	GateID                 string    `json:"gateId"`
	ScannedAt              time.Time `json:"scannedAt"`
	IsDuplicate            bool      `json:"isDuplicate"`
	DuplicateAttemptNumber int       `json:"duplicateAttemptNumber"`
	OriginalScanID         string    `json:"originalScanId,omitempty"`
	DeviceID               string    `json:"deviceId"`
	DeviceType             string    `json:"deviceType"`
	IsOfflineSync          bool      `json:"isOfflineSync"`
	ValidationTimeMs       int64     `json:"validationTimeMs"`
	CacheHit               bool      `json:"cacheHit"`
}

// 扫码结果状态
const (
	ScanStatusAdmitted  = "admitted"
	ScanStatusDuplicate = "duplicate"
)

// ScanResult 扫码结果
type ScanResult struct {
	Status           string       `json:"status"`
	Message          string       `json:"message"`
	Record           *EntryRecord `json:"record,omitempty"`
	Booking          *Booking     `json:"booking,omitempty"`
	OriginalScan     *EntryRecord `json:"originalScan,omitempty"`
	ValidationTimeMs int64        `json:"validationTimeMs"`
	CacheHit         bool         `json:"cacheHit"`
	Suspicious       bool         `json:"suspicious,omitempty"`
}

// OfflineScan 设备离线期间采集的一次扫码
type OfflineScan struct {
	Payload        string    `json:"payload"`
	GateID         string    `json:"gateId"`
	GateName       string    `json:"gateName"`
	LocalTimestamp time.Time `json:"localTimestamp"`
}

// SyncItemError 批量同步中单条失败的信息
type SyncItemError struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// SyncReport 批量同步结果
type SyncReport struct {
	Total      int             `json:"total"`
	Successful int             `json:"successful"`
	Duplicate  int             `json:"duplicate"`
	Failed     int             `json:"failed"`
	Errors     []SyncItemError `json:"errors,omitempty"`
	Results    []*ScanResult   `json:"results,omitempty"`
}

// ScanEvent Kafka扫码事件，异步更新计数器
type ScanEvent struct {
	EventID     string    `json:"eventId"`
	GateID      string    `json:"gateId"`
	StaffID     string    `json:"staffId"`
	TicketID    string    `json:"ticketId"`
	IsDuplicate bool      `json:"isDuplicate"`
	ScannedAt   time.Time `json:"scannedAt"`
}

// GateCount 闸口维度入场统计
type GateCount struct {
	GateID  string `json:"gateId"`
	Entries int64  `json:"entries"`
}

// StaffCount 员工维度入场统计
type StaffCount struct {
	StaffID    string `json:"staffId"`
	Entries    int64  `json:"entries"`
	Duplicates int64  `json:"duplicates"`
}

// HourlyCount 小时维度入场统计
type HourlyCount struct {
	Hour    string `json:"hour"`
	Entries int64  `json:"entries"`
}

// LiveCounters 缓存中的近似实时计数
type LiveCounters struct {
	EventEntries int64            `json:"eventEntries"`
	ByGate       map[string]int64 `json:"byGate"`
	ByStaff      map[string]int64 `json:"byStaff"`
}

// EventAnalytics 单场活动的入场分析
type EventAnalytics struct {
	EventID        string        `json:"eventId"`
	TotalEntries   int64         `json:"totalEntries"`
	DuplicateScans int64         `json:"duplicateScans"`
	OfflineSynced  int64         `json:"offlineSynced"`
	ByGate         []GateCount   `json:"byGate"`
	ByStaff        []StaffCount  `json:"byStaff"`
	ByHour         []HourlyCount `json:"byHour"`
	Live           *LiveCounters `json:"live,omitempty"`
	GeneratedAt    time.Time     `json:"generatedAt"`
}
