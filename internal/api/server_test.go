package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lvdashuaibi/gatekeeper/config"
	"github.com/lvdashuaibi/gatekeeper/internal/admission"
	"github.com/lvdashuaibi/gatekeeper/internal/credential"
	"github.com/lvdashuaibi/gatekeeper/internal/device"
	"github.com/lvdashuaibi/gatekeeper/internal/model"
	"github.com/lvdashuaibi/gatekeeper/internal/ratelimit"
	"github.com/lvdashuaibi/gatekeeper/internal/syncer"
)

// memStore 内存版持久层
type memStore struct {
	mu         sync.Mutex
	bookings   map[string]*model.Booking
	originals  map[string]*model.EntryRecord
	duplicates map[string]int
}

func newMemStore() *memStore {
	return &memStore{
		bookings:   make(map[string]*model.Booking),
		originals:  make(map[string]*model.EntryRecord),
		duplicates: make(map[string]int),
	}
}

func (s *memStore) key(eventID, ticketID string) string { return eventID + ":" + ticketID }

func (s *memStore) GetBookingByTicket(ctx context.Context, ticketID string) (*model.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	booking, ok := s.bookings[ticketID]
	if !ok {
		return nil, nil
	}
	copied := *booking
	return &copied, nil
}

func (s *memStore) FindOriginalEntry(ctx context.Context, eventID, ticketID string) (*model.EntryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.originals[s.key(eventID, ticketID)]
	if !ok {
		return nil, nil
	}
	copied := *record
	return &copied, nil
}

func (s *memStore) CreateEntry(ctx context.Context, record *model.EntryRecord) (*model.EntryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := s.key(record.EventID, record.TicketID)
	if existing, ok := s.originals[key]; ok {
		copied := *existing
		return &copied, nil
	}
	copied := *record
	s.originals[key] = &copied
	return nil, nil
}

func (s *memStore) CreateDuplicateEntry(ctx context.Context, record *model.EntryRecord, originalScanID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := s.key(record.EventID, record.TicketID)
	s.duplicates[key]++
	return s.duplicates[key], nil
}

// memCache 内存版缓存层兼窗口计数存储
type memCache struct {
	mu      sync.Mutex
	markers map[string]string
	lookups map[string]*model.Booking
	windows map[string]int64
	blocked map[string]bool
}

func newMemCache() *memCache {
	return &memCache{
		markers: make(map[string]string),
		lookups: make(map[string]*model.Booking),
		windows: make(map[string]int64),
		blocked: make(map[string]bool),
	}
}

func (c *memCache) IsScanned(ctx context.Context, eventID, ticketID string) (bool, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	scanID, ok := c.markers[eventID+":"+ticketID]
	return ok, scanID, nil
}

func (c *memCache) MarkScanned(ctx context.Context, eventID, ticketID, scanID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := eventID + ":" + ticketID
	if _, ok := c.markers[key]; ok {
		return false, nil
	}
	c.markers[key] = scanID
	return true, nil
}

func (c *memCache) GetTicketLookup(ctx context.Context, ticketID string) (*model.Booking, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	booking, ok := c.lookups[ticketID]
	if !ok {
		return nil, false, nil
	}
	copied := *booking
	return &copied, true, nil
}

func (c *memCache) SetTicketLookup(ctx context.Context, booking *model.Booking) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	copied := *booking
	c.lookups[booking.TicketID] = &copied
	return nil
}

func (c *memCache) IncrEntryCounters(ctx context.Context, eventID, gateID, staffID string) error {
	return nil
}

func (c *memCache) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.windows[key]++
	return c.windows[key], window, nil
}

func (c *memCache) BlockDevice(ctx context.Context, deviceID string, duration time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocked[deviceID] = true
	return nil
}

func (c *memCache) IsDeviceBlocked(ctx context.Context, deviceID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocked[deviceID], nil
}

type testEnv struct {
	server *Server
	store  *memStore
	cache  *memCache
	codec  *credential.Codec
	token  string
}

func setupServer(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	oldCfg := config.AppConfig
	config.AppConfig.Device = config.DeviceConfig{SecretKey: "api-test-device-secret", MaxAge: time.Hour}
	config.AppConfig.Credential = config.CredentialConfig{SecretKey: "api-test-credential-secret", MaxAge: 30 * time.Minute}
	config.AppConfig.RateLimit = config.RateLimitConfig{
		Window:          time.Minute,
		ScanPerWindow:   5,
		APIPerWindow:    100,
		SyncPerWindow:   5,
		FailureWindow:   5 * time.Minute,
		FailureLimit:    100,
		SameTicketLimit: 100,
		BlockDuration:   30 * time.Minute,
		SuperRole:       "admin",
	}
	config.AppConfig.Sync = config.SyncConfig{MaxBatchSize: 500, LockTimeout: 30 * time.Second}
	t.Cleanup(func() { config.AppConfig = oldCfg })

	codec, err := credential.NewCodec(config.AppConfig.Credential.SecretKey)
	if err != nil {
		t.Fatalf("创建编解码器失败: %v", err)
	}
	tokens, err := device.NewTokenService(config.AppConfig.Device.SecretKey)
	if err != nil {
		t.Fatalf("创建令牌服务失败: %v", err)
	}

	store := newMemStore()
	cache := newMemCache()
	limiter := ratelimit.NewLimiter(cache)
	engine := admission.NewEngine(codec, store, cache, nil, limiter, config.AppConfig.Credential.MaxAge)
	reconciler := syncer.NewReconciler(engine, nil)

	server := NewServer(engine, reconciler, limiter, nil, tokens, nil, nil)

	token, err := tokens.Issue("dev-1", "staff-1", "evt-1")
	if err != nil {
		t.Fatalf("签发设备令牌失败: %v", err)
	}

	return &testEnv{server: server, store: store, cache: cache, codec: codec, token: token}
}

func (env *testEnv) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("序列化请求体失败: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(HeaderDeviceToken, token)
	}
	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)
	return rec
}

func (env *testEnv) encodeTicket(t *testing.T, ticketID string) string {
	t.Helper()
	payload, err := env.codec.Encode(&model.TicketFacts{
		BookingID: "bk-" + ticketID,
		EventID:   "evt-1",
		TicketID:  ticketID,
	})
	if err != nil {
		t.Fatalf("编码凭证失败: %v", err)
	}
	return payload
}

func (env *testEnv) addBooking(ticketID, status string) {
	env.store.bookings[ticketID] = &model.Booking{
		BookingID:   "bk-" + ticketID,
		EventID:     "evt-1",
		TicketID:    ticketID,
		HolderName:  "测试观众",
		TicketType:  "standard",
		Status:      status,
		PurchasedAt: time.Now().Add(-24 * time.Hour),
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := setupServer(t)

	rec := env.do(t, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("健康检查应返回200，实际: %d", rec.Code)
	}
}

func TestValidateQRRequiresDeviceToken(t *testing.T) {
	env := setupServer(t)

	rec := env.do(t, http.MethodPost, "/api/v1/scan/validate-qr", "", gin.H{
		"credentialPayload": "x", "gateId": "gate-A",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("缺少设备令牌应返回401，实际: %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/scan/validate-qr", "bad-token", gin.H{
		"credentialPayload": "x", "gateId": "gate-A",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("非法设备令牌应返回401，实际: %d", rec.Code)
	}
}

func TestValidateQRAdmitThenConflict(t *testing.T) {
	env := setupServer(t)
	env.addBooking("tk-1", model.BookingStatusConfirmed)
	payload := env.encodeTicket(t, "tk-1")

	body := gin.H{"credentialPayload": payload, "gateId": "gate-A", "deviceType": "handheld"}

	rec := env.do(t, http.MethodPost, "/api/v1/scan/validate-qr", env.token, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("首次扫码应返回200，实际: %d，响应: %s", rec.Code, rec.Body.String())
	}

	var result model.ScanResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("解析扫码结果失败: %v", err)
	}
	if result.Status != model.ScanStatusAdmitted {
		t.Fatalf("首次扫码状态应为admitted，实际: %s", result.Status)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/scan/validate-qr", env.token, body)
	if rec.Code != http.StatusConflict {
		t.Fatalf("重复扫码应返回409，实际: %d", rec.Code)
	}
}

func TestValidateQRRejectMapping(t *testing.T) {
	env := setupServer(t)
	env.addBooking("tk-cancelled", model.BookingStatusCancelled)

	cases := []struct {
		name    string
		payload string
		want    int
	}{
		{"非法凭证", "garbage", http.StatusBadRequest},
		{"票不存在", env.encodeTicket(t, "tk-missing"), http.StatusNotFound},
		{"订单已取消", env.encodeTicket(t, "tk-cancelled"), http.StatusBadRequest},
	}

	for _, tc := range cases {
		rec := env.do(t, http.MethodPost, "/api/v1/scan/validate-qr", env.token, gin.H{
			"credentialPayload": tc.payload, "gateId": "gate-A",
		})
		if rec.Code != tc.want {
			t.Fatalf("%s应返回%d，实际: %d，响应: %s", tc.name, tc.want, rec.Code, rec.Body.String())
		}
	}
}

func TestScanRateLimitReturns429(t *testing.T) {
	env := setupServer(t)
	env.addBooking("tk-1", model.BookingStatusConfirmed)

	body := gin.H{"credentialPayload": env.encodeTicket(t, "tk-1"), "gateId": "gate-A"}

	// 阈值5，第6次触发限流
	var last *httptest.ResponseRecorder
	for i := 0; i < 6; i++ {
		last = env.do(t, http.MethodPost, "/api/v1/scan/validate-qr", env.token, body)
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("超过窗口阈值应返回429，实际: %d", last.Code)
	}
	if last.Header().Get("Retry-After") == "" {
		t.Fatal("限流响应应携带Retry-After头")
	}
}

func TestDeviceRegisterIssuesUsableToken(t *testing.T) {
	env := setupServer(t)
	env.addBooking("tk-1", model.BookingStatusConfirmed)

	rec := env.do(t, http.MethodPost, "/api/v1/device/register", "", gin.H{
		"deviceId": "dev-2", "staffId": "staff-2", "eventId": "evt-1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("设备配对应返回200，实际: %d，响应: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("解析配对响应失败: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("配对响应缺少令牌")
	}

	// 新签发的令牌立即可用于扫码
	scan := env.do(t, http.MethodPost, "/api/v1/scan/validate-qr", resp.Token, gin.H{
		"credentialPayload": env.encodeTicket(t, "tk-1"), "gateId": "gate-B",
	})
	if scan.Code != http.StatusOK {
		t.Fatalf("新令牌扫码应返回200，实际: %d，响应: %s", scan.Code, scan.Body.String())
	}
}

func TestOfflineSyncEndpoint(t *testing.T) {
	env := setupServer(t)
	env.addBooking("tk-1", model.BookingStatusConfirmed)
	env.addBooking("tk-2", model.BookingStatusConfirmed)

	payload1 := env.encodeTicket(t, "tk-1")
	scans := []gin.H{
		{"payload": payload1, "gateId": "gate-A", "localTimestamp": time.Now().Add(-30 * time.Minute).Format(time.RFC3339)},
		{"payload": payload1, "gateId": "gate-A", "localTimestamp": time.Now().Add(-20 * time.Minute).Format(time.RFC3339)},
		{"payload": env.encodeTicket(t, "tk-2"), "gateId": "gate-B", "localTimestamp": time.Now().Add(-10 * time.Minute).Format(time.RFC3339)},
	}

	rec := env.do(t, http.MethodPost, "/api/v1/scan/offline-sync", env.token, gin.H{
		"scans": scans, "deviceType": "handheld",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("离线补录应返回200，实际: %d，响应: %s", rec.Code, rec.Body.String())
	}

	var report model.SyncReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("解析补录报告失败: %v", err)
	}
	if report.Total != 3 || report.Successful != 2 || report.Duplicate != 1 || report.Failed != 0 {
		t.Fatalf("补录统计不符: %+v", report)
	}
}

func TestOfflineSyncEmptyBatchReturnsEmptyReport(t *testing.T) {
	env := setupServer(t)

	rec := env.do(t, http.MethodPost, "/api/v1/scan/offline-sync", env.token, gin.H{
		"scans": []gin.H{},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("空批次应返回200，实际: %d，响应: %s", rec.Code, rec.Body.String())
	}

	var report model.SyncReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("解析补录报告失败: %v", err)
	}
	if report.Total != 0 || report.Successful != 0 {
		t.Fatalf("空批次应返回空报告: %+v", report)
	}
}
