package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lvdashuaibi/gatekeeper/config"
	"github.com/lvdashuaibi/gatekeeper/internal/admission"
	"github.com/lvdashuaibi/gatekeeper/internal/analytics"
	"github.com/lvdashuaibi/gatekeeper/internal/device"
	"github.com/lvdashuaibi/gatekeeper/internal/model"
	"github.com/lvdashuaibi/gatekeeper/internal/ratelimit"
	"github.com/lvdashuaibi/gatekeeper/internal/syncer"
)

// 上游认证层传入的调用方身份，按约定直接信任
const (
	HeaderDeviceToken = "X-Device-Token"
	HeaderCallerID    = "X-Caller-Id"
	HeaderCallerRole  = "X-Caller-Role"
)

const claimsContextKey = "deviceClaims"

// HealthChecker 后端存储连通性探测
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Server HTTP服务
type Server struct {
	engine     *admission.Engine
	reconciler *syncer.Reconciler
	limiter    *ratelimit.Limiter
	aggregator *analytics.Aggregator
	tokens     *device.TokenService
	store      HealthChecker
	cache      HealthChecker
	router     *gin.Engine
}

func NewServer(
	scanEngine *admission.Engine,
	reconciler *syncer.Reconciler,
	limiter *ratelimit.Limiter,
	aggregator *analytics.Aggregator,
	tokens *device.TokenService,
	store HealthChecker,
	cache HealthChecker,
) *Server {
	s := &Server{
		engine:     scanEngine,
		reconciler: reconciler,
		limiter:    limiter,
		aggregator: aggregator,
		tokens:     tokens,
		store:      store,
		cache:      cache,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", s.handleHealth)

	v1 := router.Group("/api/v1")
	v1.POST("/device/register", s.handleDeviceRegister)

	scan := v1.Group("/scan")
	scan.Use(s.deviceAuth())
	scan.POST("/validate-qr", s.rateLimit(ratelimit.ScopeScan), s.handleValidateQR)
	scan.POST("/offline-sync", s.rateLimit(ratelimit.ScopeSync), s.handleOfflineSync)

	reports := v1.Group("")
	reports.Use(s.deviceAuth(), s.rateLimit(ratelimit.ScopeAPI))
	reports.GET("/analytics/:eventId", s.handleAnalytics)
	reports.GET("/duplicate-attempts/:eventId", s.handleDuplicateAttempts)
	reports.GET("/staff-report/:eventId", s.handleStaffReport)
	reports.GET("/gate-report/:eventId", s.handleGateReport)

	return router
}

// Router 返回底层路由，测试时直接挂载
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start 启动HTTP服务器
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	log.Printf("HTTP服务已启动，监听地址: %s", addr)
	return s.router.Run(addr)
}

// deviceAuth 校验设备令牌，失败等同于401
func (s *Server) deviceAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader(HeaderDeviceToken)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "缺少设备令牌"})
			return
		}

		claims, err := s.tokens.Verify(token, config.AppConfig.Device.MaxAge)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		c.Set(claimsContextKey, claims)
		c.Next()
	}
}

// rateLimit 在请求进入判定引擎前做固定窗口限流
func (s *Server) rateLimit(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := mustClaims(c)
		callerID := c.GetHeader(HeaderCallerID)
		role := c.GetHeader(HeaderCallerRole)

		decision := s.limiter.Allow(c.Request.Context(), scope, claims.DeviceID, callerID, role)
		if !decision.Allowed {
			retryAfter := int(decision.RetryAfter / time.Second)
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", fmt.Sprintf("%d", retryAfter))
			msg := "请求过于频繁，请稍后重试"
			if decision.Blocked {
				msg = "设备已被临时封禁"
			}
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":      msg,
				"retryAfter": retryAfter,
			})
			return
		}

		c.Next()
	}
}

type deviceRegisterRequest struct {
	DeviceID string `json:"deviceId" binding:"required"`
	StaffID  string `json:"staffId" binding:"required"`
	EventID  string `json:"eventId" binding:"required"`
}

// handleDeviceRegister 设备配对，签发设备令牌
func (s *Server) handleDeviceRegister(c *gin.Context) {
	var req deviceRegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数不完整"})
		return
	}

	token, err := s.tokens.Issue(req.DeviceID, req.StaffID, req.EventID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "签发设备令牌失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":    token,
		"deviceId": req.DeviceID,
		"eventId":  req.EventID,
	})
}

type validateQRRequest struct {
	Payload        string     `json:"credentialPayload" binding:"required"`
	GateID         string     `json:"gateId" binding:"required"`
	GateName       string     `json:"gateName"`
	DeviceName     string     `json:"deviceName"`
	DeviceType     string     `json:"deviceType"`
	LocalTimestamp *time.Time `json:"localTimestamp,omitempty"`
}

// handleValidateQR 现场扫码入场判定
func (s *Server) handleValidateQR(c *gin.Context) {
	claims := mustClaims(c)

	var req validateQRRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数不完整"})
		return
	}

	attempt := &model.ScanAttempt{
		Payload:        req.Payload,
		GateID:         req.GateID,
		GateName:       req.GateName,
		DeviceID:       claims.DeviceID,
		DeviceName:     req.DeviceName,
		DeviceType:     req.DeviceType,
		StaffID:        claims.StaffID,
		EventID:        claims.EventID,
		LocalTimestamp: req.LocalTimestamp,
	}

	result, err := s.engine.Scan(c.Request.Context(), attempt)
	if err != nil {
		s.rejectScan(c, claims.DeviceID, err)
		return
	}

	if result.Status == model.ScanStatusDuplicate {
		c.JSON(http.StatusConflict, result)
		return
	}

	c.JSON(http.StatusOK, result)
}

// rejectScan 按错误分类映射HTTP状态并记录校验失败
func (s *Server) rejectScan(c *gin.Context, deviceID string, err error) {
	switch {
	case errors.Is(err, admission.ErrInvalidCredential):
		s.limiter.RecordFailure(c.Request.Context(), deviceID)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "reason": "invalid_credential"})
	case errors.Is(err, admission.ErrNotFound):
		s.limiter.RecordFailure(c.Request.Context(), deviceID)
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "reason": "not_found"})
	case errors.Is(err, admission.ErrWrongEvent):
		s.limiter.RecordFailure(c.Request.Context(), deviceID)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "reason": "wrong_event"})
	case errors.Is(err, admission.ErrCancelled):
		s.limiter.RecordFailure(c.Request.Context(), deviceID)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "reason": "cancelled"})
	case errors.Is(err, admission.ErrInvalidStatus):
		s.limiter.RecordFailure(c.Request.Context(), deviceID)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "reason": "invalid_status"})
	default:
		// 存储或缓存故障，不猜测放行与否，宁可拒绝
		log.Printf("扫码判定内部错误: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "系统繁忙，请重试", "reason": "internal"})
	}
}

type offlineSyncRequest struct {
	Scans      []model.OfflineScan `json:"scans" binding:"required"`
	DeviceName string              `json:"deviceName"`
	DeviceType string              `json:"deviceType"`
	SyncedAt   *time.Time          `json:"syncedAt,omitempty"`
}

// handleOfflineSync 离线扫码批量补录
func (s *Server) handleOfflineSync(c *gin.Context) {
	claims := mustClaims(c)

	var req offlineSyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数不完整"})
		return
	}

	report, err := s.reconciler.SyncBatch(c.Request.Context(), claims, req.Scans, req.DeviceName, req.DeviceType)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, report)
}

// handleAnalytics 活动入场分析
func (s *Server) handleAnalytics(c *gin.Context) {
	result, err := s.aggregator.EventAnalytics(c.Request.Context(), c.Param("eventId"))
	if err != nil {
		log.Printf("查询活动分析失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询活动分析失败"})
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleDuplicateAttempts 重复扫码明细
func (s *Server) handleDuplicateAttempts(c *gin.Context) {
	records, err := s.aggregator.DuplicateAttempts(c.Request.Context(), c.Param("eventId"))
	if err != nil {
		log.Printf("查询重复扫码明细失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询重复扫码明细失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"eventId": c.Param("eventId"), "attempts": records})
}

// handleStaffReport 员工维度报表
func (s *Server) handleStaffReport(c *gin.Context) {
	counts, err := s.aggregator.StaffReport(c.Request.Context(), c.Param("eventId"))
	if err != nil {
		log.Printf("查询员工报表失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询员工报表失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"eventId": c.Param("eventId"), "staff": counts})
}

// handleGateReport 闸口维度报表
func (s *Server) handleGateReport(c *gin.Context) {
	counts, err := s.aggregator.GateReport(c.Request.Context(), c.Param("eventId"))
	if err != nil {
		log.Printf("查询闸口报表失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询闸口报表失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"eventId": c.Param("eventId"), "gates": counts})
}

// handleHealth 健康检查，报告持久层与缓存层连通性
// 缓存不可用不影响整体状态: 扫码路径可以降级运行
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	overall := "ok"
	status := http.StatusOK
	storeStatus := "ok"
	if s.store != nil {
		if err := s.store.Ping(ctx); err != nil {
			storeStatus = "down"
			overall = "down"
			status = http.StatusServiceUnavailable
		}
	}

	cacheStatus := "ok"
	if s.cache != nil {
		if err := s.cache.Ping(ctx); err != nil {
			cacheStatus = "degraded"
		}
	}

	c.JSON(status, gin.H{
		"status": overall,
		"mysql":  storeStatus,
		"redis":  cacheStatus,
		"time":   time.Now().Format(time.RFC3339),
	})
}

// mustClaims 从上下文取出deviceAuth写入的令牌声明
func mustClaims(c *gin.Context) *model.DeviceClaims {
	value, _ := c.Get(claimsContextKey)
	claims, _ := value.(*model.DeviceClaims)
	if claims == nil {
		claims = &model.DeviceClaims{}
	}
	return claims
}
