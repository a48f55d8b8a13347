package graph

import (
	"context"
	"net/http"
	"time"

	graphql "github.com/graph-gophers/graphql-go"
	"github.com/graph-gophers/graphql-go/relay"
	"github.com/lvdashuaibi/gatekeeper/internal/analytics"
	"github.com/lvdashuaibi/gatekeeper/internal/model"
)

// AnalyticsServer 只读的GraphQL分析查询入口
// 大屏和后台用它一次取齐权威统计与实时近似计数
type AnalyticsServer struct {
	schema  *graphql.Schema
	handler *relay.Handler
}

const schemaString = `
type GateCount {
  gateId: String!
  entries: Int!
}

type StaffCount {
  staffId: String!
  entries: Int!
  duplicates: Int!
}

type HourlyCount {
  hour: String!
  entries: Int!
}

type EntryRecord {
  id: String!
  ticketId: String!
  staffId: String!
  gateId: String!
  scannedAt: String!
  duplicateAttemptNumber: Int!
  originalScanId: String!
}

type EventAnalytics {
  eventId: String!
  totalEntries: Int!
  duplicateScans: Int!
  offlineSynced: Int!
  liveEntries: Int!
  byGate: [GateCount!]!
  byStaff: [StaffCount!]!
  byHour: [HourlyCount!]!
  generatedAt: String!
}

type Query {
  # 活动入场分析
  eventAnalytics(eventId: String!): EventAnalytics!

  # 重复扫码明细
  duplicateAttempts(eventId: String!): [EntryRecord!]!
}

schema {
  query: Query
}
`

// NewAnalyticsServer 创建GraphQL分析服务
func NewAnalyticsServer(aggregator *analytics.Aggregator) *AnalyticsServer {
	resolver := &Resolver{aggregator: aggregator}

	schema := graphql.MustParseSchema(schemaString, resolver,
		graphql.UseFieldResolvers(),
	)

	return &AnalyticsServer{
		schema:  schema,
		handler: &relay.Handler{Schema: schema},
	}
}

// Handler 返回HTTP处理器，由上层路由挂载
func (s *AnalyticsServer) Handler() http.Handler {
	return s.handler
}

// Resolver GraphQL解析器
type Resolver struct {
	aggregator *analytics.Aggregator
}

// EventAnalytics 活动入场分析
func (r *Resolver) EventAnalytics(ctx context.Context, args struct{ EventID string }) (*EventAnalyticsResolver, error) {
	result, err := r.aggregator.EventAnalytics(ctx, args.EventID)
	if err != nil {
		return nil, err
	}
	return &EventAnalyticsResolver{analytics: result}, nil
}

// DuplicateAttempts 重复扫码明细
func (r *Resolver) DuplicateAttempts(ctx context.Context, args struct{ EventID string }) ([]*EntryRecordResolver, error) {
	records, err := r.aggregator.DuplicateAttempts(ctx, args.EventID)
	if err != nil {
		return nil, err
	}

	resolvers := make([]*EntryRecordResolver, len(records))
	for i, record := range records {
		resolvers[i] = &EntryRecordResolver{record: record}
	}
	return resolvers, nil
}

// EventAnalyticsResolver 活动分析解析器
type EventAnalyticsResolver struct {
	analytics *model.EventAnalytics
}

func (r *EventAnalyticsResolver) EventID() string {
	return r.analytics.EventID
}

func (r *EventAnalyticsResolver) TotalEntries() int32 {
	return int32(r.analytics.TotalEntries)
}

func (r *EventAnalyticsResolver) DuplicateScans() int32 {
	return int32(r.analytics.DuplicateScans)
}

func (r *EventAnalyticsResolver) OfflineSynced() int32 {
	return int32(r.analytics.OfflineSynced)
}

func (r *EventAnalyticsResolver) LiveEntries() int32 {
	if r.analytics.Live == nil {
		return 0
	}
	return int32(r.analytics.Live.EventEntries)
}

func (r *EventAnalyticsResolver) ByGate() []*GateCountResolver {
	resolvers := make([]*GateCountResolver, len(r.analytics.ByGate))
	for i := range r.analytics.ByGate {
		resolvers[i] = &GateCountResolver{count: r.analytics.ByGate[i]}
	}
	return resolvers
}

func (r *EventAnalyticsResolver) ByStaff() []*StaffCountResolver {
	resolvers := make([]*StaffCountResolver, len(r.analytics.ByStaff))
	for i := range r.analytics.ByStaff {
		resolvers[i] = &StaffCountResolver{count: r.analytics.ByStaff[i]}
	}
	return resolvers
}

func (r *EventAnalyticsResolver) ByHour() []*HourlyCountResolver {
	resolvers := make([]*HourlyCountResolver, len(r.analytics.ByHour))
	for i := range r.analytics.ByHour {
		resolvers[i] = &HourlyCountResolver{count: r.analytics.ByHour[i]}
	}
	return resolvers
}

func (r *EventAnalyticsResolver) GeneratedAt() string {
	return r.analytics.GeneratedAt.Format(time.RFC3339)
}

// GateCountResolver 闸口统计解析器
type GateCountResolver struct {
	count model.GateCount
}

func (r *GateCountResolver) GateID() string {
	return r.count.GateID
}

func (r *GateCountResolver) Entries() int32 {
	return int32(r.count.Entries)
}

// StaffCountResolver 员工统计解析器
type StaffCountResolver struct {
	count model.StaffCount
}

func (r *StaffCountResolver) StaffID() string {
	return r.count.StaffID
}

func (r *StaffCountResolver) Entries() int32 {
	return int32(r.count.Entries)
}

func (r *StaffCountResolver) Duplicates() int32 {
	return int32(r.count.Duplicates)
}

// HourlyCountResolver 小时统计解析器
type HourlyCountResolver struct {
	count model.HourlyCount
}

func (r *HourlyCountResolver) Hour() string {
	return r.count.Hour
}

func (r *HourlyCountResolver) Entries() int32 {
	return int32(r.count.Entries)
}

// EntryRecordResolver 入场记录解析器
type EntryRecordResolver struct {
	record *model.EntryRecord
}

func (r *EntryRecordResolver) ID() string {
	return r.record.ID
}

func (r *EntryRecordResolver) TicketID() string {
	return r.record.TicketID
}

func (r *EntryRecordResolver) StaffID() string {
	return r.record.StaffID
}

func (r *EntryRecordResolver) GateID() string {
	return r.record.GateID
}

func (r *EntryRecordResolver) ScannedAt() string {
	return r.record.ScannedAt.Format(time.RFC3339)
}

func (r *EntryRecordResolver) DuplicateAttemptNumber() int32 {
	return int32(r.record.DuplicateAttemptNumber)
}

func (r *EntryRecordResolver) OriginalScanID() string {
	return r.record.OriginalScanID
}
