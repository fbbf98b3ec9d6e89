package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/labcontrol-io/platform/pkg/auth"
	"github.com/labcontrol-io/platform/pkg/common/logger"
	"github.com/labcontrol-io/platform/pkg/common/models"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// DashboardSummary is the staff landing-page rollup.
type DashboardSummary struct {
	StudiesByStatus    map[string]int64 `json:"studies_by_status"`
	StudiesThisMonth   int64            `json:"studies_this_month"`
	CompletedThisMonth int64            `json:"completed_this_month"`
	AwaitingResults    int64            `json:"awaiting_results"`
	AppointmentsToday  int64            `json:"appointments_today"`
	UpcomingWeek       int64            `json:"appointments_upcoming_week"`
	TotalInvoiced      float64          `json:"total_invoiced"`
	TotalCollected     float64          `json:"total_collected"`
	OutstandingBalance float64          `json:"outstanding_balance"`
	GeneratedAt        time.Time        `json:"generated_at"`
}

type Service struct {
	db       *gorm.DB
	cache    *redis.Client
	cacheTTL time.Duration
}

func NewService(db *gorm.DB, cache *redis.Client, cacheTTL time.Duration) *Service {
	return &Service{db: db, cache: cache, cacheTTL: cacheTTL}
}

// Summary computes the dashboard for the caller's reach. Results are
// cached per laboratory; a cache miss or a redis outage falls through
// to the database.
func (s *Service) Summary(ctx context.Context, caller auth.Identity) (DashboardSummary, error) {
	if !caller.IsStaff() {
		return DashboardSummary{}, auth.ErrForbidden
	}

	key := cacheKey(caller.LabClientID)
	if s.cache != nil {
		if cached, err := s.cache.Get(ctx, key).Bytes(); err == nil {
			var summary DashboardSummary
			if jerr := json.Unmarshal(cached, &summary); jerr == nil {
				return summary, nil
			}
		} else if err != redis.Nil {
			logger.Log.WithError(err).Warn("dashboard cache read failed")
		}
	}

	summary, err := s.compute(ctx, caller.LabClientID)
	if err != nil {
		return DashboardSummary{}, err
	}

	if s.cache != nil {
		if payload, jerr := json.Marshal(summary); jerr == nil {
			if err := s.cache.Set(ctx, key, payload, s.cacheTTL).Err(); err != nil {
				logger.Log.WithError(err).Warn("dashboard cache write failed")
			}
		}
	}
	return summary, nil
}

// Invalidate drops the cached summary for one laboratory. The global
// view aggregates every lab, so a tenant write stales both keys.
func (s *Service) Invalidate(ctx context.Context, labClientID *int64) {
	if s.cache == nil {
		return
	}
	keys := []string{cacheKey(labClientID)}
	if labClientID != nil {
		keys = append(keys, cacheKey(nil))
	}
	if err := s.cache.Del(ctx, keys...).Err(); err != nil {
		logger.Log.WithError(err).Warn("dashboard cache invalidation failed")
	}
}

func (s *Service) compute(ctx context.Context, labClientID *int64) (DashboardSummary, error) {
	summary := DashboardSummary{
		StudiesByStatus: map[string]int64{},
		GeneratedAt:     time.Now().UTC(),
	}

	tenantSQL := ""
	var tenantArgs []interface{}
	if labClientID != nil {
		tenantSQL = " AND lab_client_id = ?"
		tenantArgs = []interface{}{*labClientID}
	}

	type statusCount struct {
		Status string
		Count  int64
	}
	var counts []statusCount
	if err := s.db.WithContext(ctx).Raw(
		"SELECT status, COUNT(*) AS count FROM studies WHERE is_deleted = false"+tenantSQL+" GROUP BY status",
		tenantArgs...,
	).Scan(&counts).Error; err != nil {
		return DashboardSummary{}, err
	}
	for _, c := range counts {
		summary.StudiesByStatus[c.Status] = c.Count
	}
	summary.AwaitingResults = summary.StudiesByStatus[string(models.StudyInProgress)]

	now := time.Now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	if err := s.db.WithContext(ctx).Raw(
		"SELECT COUNT(*) FROM studies WHERE is_deleted = false AND created_at >= ?"+tenantSQL,
		append([]interface{}{monthStart}, tenantArgs...)...,
	).Scan(&summary.StudiesThisMonth).Error; err != nil {
		return DashboardSummary{}, err
	}
	if err := s.db.WithContext(ctx).Raw(
		"SELECT COUNT(*) FROM studies WHERE is_deleted = false AND status = ? AND completed_at >= ?"+tenantSQL,
		append([]interface{}{string(models.StudyCompleted), monthStart}, tenantArgs...)...,
	).Scan(&summary.CompletedThisMonth).Error; err != nil {
		return DashboardSummary{}, err
	}

	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if err := s.db.WithContext(ctx).Raw(
		"SELECT COUNT(*) FROM appointments WHERE is_deleted = false AND scheduled_date >= ? AND scheduled_date < ?"+tenantSQL,
		append([]interface{}{dayStart, dayStart.AddDate(0, 0, 1)}, tenantArgs...)...,
	).Scan(&summary.AppointmentsToday).Error; err != nil {
		return DashboardSummary{}, err
	}
	if err := s.db.WithContext(ctx).Raw(
		"SELECT COUNT(*) FROM appointments WHERE is_deleted = false AND status IN ? AND scheduled_date >= ? AND scheduled_date < ?"+tenantSQL,
		append([]interface{}{[]string{string(models.AppointmentScheduled), string(models.AppointmentConfirmed)}, now, now.AddDate(0, 0, 7)}, tenantArgs...)...,
	).Scan(&summary.UpcomingWeek).Error; err != nil {
		return DashboardSummary{}, err
	}

	type revenueRow struct {
		Invoiced  float64
		Collected float64
	}
	var revenue revenueRow
	if err := s.db.WithContext(ctx).Raw(
		"SELECT COALESCE(SUM(total_amount), 0) AS invoiced, COALESCE(SUM(paid_amount), 0) AS collected FROM invoices WHERE is_deleted = false AND status NOT IN ?"+tenantSQL,
		append([]interface{}{[]string{string(models.InvoiceCancelled), string(models.InvoiceRefunded)}}, tenantArgs...)...,
	).Scan(&revenue).Error; err != nil {
		return DashboardSummary{}, err
	}
	summary.TotalInvoiced = revenue.Invoiced
	summary.TotalCollected = revenue.Collected
	summary.OutstandingBalance = revenue.Invoiced - revenue.Collected

	return summary, nil
}

func cacheKey(labClientID *int64) string {
	if labClientID == nil {
		return "dashboard:global"
	}
	return fmt.Sprintf("dashboard:lab:%d", *labClientID)
}
