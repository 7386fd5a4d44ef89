package statistics

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/meridianpress/entitlements/internal/models"
	"github.com/meridianpress/entitlements/pkg/types"
)

type Service struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func NewService(db *gorm.DB, log *zap.SugaredLogger) *Service {
	return &Service{db: db, log: log}
}

// Overview is the operator dashboard snapshot: where the entitlement
// population sits in the state machine, how much of it is renewal traffic,
// and how the recent sweeps went.
type Overview struct {
	GeneratedAt    time.Time                         `json:"generated_at"`
	StatusCounts   map[types.EntitlementStatus]int64 `json:"status_counts"`
	TotalChains    int64                             `json:"total_chains"`
	RenewalCount   int64                             `json:"renewal_count"`
	LatestCount    int64                             `json:"latest_count"`
	BroadcastCount int64                             `json:"broadcast_count"`
	RecentSweeps   []*models.SweepRun                `json:"recent_sweeps"`
}

func (s *Service) GetOverview(ctx context.Context) (*Overview, error) {
	o := &Overview{
		GeneratedAt:  time.Now(),
		StatusCounts: map[types.EntitlementStatus]int64{},
	}

	type statusRow struct {
		Status types.EntitlementStatus
		Count  int64
	}
	var rows []statusRow
	err := s.db.WithContext(ctx).Model(&models.Entitlement{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count entitlements by status: %w", err)
	}
	for _, r := range rows {
		o.StatusCounts[r.Status] = r.Count
	}

	err = s.db.WithContext(ctx).Model(&models.Entitlement{}).
		Distinct("chain_id").Count(&o.TotalChains).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count chains: %w", err)
	}

	err = s.db.WithContext(ctx).Model(&models.Entitlement{}).
		Where("is_renewal = ?", true).Count(&o.RenewalCount).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count renewals: %w", err)
	}

	err = s.db.WithContext(ctx).Model(&models.Entitlement{}).
		Where("is_latest = ?", true).Count(&o.LatestCount).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count latest entitlements: %w", err)
	}

	err = s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("kind = ?", types.NotificationKindBroadcast).Count(&o.BroadcastCount).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count broadcasts: %w", err)
	}

	err = s.db.WithContext(ctx).
		Order("ran_at desc").Limit(10).
		Find(&o.RecentSweeps).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load recent sweeps: %w", err)
	}

	return o, nil
}
