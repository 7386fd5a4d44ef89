package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/meridianpress/entitlements/internal/app/service/notification"
	"github.com/meridianpress/entitlements/internal/models"
	"github.com/meridianpress/entitlements/internal/testutil"
	"github.com/meridianpress/entitlements/pkg/config"
	"github.com/meridianpress/entitlements/pkg/tool"
	"github.com/meridianpress/entitlements/pkg/types"
)

func newSweepService(t *testing.T) (*Service, *gorm.DB) {
	db := testutil.SetupTestDB(t)
	log := zap.NewNop().Sugar()
	cfg := &config.Config{Reconcile: config.ReconcileConfig{
		SoonThresholdDays: 3,
		ItemTimeout:       5 * time.Second,
		MinWindow:         time.Minute,
	}}
	notif := notification.NewService(db, log)
	return NewService(cfg, db, log, notif), db
}

func seedRow(t *testing.T, db *gorm.DB, status types.EntitlementStatus, payment types.PaymentStatus, end time.Time) *models.Entitlement {
	t.Helper()
	e := &models.Entitlement{
		ID:                tool.GenerateUUIDV7(),
		UserID:            "u-" + tool.GenerateUUIDV7(),
		ProductID:         "p-1",
		StartDate:         end.Add(-30 * 24 * time.Hour),
		EndDate:           end,
		OriginalStartDate: end.Add(-30 * 24 * time.Hour),
		Status:            status,
		PaymentStatus:     payment,
		IsLatest:          true,
		ChainID:           tool.GenerateUUIDV7(),
	}
	require.NoError(t, db.Create(e).Error)
	return e
}

func reload(t *testing.T, db *gorm.DB, id string) *models.Entitlement {
	t.Helper()
	var e models.Entitlement
	require.NoError(t, db.Where("id = ?", id).First(&e).Error)
	return &e
}

func notificationCount(t *testing.T, db *gorm.DB, entitlementID string) int64 {
	t.Helper()
	var count int64
	require.NoError(t, db.Model(&models.Notification{}).
		Where("entitlement_id = ?", entitlementID).Count(&count).Error)
	return count
}

func TestRunSweep_Transitions(t *testing.T) {
	svc, db := newSweepService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	pastEnd := seedRow(t, db, types.EntitlementStatusActive, types.PaymentStatusCompleted, now.Add(-time.Hour))
	nearEnd := seedRow(t, db, types.EntitlementStatusActive, types.PaymentStatusCompleted, now.Add(24*time.Hour))
	farEnd := seedRow(t, db, types.EntitlementStatusActive, types.PaymentStatusCompleted, now.Add(60*24*time.Hour))
	paymentCaughtUp := seedRow(t, db, types.EntitlementStatusPending, types.PaymentStatusCompleted, now.Add(60*24*time.Hour))
	extended := seedRow(t, db, types.EntitlementStatusExpired, types.PaymentStatusCompleted, now.Add(30*24*time.Hour))

	result, err := svc.RunSweep(ctx, types.TriggerSourceCron)
	require.NoError(t, err)

	assert.Equal(t, types.EntitlementStatusExpired, reload(t, db, pastEnd.ID).Status)
	assert.Equal(t, types.EntitlementStatusExpireSoon, reload(t, db, nearEnd.ID).Status)
	assert.Equal(t, types.EntitlementStatusActive, reload(t, db, farEnd.ID).Status)
	assert.Equal(t, types.EntitlementStatusActive, reload(t, db, paymentCaughtUp.ID).Status)
	assert.Equal(t, types.EntitlementStatusActive, reload(t, db, extended.ID).Status)

	assert.Equal(t, 1, result.ToExpired)
	assert.Equal(t, 1, result.ToExpireSoon)
	assert.Equal(t, 1, result.Reactivated)
	assert.Empty(t, result.Errors)
	// Rows far from their end date with a consistent status stay out of
	// the batch entirely.
	assert.Equal(t, 4, result.Checked)
}

func TestRunSweep_SecondRunCreatesNothing(t *testing.T) {
	svc, db := newSweepService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	e := seedRow(t, db, types.EntitlementStatusActive, types.PaymentStatusCompleted, now.Add(-time.Hour))

	first, err := svc.RunSweep(ctx, types.TriggerSourceCron)
	require.NoError(t, err)
	assert.Equal(t, 1, first.ToExpired)
	assert.Equal(t, 1, first.NotificationsCreated)
	assert.Equal(t, int64(1), notificationCount(t, db, e.ID))

	// The record stays in scope through the recovery window but nothing
	// new happens.
	second, err := svc.RunSweep(ctx, types.TriggerSourceCron)
	require.NoError(t, err)
	assert.Equal(t, 0, second.ToExpired)
	assert.Equal(t, 0, second.NotificationsCreated)
	assert.Equal(t, int64(1), notificationCount(t, db, e.ID))
}

func TestRunSweep_MalformedRowIsolated(t *testing.T) {
	svc, db := newSweepService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	bad := seedRow(t, db, types.EntitlementStatusActive, types.PaymentStatus("mystery"), now.Add(-time.Hour))
	good := seedRow(t, db, types.EntitlementStatusActive, types.PaymentStatusCompleted, now.Add(-time.Hour))

	result, err := svc.RunSweep(ctx, types.TriggerSourceManualCheck)
	require.NoError(t, err)

	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], bad.ID)
	// The bad row never blocks the rest of the batch.
	assert.Equal(t, types.EntitlementStatusExpired, reload(t, db, good.ID).Status)
	assert.Equal(t, types.EntitlementStatusActive, reload(t, db, bad.ID).Status)
	assert.Equal(t, 1, result.ToExpired)
}

func TestRunSweep_RecoversLostNotification(t *testing.T) {
	svc, db := newSweepService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Status was persisted but the emit never happened (crash between the
	// two writes).
	e := seedRow(t, db, types.EntitlementStatusExpired, types.PaymentStatusCompleted, now.Add(-time.Hour))
	require.Equal(t, int64(0), notificationCount(t, db, e.ID))

	result, err := svc.RunSweep(ctx, types.TriggerSourceCron)
	require.NoError(t, err)
	assert.Equal(t, 1, result.NotificationsCreated)

	var n models.Notification
	require.NoError(t, db.Where("entitlement_id = ?", e.ID).First(&n).Error)
	require.NotNil(t, n.OldStatus)
	require.NotNil(t, n.NewStatus)
	// Recovery infers the prior state deterministically so the dedup key
	// is stable across sweeps.
	assert.Equal(t, types.EntitlementStatusExpireSoon, *n.OldStatus)
	assert.Equal(t, types.EntitlementStatusExpired, *n.NewStatus)

	again, err := svc.RunSweep(ctx, types.TriggerSourceCron)
	require.NoError(t, err)
	assert.Equal(t, 0, again.NotificationsCreated)
	assert.Equal(t, int64(1), notificationCount(t, db, e.ID))
}

func TestRunSweep_RecoversLostExpireSoonNotification(t *testing.T) {
	svc, db := newSweepService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Same crash window as above but one transition earlier: the row was
	// marked expiring-soon and still has time left, so it must re-enter
	// the batch before the window closes.
	e := seedRow(t, db, types.EntitlementStatusExpireSoon, types.PaymentStatusCompleted, now.Add(time.Hour))
	require.Equal(t, int64(0), notificationCount(t, db, e.ID))

	result, err := svc.RunSweep(ctx, types.TriggerSourceCron)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Checked)
	assert.Equal(t, 1, result.NotificationsCreated)
	assert.Equal(t, types.EntitlementStatusExpireSoon, reload(t, db, e.ID).Status)

	var n models.Notification
	require.NoError(t, db.Where("entitlement_id = ?", e.ID).First(&n).Error)
	require.NotNil(t, n.OldStatus)
	require.NotNil(t, n.NewStatus)
	assert.Equal(t, types.EntitlementStatusActive, *n.OldStatus)
	assert.Equal(t, types.EntitlementStatusExpireSoon, *n.NewStatus)

	again, err := svc.RunSweep(ctx, types.TriggerSourceCron)
	require.NoError(t, err)
	assert.Equal(t, 0, again.NotificationsCreated)
	assert.Equal(t, int64(1), notificationCount(t, db, e.ID))
}

func TestRunSweep_RecordsRun(t *testing.T) {
	svc, db := newSweepService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedRow(t, db, types.EntitlementStatusActive, types.PaymentStatusCompleted, now.Add(-time.Hour))

	_, err := svc.RunSweep(ctx, types.TriggerSourceManualCheck)
	require.NoError(t, err)

	var run models.SweepRun
	require.NoError(t, db.First(&run).Error)
	assert.Equal(t, types.TriggerSourceManualCheck, run.Trigger)
	assert.Equal(t, 1, run.Checked)
	assert.Equal(t, 1, run.ToExpired)
}

func TestReconcileOne_LoserEmitsNothing(t *testing.T) {
	svc, db := newSweepService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	e := seedRow(t, db, types.EntitlementStatusActive, types.PaymentStatusCompleted, now.Add(-time.Hour))

	// A stale in-memory copy races against a surface that already applied
	// the transition.
	stale := *e
	_, changed, err := svc.ReconcileOne(ctx, e, now, types.TriggerSourceCron)
	require.NoError(t, err)
	require.True(t, changed)

	target, changed, err := svc.ReconcileOne(ctx, &stale, now, types.TriggerSourceAutoCheck)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, types.EntitlementStatusExpired, target)
	assert.Equal(t, int64(1), notificationCount(t, db, e.ID))
}

func TestReconcileList_RefreshesInPlace(t *testing.T) {
	svc, db := newSweepService(t)
	now := time.Now().UTC()

	expired := seedRow(t, db, types.EntitlementStatusActive, types.PaymentStatusCompleted, now.Add(-time.Hour))
	fine := seedRow(t, db, types.EntitlementStatusActive, types.PaymentStatusCompleted, now.Add(60*24*time.Hour))

	items := []*models.Entitlement{expired, fine}
	svc.ReconcileList(context.Background(), items, types.TriggerSourceAutoCheck)

	assert.Equal(t, types.EntitlementStatusExpired, items[0].Status)
	assert.Equal(t, types.EntitlementStatusActive, items[1].Status)
	assert.Equal(t, types.EntitlementStatusExpired, reload(t, db, expired.ID).Status)
}
