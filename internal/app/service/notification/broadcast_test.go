package notification

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianpress/entitlements/internal/models"
	"github.com/meridianpress/entitlements/pkg/types"
)

func TestBroadcast_AudienceSnapshot(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	seedEntitlement(t, db, "u-active", "p-1", types.EntitlementStatusActive)
	seedEntitlement(t, db, "u-expired", "p-1", types.EntitlementStatusExpired)
	seedEntitlement(t, db, "u-soon", "p-2", types.EntitlementStatusExpireSoon)

	targeted, err := svc.Broadcast(ctx, &BroadcastRequest{
		Title:    "Maintenance window",
		Message:  "Reading may be briefly unavailable tonight.",
		Audience: types.BroadcastAudienceActive,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, targeted)

	var n models.Notification
	require.NoError(t, db.Where("kind = ?", types.NotificationKindBroadcast).First(&n).Error)
	assert.True(t, n.TargetedAt("u-active"))
	assert.False(t, n.TargetedAt("u-expired"))
	assert.False(t, n.TargetedAt("u-soon"))

	// Targeting is a send-time snapshot. A user turning active afterwards
	// does not join the audience.
	seedEntitlement(t, db, "u-late", "p-3", types.EntitlementStatusActive)
	require.NoError(t, db.Where("id = ?", n.ID).First(&n).Error)
	assert.False(t, n.TargetedAt("u-late"))
}

func TestBroadcast_StaleStatusNotTargeted(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	// Cached status says active but the window closed two days ago; no
	// sweep has caught the row up yet.
	stale := seedEntitlement(t, db, "u-stale", "p-1", types.EntitlementStatusActive)
	stale.EndDate = time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, db.Model(stale).Update("end_date", stale.EndDate).Error)
	seedEntitlement(t, db, "u-current", "p-1", types.EntitlementStatusActive)

	targeted, err := svc.Broadcast(ctx, &BroadcastRequest{
		Title:    "Subscriber perk",
		Audience: types.BroadcastAudienceActive,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, targeted)

	var n models.Notification
	require.NoError(t, db.Where("kind = ?", types.NotificationKindBroadcast).First(&n).Error)
	assert.False(t, n.TargetedAt("u-stale"))
	assert.True(t, n.TargetedAt("u-current"))

	// The same row does land in the expired segment.
	targeted, err = svc.Broadcast(ctx, &BroadcastRequest{
		Title:    "Come back",
		Audience: types.BroadcastAudienceExpired,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, targeted)

	var second models.Notification
	require.NoError(t, db.Where("id <> ?", n.ID).
		Where("kind = ?", types.NotificationKindBroadcast).First(&second).Error)
	assert.True(t, second.TargetedAt("u-stale"))
	assert.False(t, second.TargetedAt("u-current"))
}

func TestBroadcast_ProductAudience(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	seedEntitlement(t, db, "u-1", "p-1", types.EntitlementStatusActive)
	seedEntitlement(t, db, "u-2", "p-1", types.EntitlementStatusExpired)
	seedEntitlement(t, db, "u-3", "p-2", types.EntitlementStatusActive)

	targeted, err := svc.Broadcast(ctx, &BroadcastRequest{
		Title:     "New issue out",
		Audience:  types.BroadcastAudienceProduct,
		ProductID: "p-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, targeted)

	_, err = svc.Broadcast(ctx, &BroadcastRequest{
		Title:    "Missing product",
		Audience: types.BroadcastAudienceProduct,
	})
	require.Error(t, err)
}

func TestBroadcast_InvalidAudience(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Broadcast(context.Background(), &BroadcastRequest{
		Title:    "Nope",
		Audience: types.BroadcastAudience("everybody"),
	})
	require.ErrorIs(t, err, ErrInvalidAudience)
}

func TestMarkRead_FirstReceiptWins(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	seedEntitlement(t, db, "u-1", "p-1", types.EntitlementStatusActive)

	_, err := svc.Broadcast(ctx, &BroadcastRequest{Title: "Hello", Audience: types.BroadcastAudienceAll})
	require.NoError(t, err)

	var n models.Notification
	require.NoError(t, db.Where("kind = ?", types.NotificationKindBroadcast).First(&n).Error)

	require.NoError(t, svc.MarkRead(ctx, n.ID, "u-1"))
	require.NoError(t, db.Where("id = ?", n.ID).First(&n).Error)
	first := n.ReadAt("u-1")
	require.NotNil(t, first)

	// Reading again neither errors nor moves the timestamp.
	require.NoError(t, svc.MarkRead(ctx, n.ID, "u-1"))
	require.NoError(t, db.Where("id = ?", n.ID).First(&n).Error)
	second := n.ReadAt("u-1")
	require.NotNil(t, second)
	assert.Equal(t, first.Unix(), second.Unix())

	assert.Nil(t, n.ReadAt("u-2"))
}

func TestMarkRead_UnknownNotification(t *testing.T) {
	svc, _ := newTestService(t)
	err := svc.MarkRead(context.Background(), "does-not-exist", "u-1")
	require.ErrorIs(t, err, ErrNotificationNotFound)
}

func TestHide_RemovesFromFeed(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	e := seedEntitlement(t, db, "u-1", "p-1", types.EntitlementStatusExpireSoon)

	created, err := svc.EmitStatusChange(ctx, e, types.EntitlementStatusActive, types.EntitlementStatusExpireSoon, types.TriggerSourceCron)
	require.NoError(t, err)
	require.True(t, created)

	feed, err := svc.ListForUser(ctx, "u-1", 10)
	require.NoError(t, err)
	require.Len(t, feed, 1)

	require.NoError(t, svc.Hide(ctx, feed[0].ID, "u-1"))
	feed, err = svc.ListForUser(ctx, "u-1", 10)
	require.NoError(t, err)
	assert.Empty(t, feed)
}

func TestListForUser_MergesOwnAndBroadcast(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	e := seedEntitlement(t, db, "u-1", "p-1", types.EntitlementStatusExpired)
	seedEntitlement(t, db, "u-2", "p-1", types.EntitlementStatusActive)

	_, err := svc.EmitStatusChange(ctx, e, types.EntitlementStatusExpireSoon, types.EntitlementStatusExpired, types.TriggerSourceCron)
	require.NoError(t, err)

	_, err = svc.Broadcast(ctx, &BroadcastRequest{Title: "For everyone", Audience: types.BroadcastAudienceAll})
	require.NoError(t, err)
	_, err = svc.Broadcast(ctx, &BroadcastRequest{Title: "Active only", Audience: types.BroadcastAudienceActive})
	require.NoError(t, err)

	feed, err := svc.ListForUser(ctx, "u-1", 10)
	require.NoError(t, err)
	// Own status change plus the all-users broadcast; u-1 is expired and
	// outside the active-only audience.
	require.Len(t, feed, 2)

	feed, err = svc.ListForUser(ctx, "u-2", 10)
	require.NoError(t, err)
	require.Len(t, feed, 2)
}
