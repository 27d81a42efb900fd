package analytics

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wagatehq/wagate/internal/domain"
	"github.com/wagatehq/wagate/internal/transport"
	"github.com/wagatehq/wagate/pkg/common"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(domain.Tables...))
	return db
}

func TestRecordSentCreatesAndIncrements(t *testing.T) {
	db := newTestDB(t)
	rec := NewRecorder(db)
	ctx := context.Background()
	subID := common.UUIDint64()

	_, err := rec.Get(ctx, subID)
	assert.ErrorIs(t, err, ErrAnalyticsNotFound)

	require.NoError(t, rec.RecordSent(ctx, subID))
	require.NoError(t, rec.RecordSent(ctx, subID))
	require.NoError(t, rec.RecordSent(ctx, subID))

	row, err := rec.Get(ctx, subID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, row.MessagesSent)
	assert.Zero(t, row.MessagesReceived)
	assert.NotNil(t, row.LastMessageSentAt)
	assert.NotNil(t, row.LastActivityAt)
	assert.EqualValues(t, 3, row.DailyStats[common.DateKey(time.Now())])
}

func TestRecordReceived(t *testing.T) {
	db := newTestDB(t)
	rec := NewRecorder(db)
	ctx := context.Background()
	subID := common.UUIDint64()

	require.NoError(t, rec.RecordReceived(ctx, subID))

	row, err := rec.Get(ctx, subID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, row.MessagesReceived)
	assert.Zero(t, row.MessagesSent)
	assert.NotNil(t, row.LastMessageReceivedAt)
	assert.Nil(t, row.LastMessageSentAt)
}

func TestBusSubscriptionCountsInbound(t *testing.T) {
	db := newTestDB(t)
	rec := NewRecorder(db)
	bus := EventBus.New()
	require.NoError(t, rec.Subscribe(bus))

	subID := common.UUIDint64()
	bus.Publish(transport.TopicMessageReceived, subID)
	bus.Publish(transport.TopicMessageReceived, subID)

	row, err := rec.Get(context.Background(), subID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, row.MessagesReceived)
}

func TestRollupWeeklyMovesAgedKeys(t *testing.T) {
	db := newTestDB(t)
	rec := NewRecorder(db)
	ctx := context.Background()
	subID := common.UUIDint64()

	oldDay := time.Now().Add(-10 * 24 * time.Hour)
	freshDay := time.Now()
	row := domain.SubaccountAnalytics{
		ID:           common.UUIDint64(),
		SubaccountId: subID,
		MessagesSent: 12,
		DailyStats: domain.StatMap{
			common.DateKey(oldDay):   7,
			common.DateKey(freshDay): 5,
		},
		WeeklyStats: domain.StatMap{},
	}
	require.NoError(t, db.Create(&row).Error)

	require.NoError(t, rec.RollupWeekly(ctx))

	got, err := rec.Get(ctx, subID)
	require.NoError(t, err)
	assert.NotContains(t, got.DailyStats, common.DateKey(oldDay))
	assert.EqualValues(t, 5, got.DailyStats[common.DateKey(freshDay)])
	assert.EqualValues(t, 7, got.WeeklyStats[common.WeekKey(oldDay)])

	// rerunning must not double-count
	require.NoError(t, rec.RollupWeekly(ctx))
	got, err = rec.Get(ctx, subID)
	require.NoError(t, err)
	assert.EqualValues(t, 7, got.WeeklyStats[common.WeekKey(oldDay)])
}

func TestRollupDropsMalformedKeys(t *testing.T) {
	db := newTestDB(t)
	rec := NewRecorder(db)
	ctx := context.Background()
	subID := common.UUIDint64()

	row := domain.SubaccountAnalytics{
		ID:           common.UUIDint64(),
		SubaccountId: subID,
		DailyStats:   domain.StatMap{"not-a-date": 3},
		WeeklyStats:  domain.StatMap{},
	}
	require.NoError(t, db.Create(&row).Error)

	require.NoError(t, rec.RollupWeekly(ctx))

	got, err := rec.Get(ctx, subID)
	require.NoError(t, err)
	assert.Empty(t, got.DailyStats)
	assert.Empty(t, got.WeeklyStats)
}
