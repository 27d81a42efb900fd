package drip

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wagatehq/wagate/internal/domain"
)

func TestEnqueueValidation(t *testing.T) {
	db := newTestDB(t)
	q := NewQueue(db)
	ctx := context.Background()
	subID, _ := newTestFixture(t, db, 20)

	err := q.Enqueue(ctx, &domain.DripQueueItem{SubaccountId: subID, Message: "hi"})
	assert.ErrorIs(t, err, ErrEmptyPhone)

	err = q.Enqueue(ctx, &domain.DripQueueItem{SubaccountId: subID, Phone: "+15551230000"})
	assert.ErrorIs(t, err, ErrEmptyMessage)

	err = q.Enqueue(ctx, &domain.DripQueueItem{SubaccountId: 404, Phone: "+15551230000", Message: "hi"})
	assert.Error(t, err)

	// attachments alone are a valid payload
	err = q.Enqueue(ctx, &domain.DripQueueItem{
		SubaccountId: subID,
		Phone:        "+15551230000",
		Attachments:  domain.AttachmentList{{URL: "https://example.com/a.jpg"}},
	})
	assert.NoError(t, err)
}

func TestEnqueueDefaults(t *testing.T) {
	db := newTestDB(t)
	q := NewQueue(db)
	subID, _ := newTestFixture(t, db, 20)

	item := &domain.DripQueueItem{
		SubaccountId: subID,
		Phone:        "+15551230000",
		Message:      "hi",
		Status:       domain.DripSent, // ignored
		RetryCount:   7,               // ignored
	}
	require.NoError(t, q.Enqueue(context.Background(), item))

	assert.NotZero(t, item.ID)
	assert.Equal(t, domain.DripPending, item.Status)
	assert.Zero(t, item.RetryCount)
	assert.Equal(t, 3, item.MaxRetries)
	assert.Equal(t, "text", item.MessageType)
	assert.False(t, item.ScheduledAt.IsZero())
}

func TestListByStatus(t *testing.T) {
	db := newTestDB(t)
	q := NewQueue(db)
	ctx := context.Background()
	subID, _ := newTestFixture(t, db, 20)

	a := enqueueTestItem(t, q, subID, "+15550000001", 0, 0)
	enqueueTestItem(t, q, subID, "+15550000002", 0, 0)
	require.NoError(t, db.Model(&domain.DripQueueItem{}).
		Where("id = ?", a.ID).Update("status", domain.DripFailed).Error)

	items, total, err := q.List(ctx, subID, domain.DripFailed, 0, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, items, 1)
	assert.Equal(t, a.ID, items[0].ID)

	_, total, err = q.List(ctx, subID, "", 0, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)

	_, _, err = q.List(ctx, subID, domain.DripStatus("weird"), 0, 10)
	assert.Error(t, err)
}

func TestRetryResetsFailedItem(t *testing.T) {
	db := newTestDB(t)
	q := NewQueue(db)
	ctx := context.Background()
	subID, _ := newTestFixture(t, db, 20)

	item := enqueueTestItem(t, q, subID, "+15550000001", 0, 0)

	err := q.Retry(ctx, item.ID)
	assert.ErrorIs(t, err, ErrNotRetryable)

	now := time.Now()
	require.NoError(t, db.Model(&domain.DripQueueItem{}).
		Where("id = ?", item.ID).
		Updates(map[string]interface{}{
			"status":        domain.DripFailed,
			"retry_count":   3,
			"error_message": "gave up",
			"processed_at":  now,
		}).Error)

	require.NoError(t, q.Retry(ctx, item.ID))

	got := itemByID(t, db, item.ID)
	assert.Equal(t, domain.DripPending, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.Empty(t, got.ErrorMessage)
	assert.Nil(t, got.ProcessedAt)

	err = q.Retry(ctx, 606060)
	assert.ErrorIs(t, err, ErrItemNotFound)
}

func TestCleanupRemovesOldTerminalItems(t *testing.T) {
	db := newTestDB(t)
	q := NewQueue(db)
	ctx := context.Background()
	subID, _ := newTestFixture(t, db, 20)

	old := time.Now().Add(-48 * time.Hour)
	fresh := time.Now()
	sent := enqueueTestItem(t, q, subID, "+15550000001", 0, 0)
	failed := enqueueTestItem(t, q, subID, "+15550000002", 0, 0)
	pending := enqueueTestItem(t, q, subID, "+15550000003", 0, 0)
	recent := enqueueTestItem(t, q, subID, "+15550000004", 0, 0)

	require.NoError(t, db.Model(&domain.DripQueueItem{}).Where("id = ?", sent.ID).
		Updates(map[string]interface{}{"status": domain.DripSent, "processed_at": old}).Error)
	require.NoError(t, db.Model(&domain.DripQueueItem{}).Where("id = ?", failed.ID).
		Updates(map[string]interface{}{"status": domain.DripFailed, "processed_at": old}).Error)
	require.NoError(t, db.Model(&domain.DripQueueItem{}).Where("id = ?", recent.ID).
		Updates(map[string]interface{}{"status": domain.DripSent, "processed_at": fresh}).Error)

	n, err := q.Cleanup(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	var remaining int64
	require.NoError(t, db.Model(&domain.DripQueueItem{}).
		Where("subaccount_id = ?", subID).Count(&remaining).Error)
	assert.EqualValues(t, 2, remaining)
	assert.Equal(t, domain.DripPending, itemByID(t, db, pending.ID).Status)
}

func TestCountByStatus(t *testing.T) {
	db := newTestDB(t)
	q := NewQueue(db)
	ctx := context.Background()
	subID, _ := newTestFixture(t, db, 20)

	enqueueTestItem(t, q, subID, "+15550000001", 0, 0)
	enqueueTestItem(t, q, subID, "+15550000002", 0, 0)
	failed := enqueueTestItem(t, q, subID, "+15550000003", 0, 0)
	require.NoError(t, db.Model(&domain.DripQueueItem{}).
		Where("id = ?", failed.ID).Update("status", domain.DripFailed).Error)

	counts, err := q.CountByStatus(ctx, subID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, counts[domain.DripPending])
	assert.EqualValues(t, 1, counts[domain.DripFailed])
	assert.Zero(t, counts[domain.DripSent])
}
