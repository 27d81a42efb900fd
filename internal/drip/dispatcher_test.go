package drip

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wagatehq/wagate/config"
	"github.com/wagatehq/wagate/internal/domain"
	"github.com/wagatehq/wagate/internal/session"
	"github.com/wagatehq/wagate/internal/transport"
	"github.com/wagatehq/wagate/pkg/common"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// fakeTransport scripts delivery outcomes per destination phone.
type fakeTransport struct {
	mu   sync.Mutex
	sent []string
	errs map[string]error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{errs: map[string]error{}}
}

func (f *fakeTransport) CreateSession(ctx context.Context, sessionID int64) (transport.SessionInfo, error) {
	return transport.SessionInfo{Status: domain.SessionQR}, nil
}

func (f *fakeTransport) SessionStatus(ctx context.Context, sessionID int64) (transport.SessionInfo, error) {
	return transport.SessionInfo{Status: domain.SessionReady}, nil
}

func (f *fakeTransport) Logout(ctx context.Context, sessionID int64) error { return nil }
func (f *fakeTransport) Reset(ctx context.Context, sessionID int64) error  { return nil }

func (f *fakeTransport) Send(ctx context.Context, sessionID int64, to, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[to]; ok {
		return err
	}
	f.sent = append(f.sent, to)
	return nil
}

func (f *fakeTransport) sentNumbers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type countingRecorder struct {
	mu    sync.Mutex
	count int
}

func (r *countingRecorder) RecordSent(ctx context.Context, subaccountID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count++
	return nil
}

func (r *countingRecorder) sentCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(domain.Tables...))
	return db
}

func testDripConfig() config.DripConfig {
	return config.DripConfig{
		CycleInterval: time.Second,
		SendTimeout:   time.Second,
		BackoffBase:   time.Millisecond,
		BackoffCap:    2 * time.Millisecond,
		Workers:       1,
	}
}

// newTestFixture seeds one subaccount with drip mode enabled and an
// active ready session.
func newTestFixture(t *testing.T, db *gorm.DB, batchSize int) (subaccountID, sessionID int64) {
	t.Helper()
	sub := domain.Subaccount{
		ID:         common.UUIDint64(),
		UserId:     common.UUIDint64(),
		LocationId: fmt.Sprintf("loc-%d", common.UUIDint64()),
		Name:       "drip test",
		Status:     common.ENABLED,
	}
	require.NoError(t, db.Create(&sub).Error)
	require.NoError(t, db.Create(&domain.SubaccountSettings{
		ID:                   common.UUIDint64(),
		SubaccountId:         sub.ID,
		DripModeEnabled:      true,
		DripMessagesPerBatch: batchSize,
		DripDelayMinutes:     1,
		NextDispatchAt:       time.Now().Add(-time.Minute),
	}).Error)
	sess := domain.WaSession{
		ID:           common.UUIDint64(),
		SubaccountId: sub.ID,
		Status:       domain.SessionReady,
		IsActive:     true,
	}
	require.NoError(t, db.Create(&sess).Error)
	return sub.ID, sess.ID
}

func enqueueTestItem(t *testing.T, q *Queue, subaccountID int64, phone string, priority, batch int) *domain.DripQueueItem {
	t.Helper()
	item := &domain.DripQueueItem{
		SubaccountId: subaccountID,
		Phone:        phone,
		Message:      "hello " + phone,
		Priority:     priority,
		BatchNumber:  batch,
	}
	require.NoError(t, q.Enqueue(context.Background(), item))
	return item
}

func newDispatcher(t *testing.T, db *gorm.DB, trans transport.Transport, rec Recorder) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(db, session.NewStore(db, nil), trans, rec, testDripConfig())
	require.NoError(t, err)
	t.Cleanup(d.Stop)
	return d
}

func itemByID(t *testing.T, db *gorm.DB, id int64) *domain.DripQueueItem {
	t.Helper()
	var item domain.DripQueueItem
	require.NoError(t, db.Where("id = ?", id).First(&item).Error)
	return &item
}

func TestDispatchMarksSentAndRecords(t *testing.T) {
	db := newTestDB(t)
	trans := newFakeTransport()
	rec := &countingRecorder{}
	d := newDispatcher(t, db, trans, rec)

	subID, _ := newTestFixture(t, db, 20)
	q := NewQueue(db)
	item := enqueueTestItem(t, q, subID, "+15550001111", 0, 0)

	require.NoError(t, d.RunCycle(context.Background()))

	got := itemByID(t, db, item.ID)
	assert.Equal(t, domain.DripSent, got.Status)
	assert.NotNil(t, got.ProcessedAt)
	assert.Equal(t, []string{"+15550001111"}, trans.sentNumbers())
	assert.Equal(t, 1, rec.sentCount())
}

func TestDispatchOrderPriorityThenBatch(t *testing.T) {
	db := newTestDB(t)
	trans := newFakeTransport()
	d := newDispatcher(t, db, trans, nil)

	subID, _ := newTestFixture(t, db, 20)
	q := NewQueue(db)
	enqueueTestItem(t, q, subID, "+15550000003", 0, 2)
	enqueueTestItem(t, q, subID, "+15550000002", 0, 1)
	enqueueTestItem(t, q, subID, "+15550000001", 5, 9)

	require.NoError(t, d.RunCycle(context.Background()))

	// higher priority first, then lower batch number
	assert.Equal(t, []string{"+15550000001", "+15550000002", "+15550000003"}, trans.sentNumbers())
}

func TestDispatchHonorsBatchSize(t *testing.T) {
	db := newTestDB(t)
	trans := newFakeTransport()
	d := newDispatcher(t, db, trans, nil)

	subID, _ := newTestFixture(t, db, 20)
	q := NewQueue(db)
	for i := 0; i < 25; i++ {
		enqueueTestItem(t, q, subID, fmt.Sprintf("+1555000%04d", i), 0, 0)
	}

	require.NoError(t, d.RunCycle(context.Background()))
	assert.Len(t, trans.sentNumbers(), 20)

	var pending int64
	require.NoError(t, db.Model(&domain.DripQueueItem{}).
		Where("subaccount_id = ? AND status = ?", subID, domain.DripPending).
		Count(&pending).Error)
	assert.EqualValues(t, 5, pending)
}

func TestDispatchSkipsWithoutActiveSession(t *testing.T) {
	db := newTestDB(t)
	trans := newFakeTransport()
	d := newDispatcher(t, db, trans, nil)

	subID, sessID := newTestFixture(t, db, 20)
	require.NoError(t, db.Model(&domain.WaSession{}).
		Where("id = ?", sessID).Update("is_active", false).Error)

	q := NewQueue(db)
	item := enqueueTestItem(t, q, subID, "+15550001111", 0, 0)

	require.NoError(t, d.RunCycle(context.Background()))

	got := itemByID(t, db, item.ID)
	assert.Equal(t, domain.DripPending, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.Empty(t, trans.sentNumbers())
}

func TestTransientFailuresExhaustRetries(t *testing.T) {
	db := newTestDB(t)
	trans := newFakeTransport()
	d := newDispatcher(t, db, trans, nil)

	subID, _ := newTestFixture(t, db, 20)
	q := NewQueue(db)
	item := enqueueTestItem(t, q, subID, "+15550009999", 0, 0)
	trans.errs["+15550009999"] = transport.Transient("connection lost", nil)

	for attempt := 1; attempt <= 3; attempt++ {
		// reopen the pacing window and wait out the backoff
		require.NoError(t, db.Model(&domain.SubaccountSettings{}).
			Where("subaccount_id = ?", subID).
			Update("next_dispatch_at", time.Now().Add(-time.Minute)).Error)
		time.Sleep(5 * time.Millisecond)
		require.NoError(t, d.RunCycle(context.Background()))
	}

	got := itemByID(t, db, item.ID)
	assert.Equal(t, domain.DripFailed, got.Status)
	assert.Equal(t, 3, got.RetryCount)
	assert.Contains(t, got.ErrorMessage, "connection lost")
	assert.NotNil(t, got.ProcessedAt)
}

func TestTerminalFailureFailsImmediately(t *testing.T) {
	db := newTestDB(t)
	trans := newFakeTransport()
	d := newDispatcher(t, db, trans, nil)

	subID, _ := newTestFixture(t, db, 20)
	q := NewQueue(db)
	item := enqueueTestItem(t, q, subID, "+15550008888", 0, 0)
	trans.errs["+15550008888"] = transport.Terminal("invalid destination number", nil)

	require.NoError(t, d.RunCycle(context.Background()))

	got := itemByID(t, db, item.ID)
	assert.Equal(t, domain.DripFailed, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.Contains(t, got.ErrorMessage, "invalid destination")
}

func TestClaimIsExclusive(t *testing.T) {
	db := newTestDB(t)
	trans := newFakeTransport()
	d := newDispatcher(t, db, trans, nil)

	subID, _ := newTestFixture(t, db, 20)
	q := NewQueue(db)
	item := enqueueTestItem(t, q, subID, "+15550007777", 0, 0)

	assert.True(t, d.claim(context.Background(), item.ID))
	assert.False(t, d.claim(context.Background(), item.ID))
}

func TestReleaseStaleClaims(t *testing.T) {
	db := newTestDB(t)
	trans := newFakeTransport()
	d := newDispatcher(t, db, trans, nil)

	subID, _ := newTestFixture(t, db, 20)
	q := NewQueue(db)
	item := enqueueTestItem(t, q, subID, "+15550006666", 0, 0)

	require.NoError(t, db.Model(&domain.DripQueueItem{}).
		Where("id = ?", item.ID).
		Updates(map[string]interface{}{
			"status":       domain.DripProcessing,
			"scheduled_at": time.Now().Add(-time.Hour),
		}).Error)

	n, err := d.releaseStale(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Equal(t, domain.DripPending, itemByID(t, db, item.ID).Status)
}

func TestStopIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	d := newDispatcher(t, db, newFakeTransport(), nil)
	d.Stop()
	d.Stop()
}

func TestZeroDelayDispatchesEveryCycle(t *testing.T) {
	db := newTestDB(t)
	trans := newFakeTransport()
	d := newDispatcher(t, db, trans, nil)

	subID, _ := newTestFixture(t, db, 1)
	require.NoError(t, db.Model(&domain.SubaccountSettings{}).
		Where("subaccount_id = ?", subID).
		Update("drip_delay_minutes", 0).Error)

	q := NewQueue(db)
	enqueueTestItem(t, q, subID, "+15550000001", 0, 0)
	enqueueTestItem(t, q, subID, "+15550000002", 0, 1)

	// batch size 1, no spacing: each cycle drains one item
	require.NoError(t, d.RunCycle(context.Background()))
	assert.Len(t, trans.sentNumbers(), 1)
	require.NoError(t, d.RunCycle(context.Background()))
	assert.Len(t, trans.sentNumbers(), 2)
}

func TestBackoffCapped(t *testing.T) {
	d := &Dispatcher{cfg: config.DripConfig{
		BackoffBase: 2 * time.Minute,
		BackoffCap:  30 * time.Minute,
	}}
	assert.Equal(t, 2*time.Minute, d.backoff(1))
	assert.Equal(t, 4*time.Minute, d.backoff(2))
	assert.Equal(t, 8*time.Minute, d.backoff(3))
	assert.Equal(t, 30*time.Minute, d.backoff(6))
	assert.Equal(t, 30*time.Minute, d.backoff(20))
}

func TestRenderBodyWithAttachments(t *testing.T) {
	item := &domain.DripQueueItem{
		Message: "check these",
		Attachments: domain.AttachmentList{
			{URL: "https://example.com/a.jpg"},
			{URL: "https://example.com/b.pdf"},
		},
	}
	assert.Equal(t, "check these\nhttps://example.com/a.jpg\nhttps://example.com/b.pdf", renderBody(item))
	assert.Equal(t, "plain", renderBody(&domain.DripQueueItem{Message: "plain"}))
}
