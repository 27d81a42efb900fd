package drip

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"github.com/wagatehq/wagate/config"
	"github.com/wagatehq/wagate/internal/domain"
	"github.com/wagatehq/wagate/internal/session"
	"github.com/wagatehq/wagate/internal/transport"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// staleClaimAge bounds how long an item may sit in processing before a
// cycle assumes the claiming process died and releases it.
const staleClaimAge = 10 * time.Minute

// Recorder receives delivery notifications; satisfied by the analytics
// recorder. Failures are logged, never propagated into item state.
type Recorder interface {
	RecordSent(ctx context.Context, subaccountID int64) error
}

// Dispatcher drains pending queue items in per-subaccount batches.
// RunCycle is driven by the application scheduler; a batch for a
// subaccount is attempted only when drip mode is enabled, the pacing
// deadline has passed and the subaccount has an active ready session.
// Items are claimed with a conditional update so concurrent dispatchers
// never double-send.
type Dispatcher struct {
	db       *gorm.DB
	sessions *session.Store
	trans    transport.Transport
	recorder Recorder
	cfg      config.DripConfig
	pool     *ants.Pool
	once     sync.Once
}

func NewDispatcher(db *gorm.DB, sessions *session.Store, trans transport.Transport,
	recorder Recorder, cfg config.DripConfig) (*Dispatcher, error) {
	pool, err := ants.NewPool(cfg.Workers)
	if err != nil {
		return nil, errors.Wrap(err, "create dispatch pool")
	}
	return &Dispatcher{
		db:       db,
		sessions: sessions,
		trans:    trans,
		recorder: recorder,
		cfg:      cfg,
		pool:     pool,
	}, nil
}

// Stop releases the worker pool. Safe to call more than once.
func (d *Dispatcher) Stop() {
	d.once.Do(func() {
		d.pool.Release()
		zap.L().Info("drip dispatcher stopped")
	})
}

// RunCycle releases stale claims, then dispatches one batch for every
// subaccount that is due. Per-subaccount errors are logged and do not
// abort the cycle.
func (d *Dispatcher) RunCycle(ctx context.Context) error {
	if n, err := d.releaseStale(ctx); err != nil {
		zap.L().Error("release stale claims failed", zap.Error(err))
	} else if n > 0 {
		zap.L().Warn("released stale queue claims", zap.Int64("count", n))
	}

	var due []domain.SubaccountSettings
	err := d.db.WithContext(ctx).
		Where("drip_mode_enabled = ? AND next_dispatch_at <= ?", true, time.Now()).
		Find(&due).Error
	if err != nil {
		return errors.Wrap(err, "query due subaccounts")
	}
	for i := range due {
		if err := d.dispatchBatch(ctx, &due[i]); err != nil {
			zap.L().Error("batch dispatch failed",
				zap.Int64("subaccount_id", due[i].SubaccountId), zap.Error(err))
		}
	}
	return nil
}

// dispatchBatch sends up to DripMessagesPerBatch due items for one
// subaccount through its active session. With no active ready session
// the items stay pending untouched; retry budgets are only spent on
// actual send attempts.
func (d *Dispatcher) dispatchBatch(ctx context.Context, settings *domain.SubaccountSettings) error {
	active, err := d.sessions.GetActiveSession(ctx, settings.SubaccountId)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			zap.L().Debug("no active session, batch skipped",
				zap.Int64("subaccount_id", settings.SubaccountId))
			return nil
		}
		return errors.Wrap(err, "query active session")
	}

	limit := settings.DripMessagesPerBatch
	if limit <= 0 {
		limit = 20
	}
	var items []domain.DripQueueItem
	err = d.db.WithContext(ctx).
		Where("subaccount_id = ? AND status = ? AND scheduled_at <= ?",
			settings.SubaccountId, domain.DripPending, time.Now()).
		Order("priority desc, batch_number asc, scheduled_at asc, id asc").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return errors.Wrap(err, "query due items")
	}
	if len(items) == 0 {
		return nil
	}

	if err := d.advancePacing(ctx, settings); err != nil {
		return err
	}

	var wg sync.WaitGroup
	for i := range items {
		item := items[i]
		if !d.claim(ctx, item.ID) {
			continue
		}
		wg.Add(1)
		if err := d.pool.Submit(func() {
			defer wg.Done()
			d.sendItem(item, active.ID)
		}); err != nil {
			wg.Done()
			// pool released mid-cycle; put the claim back
			d.requeue(item.ID, item.RetryCount, time.Now(), "")
			return errors.Wrap(err, "submit send task")
		}
	}
	wg.Wait()
	zap.L().Info("batch dispatched",
		zap.Int64("subaccount_id", settings.SubaccountId),
		zap.Int64("session_id", active.ID),
		zap.Int("items", len(items)))
	return nil
}

// advancePacing pushes next_dispatch_at forward by the subaccount's drip
// delay so consecutive batches keep their spacing. A zero delay re-arms
// the subaccount for the very next cycle.
func (d *Dispatcher) advancePacing(ctx context.Context, settings *domain.SubaccountSettings) error {
	delay := time.Duration(settings.DripDelayMinutes) * time.Minute
	if delay < 0 {
		delay = 0
	}
	err := d.db.WithContext(ctx).Model(&domain.SubaccountSettings{}).
		Where("id = ?", settings.ID).
		Update("next_dispatch_at", time.Now().Add(delay)).Error
	return errors.Wrap(err, "advance dispatch pacing")
}

// claim moves one item from pending to processing. Exactly one dispatcher
// wins; losers see zero rows affected and skip the item.
func (d *Dispatcher) claim(ctx context.Context, itemID int64) bool {
	result := d.db.WithContext(ctx).Model(&domain.DripQueueItem{}).
		Where("id = ? AND status = ?", itemID, domain.DripPending).
		Updates(map[string]interface{}{
			"status":       domain.DripProcessing,
			"scheduled_at": time.Now(),
		})
	if result.Error != nil {
		zap.L().Error("claim failed", zap.Int64("item_id", itemID), zap.Error(result.Error))
		return false
	}
	return result.RowsAffected == 1
}

// sendItem performs one delivery attempt and writes the item's next
// state: sent, failed, or pending with backoff.
func (d *Dispatcher) sendItem(item domain.DripQueueItem, sessionID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.SendTimeout)
	defer cancel()

	err := d.trans.Send(ctx, sessionID, item.Phone, renderBody(&item))
	if err == nil {
		d.markSent(item)
		return
	}

	if transport.IsTerminal(err) {
		d.markFailed(item.ID, item.RetryCount, err.Error())
		zap.L().Warn("queue item permanently failed",
			zap.Int64("item_id", item.ID), zap.Error(err))
		return
	}

	retry := item.RetryCount + 1
	if retry >= item.MaxRetries {
		d.markFailed(item.ID, retry, err.Error())
		zap.L().Warn("queue item retries exhausted",
			zap.Int64("item_id", item.ID), zap.Int("retry_count", retry), zap.Error(err))
		return
	}
	next := time.Now().Add(d.backoff(retry))
	d.requeue(item.ID, retry, next, err.Error())
	zap.L().Info("queue item requeued with backoff",
		zap.Int64("item_id", item.ID),
		zap.Int("retry_count", retry),
		zap.Time("next_attempt", next))
}

func (d *Dispatcher) markSent(item domain.DripQueueItem) {
	now := time.Now()
	err := d.db.Model(&domain.DripQueueItem{}).
		Where("id = ?", item.ID).
		Updates(map[string]interface{}{
			"status":        domain.DripSent,
			"error_message": "",
			"processed_at":  now,
		}).Error
	if err != nil {
		zap.L().Error("mark sent failed", zap.Int64("item_id", item.ID), zap.Error(err))
		return
	}
	if d.recorder != nil {
		if err := d.recorder.RecordSent(context.Background(), item.SubaccountId); err != nil {
			zap.L().Warn("record sent failed",
				zap.Int64("subaccount_id", item.SubaccountId), zap.Error(err))
		}
	}
}

func (d *Dispatcher) markFailed(itemID int64, retryCount int, reason string) {
	now := time.Now()
	err := d.db.Model(&domain.DripQueueItem{}).
		Where("id = ?", itemID).
		Updates(map[string]interface{}{
			"status":        domain.DripFailed,
			"retry_count":   retryCount,
			"error_message": truncateReason(reason),
			"processed_at":  now,
		}).Error
	if err != nil {
		zap.L().Error("mark failed failed", zap.Int64("item_id", itemID), zap.Error(err))
	}
}

func (d *Dispatcher) requeue(itemID int64, retryCount int, scheduledAt time.Time, reason string) {
	err := d.db.Model(&domain.DripQueueItem{}).
		Where("id = ?", itemID).
		Updates(map[string]interface{}{
			"status":        domain.DripPending,
			"retry_count":   retryCount,
			"error_message": truncateReason(reason),
			"scheduled_at":  scheduledAt,
		}).Error
	if err != nil {
		zap.L().Error("requeue failed", zap.Int64("item_id", itemID), zap.Error(err))
	}
}

// backoff doubles per attempt from the configured base, capped.
func (d *Dispatcher) backoff(retryCount int) time.Duration {
	delay := d.cfg.BackoffBase
	for i := 1; i < retryCount; i++ {
		delay *= 2
		if delay >= d.cfg.BackoffCap {
			return d.cfg.BackoffCap
		}
	}
	if delay > d.cfg.BackoffCap {
		return d.cfg.BackoffCap
	}
	return delay
}

// releaseStale returns long-claimed processing items to pending. The
// claim timestamp rides on scheduled_at, set when the claim is taken.
func (d *Dispatcher) releaseStale(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-staleClaimAge)
	result := d.db.WithContext(ctx).Model(&domain.DripQueueItem{}).
		Where("status = ? AND scheduled_at < ?", domain.DripProcessing, cutoff).
		Updates(map[string]interface{}{
			"status":       domain.DripPending,
			"scheduled_at": time.Now(),
		})
	return result.RowsAffected, errors.Wrap(result.Error, "release stale claims")
}

// renderBody flattens the message and attachment links into one text
// payload.
func renderBody(item *domain.DripQueueItem) string {
	if len(item.Attachments) == 0 {
		return item.Message
	}
	parts := make([]string, 0, len(item.Attachments)+1)
	if item.Message != "" {
		parts = append(parts, item.Message)
	}
	for _, att := range item.Attachments {
		parts = append(parts, att.URL)
	}
	return strings.Join(parts, "\n")
}

func truncateReason(reason string) string {
	const max = 255
	if len(reason) > max {
		return reason[:max]
	}
	return reason
}
