package drip

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/wagatehq/wagate/internal/domain"
	"github.com/wagatehq/wagate/pkg/common"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Queue wraps drip_queue persistence. Items enter as pending and are
// consumed by the Dispatcher; the only writes outside the dispatcher are
// Enqueue, Retry and Cleanup.
type Queue struct {
	db *gorm.DB
}

func NewQueue(db *gorm.DB) *Queue {
	return &Queue{db: db}
}

// Enqueue validates and persists a new pending item. Caller-supplied
// status, retry counters and processed timestamps are ignored.
func (q *Queue) Enqueue(ctx context.Context, item *domain.DripQueueItem) error {
	item.Phone = strings.TrimSpace(item.Phone)
	if item.Phone == "" {
		return ErrEmptyPhone
	}
	if strings.TrimSpace(item.Message) == "" && len(item.Attachments) == 0 {
		return ErrEmptyMessage
	}

	var count int64
	err := q.db.WithContext(ctx).Model(&domain.Subaccount{}).
		Where("id = ?", item.SubaccountId).Count(&count).Error
	if err != nil {
		return errors.Wrap(err, "query subaccount")
	}
	if count == 0 {
		return errors.Errorf("subaccount %d not found", item.SubaccountId)
	}

	item.ID = common.UUIDint64()
	item.Status = domain.DripPending
	item.RetryCount = 0
	item.ErrorMessage = ""
	item.ProcessedAt = nil
	if item.MaxRetries <= 0 {
		item.MaxRetries = 3
	}
	if item.MessageType == "" {
		item.MessageType = "text"
	}
	if item.ScheduledAt.IsZero() {
		item.ScheduledAt = time.Now()
	}
	if err := q.db.WithContext(ctx).Create(item).Error; err != nil {
		return errors.Wrap(err, "insert queue item")
	}
	zap.L().Info("queue item enqueued",
		zap.Int64("item_id", item.ID),
		zap.Int64("subaccount_id", item.SubaccountId),
		zap.Int("priority", item.Priority),
		zap.Int("batch_number", item.BatchNumber))
	return nil
}

// Get fetches one item by id.
func (q *Queue) Get(ctx context.Context, id int64) (*domain.DripQueueItem, error) {
	var item domain.DripQueueItem
	err := q.db.WithContext(ctx).Where("id = ?", id).First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrItemNotFound
		}
		return nil, errors.Wrap(err, "query queue item")
	}
	return &item, nil
}

// List returns items for a subaccount, optionally filtered by status,
// newest first, with a paged total count.
func (q *Queue) List(ctx context.Context, subaccountID int64, status domain.DripStatus, pos, count int) ([]domain.DripQueueItem, int64, error) {
	query := q.db.WithContext(ctx).Model(&domain.DripQueueItem{}).
		Where("subaccount_id = ?", subaccountID)
	if status != "" {
		if !status.Valid() {
			return nil, 0, errors.Errorf("invalid queue status %q", status)
		}
		query = query.Where("status = ?", status)
	}
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, errors.Wrap(err, "count queue items")
	}
	var items []domain.DripQueueItem
	err := query.Order("created_at desc").Offset(pos).Limit(count).Find(&items).Error
	if err != nil {
		return nil, 0, errors.Wrap(err, "query queue items")
	}
	return items, total, nil
}

// Retry puts a failed item back into the queue with a fresh retry budget.
func (q *Queue) Retry(ctx context.Context, id int64) error {
	result := q.db.WithContext(ctx).Model(&domain.DripQueueItem{}).
		Where("id = ? AND status = ?", id, domain.DripFailed).
		Updates(map[string]interface{}{
			"status":        domain.DripPending,
			"retry_count":   0,
			"error_message": "",
			"processed_at":  nil,
			"scheduled_at":  time.Now(),
		})
	if result.Error != nil {
		return errors.Wrap(result.Error, "retry queue item")
	}
	if result.RowsAffected == 0 {
		var count int64
		q.db.WithContext(ctx).Model(&domain.DripQueueItem{}).
			Where("id = ?", id).Count(&count)
		if count == 0 {
			return ErrItemNotFound
		}
		return ErrNotRetryable
	}
	zap.L().Info("queue item requeued", zap.Int64("item_id", id))
	return nil
}

// Cleanup removes terminal items older than the retention window and
// returns the number deleted.
func (q *Queue) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	result := q.db.WithContext(ctx).
		Where("status IN ? AND processed_at < ?",
			[]domain.DripStatus{domain.DripSent, domain.DripFailed}, cutoff).
		Delete(&domain.DripQueueItem{})
	if result.Error != nil {
		return 0, errors.Wrap(result.Error, "cleanup queue")
	}
	return result.RowsAffected, nil
}

// CountByStatus returns per-status item counts for a subaccount.
func (q *Queue) CountByStatus(ctx context.Context, subaccountID int64) (map[domain.DripStatus]int64, error) {
	type row struct {
		Status domain.DripStatus
		Total  int64
	}
	var rows []row
	err := q.db.WithContext(ctx).Model(&domain.DripQueueItem{}).
		Select("status, count(*) as total").
		Where("subaccount_id = ?", subaccountID).
		Group("status").Scan(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "count queue by status")
	}
	counts := make(map[domain.DripStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Total
	}
	return counts, nil
}
