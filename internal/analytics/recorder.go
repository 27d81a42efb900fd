package analytics

import (
	"context"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/pkg/errors"
	"github.com/wagatehq/wagate/internal/domain"
	"github.com/wagatehq/wagate/internal/transport"
	"github.com/wagatehq/wagate/pkg/common"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// dailyRetention is how long dated counters stay in daily_stats before
// the weekly rollup folds them into weekly_stats.
const dailyRetention = 7 * 24 * time.Hour

var ErrAnalyticsNotFound = errors.New("analytics row not found")

// Recorder maintains the per-subaccount counter rows. Counters only grow;
// the single decrementing motion is the rollup moving daily keys into
// weekly buckets.
type Recorder struct {
	db *gorm.DB
}

func NewRecorder(db *gorm.DB) *Recorder {
	return &Recorder{db: db}
}

// Subscribe wires the recorder to inbound message events.
func (r *Recorder) Subscribe(bus EventBus.Bus) error {
	return bus.Subscribe(transport.TopicMessageReceived, func(subaccountID int64) {
		if err := r.RecordReceived(context.Background(), subaccountID); err != nil {
			zap.L().Warn("record received failed",
				zap.Int64("subaccount_id", subaccountID), zap.Error(err))
		}
	})
}

// RecordSent counts one delivered outbound message.
func (r *Recorder) RecordSent(ctx context.Context, subaccountID int64) error {
	return r.record(ctx, subaccountID, func(row *domain.SubaccountAnalytics, now time.Time) {
		row.MessagesSent++
		row.DailyStats.Add(common.DateKey(now), 1)
		row.LastMessageSentAt = &now
		row.LastActivityAt = &now
	})
}

// RecordReceived counts one inbound message. Inbound traffic is not
// split by day; only the lifetime counter and timestamps move.
func (r *Recorder) RecordReceived(ctx context.Context, subaccountID int64) error {
	return r.record(ctx, subaccountID, func(row *domain.SubaccountAnalytics, now time.Time) {
		row.MessagesReceived++
		row.LastMessageReceivedAt = &now
		row.LastActivityAt = &now
	})
}

// record applies one mutation to the subaccount's row inside a
// transaction, creating the row on first touch. The row lock serializes
// concurrent counter updates.
func (r *Recorder) record(ctx context.Context, subaccountID int64, apply func(*domain.SubaccountAnalytics, time.Time)) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if tx.Name() == "postgres" {
			tx = tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var row domain.SubaccountAnalytics
		err := tx.Where("subaccount_id = ?", subaccountID).
			First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row = domain.SubaccountAnalytics{
				ID:           common.UUIDint64(),
				SubaccountId: subaccountID,
			}
		} else if err != nil {
			return errors.Wrap(err, "query analytics row")
		}
		if row.DailyStats == nil {
			row.DailyStats = domain.StatMap{}
		}
		if row.WeeklyStats == nil {
			row.WeeklyStats = domain.StatMap{}
		}
		apply(&row, time.Now())
		if err := tx.Save(&row).Error; err != nil {
			return errors.Wrap(err, "save analytics row")
		}
		return nil
	})
}

// Get returns the counter row for a subaccount.
func (r *Recorder) Get(ctx context.Context, subaccountID int64) (*domain.SubaccountAnalytics, error) {
	var row domain.SubaccountAnalytics
	err := r.db.WithContext(ctx).
		Where("subaccount_id = ?", subaccountID).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAnalyticsNotFound
		}
		return nil, errors.Wrap(err, "query analytics row")
	}
	return &row, nil
}

// RollupWeekly folds daily counters older than the retention window into
// their ISO-week bucket and drops the daily key. Moving the key makes
// repeated rollups idempotent.
func (r *Recorder) RollupWeekly(ctx context.Context) error {
	var rows []domain.SubaccountAnalytics
	if err := r.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return errors.Wrap(err, "query analytics rows")
	}
	cutoff := time.Now().Add(-dailyRetention)
	rolled := 0
	for i := range rows {
		row := &rows[i]
		changed := false
		for key, count := range row.DailyStats {
			day, err := time.Parse("2006-01-02", key)
			if err != nil {
				zap.L().Warn("dropping malformed daily key",
					zap.Int64("subaccount_id", row.SubaccountId), zap.String("key", key))
				delete(row.DailyStats, key)
				changed = true
				continue
			}
			if !day.Before(cutoff) {
				continue
			}
			if row.WeeklyStats == nil {
				row.WeeklyStats = domain.StatMap{}
			}
			row.WeeklyStats.Add(common.WeekKey(day), count)
			delete(row.DailyStats, key)
			changed = true
		}
		if !changed {
			continue
		}
		err := r.db.WithContext(ctx).Model(&domain.SubaccountAnalytics{}).
			Where("id = ?", row.ID).
			Updates(map[string]interface{}{
				"daily_stats":  row.DailyStats,
				"weekly_stats": row.WeeklyStats,
			}).Error
		if err != nil {
			return errors.Wrap(err, "save rollup")
		}
		rolled++
	}
	if rolled > 0 {
		zap.L().Info("weekly rollup completed", zap.Int("subaccounts", rolled))
	}
	return nil
}
