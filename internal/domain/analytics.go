package domain

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// StatMap stores date-keyed counters as a JSON column. Keys are opaque to
// the core beyond being date strings (daily: 2006-01-02, weekly: 2006-W01).
type StatMap map[string]int64

func (m StatMap) Value() (driver.Value, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "marshal stat map")
	}
	return string(b), nil
}

func (m *StatMap) Scan(src interface{}) error {
	if src == nil {
		*m = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return errors.Errorf("unsupported stat map column type %T", src)
	}
	if len(data) == 0 {
		*m = nil
		return nil
	}
	return errors.Wrap(json.Unmarshal(data, m), "unmarshal stat map")
}

// Add merges a delta into the map, initializing missing keys to the delta.
func (m StatMap) Add(key string, delta int64) {
	m[key] += delta
}

// SubaccountAnalytics is the per-subaccount counter row, one per
// subaccount, mutated only by the recorder under the service identity.
type SubaccountAnalytics struct {
	ID                    int64      `json:"id,string" gorm:"primaryKey"`
	SubaccountId          int64      `json:"subaccount_id,string" gorm:"uniqueIndex"`
	MessagesSent          int64      `json:"messages_sent" gorm:"default:0"`
	MessagesReceived      int64      `json:"messages_received" gorm:"default:0"`
	DailyStats            StatMap    `json:"daily_stats" gorm:"type:text"`
	WeeklyStats           StatMap    `json:"weekly_stats" gorm:"type:text"`
	LastMessageSentAt     *time.Time `json:"last_message_sent_at"`
	LastMessageReceivedAt *time.Time `json:"last_message_received_at"`
	LastActivityAt        *time.Time `json:"last_activity_at"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// TableName Specify table name
func (SubaccountAnalytics) TableName() string {
	return "subaccount_analytics"
}
