package domain

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// DripStatus is the closed set of queue item states.
type DripStatus string

const (
	DripPending    DripStatus = "pending"
	DripProcessing DripStatus = "processing"
	DripSent       DripStatus = "sent"
	DripFailed     DripStatus = "failed"
)

// Valid reports whether s is one of the enumerated queue states.
func (s DripStatus) Valid() bool {
	switch s {
	case DripPending, DripProcessing, DripSent, DripFailed:
		return true
	}
	return false
}

// Attachment is an opaque media reference carried with a queue item.
type Attachment struct {
	URL  string `json:"url"`
	Type string `json:"type,omitempty"`
	Name string `json:"name,omitempty"`
}

// AttachmentList stores the ordered attachment slice as a JSON column.
type AttachmentList []Attachment

func (a AttachmentList) Value() (driver.Value, error) {
	if len(a) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, errors.Wrap(err, "marshal attachments")
	}
	return string(b), nil
}

func (a *AttachmentList) Scan(src interface{}) error {
	if src == nil {
		*a = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return errors.Errorf("unsupported attachments column type %T", src)
	}
	if len(data) == 0 {
		*a = nil
		return nil
	}
	return errors.Wrap(json.Unmarshal(data, a), "unmarshal attachments")
}

// DripQueueItem is a single pending outbound message.
//
// Lifecycle: pending -> processing -> sent|failed, with transient failures
// returning to pending until MaxRetries is exhausted. RetryCount never
// exceeds MaxRetries while the item is not failed.
type DripQueueItem struct {
	ID           int64          `json:"id,string" gorm:"primaryKey"`
	SubaccountId int64          `json:"subaccount_id,string" gorm:"index"`
	UserId       int64          `json:"user_id,string"`
	ContactId    string         `json:"contact_id"`
	Phone        string         `json:"phone"`
	Message      string         `json:"message" gorm:"type:text"`
	MessageType  string         `json:"message_type"`
	Attachments  AttachmentList `json:"attachments" gorm:"type:text"`
	Status       DripStatus     `json:"status" gorm:"type:varchar(16);index"`
	BatchNumber  int            `json:"batch_number"`
	Priority     int            `json:"priority"`
	RetryCount   int            `json:"retry_count" gorm:"default:0"`
	MaxRetries   int            `json:"max_retries" gorm:"default:3"`
	ErrorMessage string         `json:"error_message"`
	ScheduledAt  time.Time      `json:"scheduled_at" gorm:"index"`
	ProcessedAt  *time.Time     `json:"processed_at"`
	CreatedAt    time.Time      `json:"created_at"`
}

// TableName Specify table name
func (DripQueueItem) TableName() string {
	return "drip_queue"
}
