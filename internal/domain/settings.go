package domain

import "time"

// SubaccountSettings is the per-subaccount behavior row, one per
// subaccount. NextDispatchAt paces dispatcher cycles so batches are spaced
// by DripDelayMinutes without a per-subaccount timer.
type SubaccountSettings struct {
	ID                   int64     `json:"id,string" gorm:"primaryKey"`
	SubaccountId         int64     `json:"subaccount_id,string" gorm:"uniqueIndex"`
	CreateContactInGhl   bool      `json:"create_contact_in_ghl" gorm:"default:true"`
	DripModeEnabled      bool      `json:"drip_mode_enabled" gorm:"default:false"`
	DripMessagesPerBatch int       `json:"drip_messages_per_batch" gorm:"default:20"`
	DripDelayMinutes     int       `json:"drip_delay_minutes" gorm:"default:1"`
	NextDispatchAt       time.Time `json:"next_dispatch_at"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// TableName Specify table name
func (SubaccountSettings) TableName() string {
	return "subaccount_settings"
}
