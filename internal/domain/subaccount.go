package domain

import "time"

// Subaccount is one tenant-scoped WhatsApp integration unit tied to an
// external CRM location. Settings and analytics rows are seeded when the
// subaccount is created and removed by cascade when it is deleted.
type Subaccount struct {
	ID         int64     `json:"id,string" gorm:"primaryKey"`
	UserId     int64     `json:"user_id,string" gorm:"index"`
	LocationId string    `json:"location_id" gorm:"uniqueIndex"`
	Name       string    `json:"name"`
	Status     string    `json:"status"` // enabled/disabled
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TableName Specify table name
func (Subaccount) TableName() string {
	return "subaccount"
}
