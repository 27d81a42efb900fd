package domain

import "time"

// SessionStatus is the closed set of connection states a WhatsApp session
// can persist. Free-form strings never reach the table.
type SessionStatus string

const (
	SessionInitializing SessionStatus = "initializing"
	SessionQR           SessionStatus = "qr"
	SessionReady        SessionStatus = "ready"
	SessionDisconnected SessionStatus = "disconnected"
	SessionNone         SessionStatus = "none"
)

// Valid reports whether s is one of the enumerated session states.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionInitializing, SessionQR, SessionReady, SessionDisconnected, SessionNone:
		return true
	}
	return false
}

// WaSession is one WhatsApp connection attempt for a subaccount.
//
// Invariants enforced by the session package: at most one session per
// subaccount has IsActive=true, and an active session is always in the
// ready state. Rows are never deleted except by subaccount cascade.
type WaSession struct {
	ID                 int64         `json:"id,string" gorm:"primaryKey"`
	SubaccountId       int64         `json:"subaccount_id,string" gorm:"index"`
	Status             SessionStatus `json:"status" gorm:"type:varchar(16);index"`
	PhoneNumber        string        `json:"phone_number"`
	PhoneNumberDisplay string        `json:"phone_number_display"`
	IsActive           bool          `json:"is_active" gorm:"default:false"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// TableName Specify table name
func (WaSession) TableName() string {
	return "wa_session"
}
