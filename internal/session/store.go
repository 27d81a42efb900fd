package session

import (
	"context"
	"strings"

	"github.com/asaskevich/EventBus"
	"github.com/pkg/errors"
	"github.com/wagatehq/wagate/internal/domain"
	"github.com/wagatehq/wagate/pkg/common"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// TopicSessionReady is published on the event bus whenever a session
// transitions into the ready state. Payload: (subaccountID, sessionID).
const TopicSessionReady = "session.ready"

// Store is the durable record of WhatsApp connection attempts. All state
// lives in the wa_session table; the store keeps no mutable memory so any
// number of processes can share it.
type Store struct {
	db  *gorm.DB
	bus EventBus.Bus
}

func NewStore(db *gorm.DB, bus EventBus.Bus) *Store {
	return &Store{db: db, bus: bus}
}

// CreateSession records a new connection attempt in the initializing state.
func (s *Store) CreateSession(ctx context.Context, subaccountID int64) (*domain.WaSession, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&domain.Subaccount{}).
		Where("id = ?", subaccountID).Count(&count).Error; err != nil {
		return nil, errors.Wrap(err, "query subaccount")
	}
	if count == 0 {
		return nil, ErrSubaccountNotFound
	}

	sess := &domain.WaSession{
		ID:           common.UUIDint64(),
		SubaccountId: subaccountID,
		Status:       domain.SessionInitializing,
	}
	if err := s.db.WithContext(ctx).Create(sess).Error; err != nil {
		return nil, errors.Wrap(err, "create session")
	}
	zap.L().Info("session created",
		zap.Int64("session_id", sess.ID),
		zap.Int64("subaccount_id", subaccountID))
	return sess, nil
}

// GetSession loads a session by id.
func (s *Store) GetSession(ctx context.Context, sessionID int64) (*domain.WaSession, error) {
	var sess domain.WaSession
	err := s.db.WithContext(ctx).Where("id = ?", sessionID).First(&sess).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, ErrSessionNotFound
	case err != nil:
		return nil, errors.Wrap(err, "query session")
	}
	return &sess, nil
}

// UpdateStatus applies a transport-reported status transition. A session
// that reached the terminal disconnected state cannot resume; callers get
// ErrInvalidTransition and must create a fresh session. Moving away from
// ready clears the active flag in the same write so an active session is
// always ready. Entering ready publishes TopicSessionReady.
func (s *Store) UpdateStatus(ctx context.Context, sessionID int64, status domain.SessionStatus, phoneNumber string) error {
	if !status.Valid() {
		return ErrInvalidStatus
	}

	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status == domain.SessionDisconnected && status != domain.SessionDisconnected {
		return ErrInvalidTransition
	}
	if sess.Status == status && (phoneNumber == "" || phoneNumber == sess.PhoneNumber) {
		return nil
	}

	updates := map[string]interface{}{"status": status}
	if phoneNumber != "" {
		updates["phone_number"] = phoneNumber
		updates["phone_number_display"] = displayPhone(phoneNumber)
	}
	if status != domain.SessionReady {
		updates["is_active"] = false
	}
	if err := s.db.WithContext(ctx).Model(&domain.WaSession{}).
		Where("id = ?", sessionID).Updates(updates).Error; err != nil {
		return errors.Wrap(err, "update session status")
	}

	zap.L().Info("session status updated",
		zap.Int64("session_id", sessionID),
		zap.String("from", string(sess.Status)),
		zap.String("to", string(status)))

	if status == domain.SessionReady && sess.Status != domain.SessionReady && s.bus != nil {
		s.bus.Publish(TopicSessionReady, sess.SubaccountId, sessionID)
	}
	return nil
}

// GetActiveSession returns the single active session of a subaccount, or
// ErrSessionNotFound when none is active.
func (s *Store) GetActiveSession(ctx context.Context, subaccountID int64) (*domain.WaSession, error) {
	var sess domain.WaSession
	err := s.db.WithContext(ctx).
		Where("subaccount_id = ? AND is_active = ?", subaccountID, true).
		First(&sess).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, ErrSessionNotFound
	case err != nil:
		return nil, errors.Wrap(err, "query active session")
	}
	return &sess, nil
}

// ListSessions returns every connection attempt of a subaccount, newest
// first.
func (s *Store) ListSessions(ctx context.Context, subaccountID int64) ([]domain.WaSession, error) {
	var sessions []domain.WaSession
	err := s.db.WithContext(ctx).
		Where("subaccount_id = ?", subaccountID).
		Order("created_at DESC").Find(&sessions).Error
	if err != nil {
		return nil, errors.Wrap(err, "list sessions")
	}
	return sessions, nil
}

// displayPhone formats an E.164-ish number for dashboards: +15551234567
// becomes +1 (555) 123-4567 for NANP numbers, other numbers keep a plain
// plus prefix.
func displayPhone(phone string) string {
	digits := strings.TrimPrefix(phone, "+")
	if len(digits) == 11 && digits[0] == '1' {
		return "+1 (" + digits[1:4] + ") " + digits[4:7] + "-" + digits[7:]
	}
	if digits == "" {
		return ""
	}
	return "+" + digits
}
