package session

import (
	"context"

	"github.com/asaskevich/EventBus"
	"github.com/pkg/errors"
	"github.com/wagatehq/wagate/internal/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Controller enforces the single-active-session invariant per subaccount.
// Every mutation runs in one transaction that locks the subaccount's
// session rows, so no reader ever observes zero-or-two active sessions
// mid-switch.
type Controller struct {
	db *gorm.DB
}

func NewController(db *gorm.DB) *Controller {
	return &Controller{db: db}
}

// Subscribe wires the controller to session.ready events so a session
// that finishes pairing is promoted automatically when it is the first.
func (c *Controller) Subscribe(bus EventBus.Bus) error {
	return bus.Subscribe(TopicSessionReady, func(subaccountID, sessionID int64) {
		if err := c.AutoActivateIfFirst(context.Background(), subaccountID, sessionID); err != nil {
			zap.L().Warn("auto-activation failed",
				zap.Int64("subaccount_id", subaccountID),
				zap.Int64("session_id", sessionID),
				zap.Error(err))
		}
	})
}

// AutoActivateIfFirst marks sessionID active when the subaccount has no
// active session yet. A no-op otherwise: a later ready session never
// steals the active slot.
func (c *Controller) AutoActivateIfFirst(ctx context.Context, subaccountID, sessionID int64) error {
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sessions, err := lockSubaccountSessions(tx, subaccountID)
		if err != nil {
			return err
		}

		var target *domain.WaSession
		for i := range sessions {
			if sessions[i].IsActive {
				return nil // already has an active session
			}
			if sessions[i].ID == sessionID {
				target = &sessions[i]
			}
		}
		if target == nil {
			return ErrSessionNotFound
		}
		if target.Status != domain.SessionReady {
			return ErrSessionNotReady
		}

		if err := tx.Model(&domain.WaSession{}).
			Where("id = ?", sessionID).Update("is_active", true).Error; err != nil {
			return errors.Wrap(err, "activate session")
		}
		zap.L().Info("session auto-activated",
			zap.Int64("subaccount_id", subaccountID),
			zap.Int64("session_id", sessionID))
		return nil
	})
}

// Activate is the user-initiated switch: the target must be ready; every
// sibling is demoted and the target promoted in one transaction.
func (c *Controller) Activate(ctx context.Context, subaccountID, sessionID int64) error {
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sessions, err := lockSubaccountSessions(tx, subaccountID)
		if err != nil {
			return err
		}

		var target *domain.WaSession
		for i := range sessions {
			if sessions[i].ID == sessionID {
				target = &sessions[i]
				break
			}
		}
		if target == nil {
			return ErrSessionNotFound
		}
		if target.Status != domain.SessionReady {
			return ErrSessionNotReady
		}

		if err := tx.Model(&domain.WaSession{}).
			Where("subaccount_id = ? AND id <> ? AND is_active = ?", subaccountID, sessionID, true).
			Update("is_active", false).Error; err != nil {
			return errors.Wrap(err, "deactivate siblings")
		}
		if err := tx.Model(&domain.WaSession{}).
			Where("id = ?", sessionID).Update("is_active", true).Error; err != nil {
			return errors.Wrap(err, "activate session")
		}
		zap.L().Info("session activated",
			zap.Int64("subaccount_id", subaccountID),
			zap.Int64("session_id", sessionID))
		return nil
	})
}

// Deactivate clears the active flag on the explicit logout/reset path.
// It never promotes a sibling; the subaccount simply has no active
// session until the next activation.
func (c *Controller) Deactivate(ctx context.Context, subaccountID, sessionID int64) error {
	res := c.db.WithContext(ctx).Model(&domain.WaSession{}).
		Where("id = ? AND subaccount_id = ?", sessionID, subaccountID).
		Update("is_active", false)
	if res.Error != nil {
		return errors.Wrap(res.Error, "deactivate session")
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := c.db.WithContext(ctx).Model(&domain.WaSession{}).
			Where("id = ? AND subaccount_id = ?", sessionID, subaccountID).
			Count(&count).Error; err != nil {
			return errors.Wrap(err, "query session")
		}
		if count == 0 {
			return ErrSessionNotFound
		}
	}
	zap.L().Info("session deactivated",
		zap.Int64("subaccount_id", subaccountID),
		zap.Int64("session_id", sessionID))
	return nil
}

// lockSubaccountSessions takes row locks on all of a subaccount's sessions
// so concurrent activations serialize per subaccount. Sqlite has no row
// locks; its single writer serializes transactions instead.
func lockSubaccountSessions(tx *gorm.DB, subaccountID int64) ([]domain.WaSession, error) {
	if tx.Name() == "postgres" {
		tx = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var sessions []domain.WaSession
	err := tx.Where("subaccount_id = ?", subaccountID).
		Order("id").Find(&sessions).Error
	if err != nil {
		return nil, errors.Wrap(err, "lock subaccount sessions")
	}
	return sessions, nil
}
