package app

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/wagatehq/wagate/internal/domain"
	"github.com/wagatehq/wagate/pkg/common"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func (a *Application) checkSuper() {
	const superUsername = "admin"
	const defaultPassword = "wagate"

	hashedPassword := common.Sha256HashWithSalt(defaultPassword, common.GetSecretSalt())

	var operator domain.SysOpr
	err := a.gormDB.Where("username = ?", superUsername).First(&operator).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := a.gormDB.Create(&domain.SysOpr{
			ID:        common.UUIDint64(),
			Realname:  "administrator",
			Email:     "N/A",
			Username:  superUsername,
			Password:  hashedPassword,
			Level:     "super",
			Status:    common.ENABLED,
			Remark:    "super",
			LastLogin: time.Now(),
		}).Error; err != nil {
			zap.L().Error("failed to create default super admin", zap.Error(err))
		} else {
			zap.L().Info("initialized default super admin account", zap.String("username", superUsername))
		}
		return
	case err != nil:
		zap.L().Error("failed to query super admin", zap.Error(err))
		return
	}

	resetPassword := strings.TrimSpace(operator.Password) == ""
	resetLevel := !strings.EqualFold(operator.Level, "super")
	resetStatus := !strings.EqualFold(operator.Status, common.ENABLED)

	if !resetPassword && !resetLevel && !resetStatus {
		return
	}

	updates := map[string]interface{}{
		"updated_at": time.Now(),
	}
	if resetPassword {
		updates["password"] = hashedPassword
	}
	if resetLevel {
		updates["level"] = "super"
	}
	if resetStatus {
		updates["status"] = common.ENABLED
	}

	if err := a.gormDB.Model(&domain.SysOpr{}).Where("id = ?", operator.ID).Updates(updates).Error; err != nil {
		zap.L().Error("failed to repair super admin account", zap.Error(err))
		return
	}

	zap.L().Warn("repaired default super admin account",
		zap.String("username", superUsername),
		zap.Bool("passwordReset", resetPassword),
		zap.Bool("levelReset", resetLevel),
		zap.Bool("statusEnabled", resetStatus))
}

// defaultSettings seeds sys_config entries on first startup.
var defaultSettings = []domain.SysConfig{
	{Sort: 1, Type: "system", Name: "SystemTitle", Value: "WaGate", Remark: "System title"},
	{Sort: 2, Type: "system", Name: "LoginRemark", Value: "", Remark: "Login page remark"},
	{Sort: 10, Type: "drip", Name: "DefaultMessagesPerBatch", Value: "20", Remark: "Batch size for new subaccount settings"},
	{Sort: 11, Type: "drip", Name: "DefaultDelayMinutes", Value: "1", Remark: "Batch spacing for new subaccount settings"},
	{Sort: 12, Type: "drip", Name: "QueueRetentionDays", Value: "90", Remark: "Days terminal queue items are kept"},
	{Sort: 20, Type: "session", Name: "QrWaitSeconds", Value: "120", Remark: "Pairing window before a session falls back to none"},
}

func (a *Application) checkSettings() {
	for _, item := range defaultSettings {
		var count int64
		a.gormDB.Model(&domain.SysConfig{}).
			Where("type = ? and name = ?", item.Type, item.Name).
			Count(&count)
		if count == 0 {
			item.ID = common.UUIDint64()
			a.gormDB.Create(&item)
			zap.L().Info("initialized config",
				zap.String("key", item.Type+"."+item.Name),
				zap.String("default", item.Value))
		}
	}
}

// checkSubaccountRows ensures every subaccount has its settings and
// analytics rows. Normally CreateSubaccount makes them; this repairs
// rows lost to partial imports.
func (a *Application) checkSubaccountRows() {
	var subaccounts []domain.Subaccount
	if err := a.gormDB.Find(&subaccounts).Error; err != nil {
		zap.L().Error("query subaccounts failed", zap.Error(err))
		return
	}
	batchSize := a.settings.GetInt("drip", "DefaultMessagesPerBatch")
	if batchSize <= 0 {
		batchSize = 20
	}
	delayMinutes := a.settings.GetInt("drip", "DefaultDelayMinutes")
	if delayMinutes <= 0 {
		delayMinutes = 1
	}
	for _, sub := range subaccounts {
		var count int64
		a.gormDB.Model(&domain.SubaccountSettings{}).
			Where("subaccount_id = ?", sub.ID).Count(&count)
		if count == 0 {
			a.gormDB.Create(&domain.SubaccountSettings{
				ID:                   common.UUIDint64(),
				SubaccountId:         sub.ID,
				CreateContactInGhl:   true,
				DripModeEnabled:      false,
				DripMessagesPerBatch: batchSize,
				DripDelayMinutes:     delayMinutes,
				NextDispatchAt:       time.Now(),
			})
			zap.L().Info("repaired settings row", zap.Int64("subaccount_id", sub.ID))
		}

		count = 0
		a.gormDB.Model(&domain.SubaccountAnalytics{}).
			Where("subaccount_id = ?", sub.ID).Count(&count)
		if count == 0 {
			a.gormDB.Create(&domain.SubaccountAnalytics{
				ID:           common.UUIDint64(),
				SubaccountId: sub.ID,
				DailyStats:   domain.StatMap{},
				WeeklyStats:  domain.StatMap{},
			})
			zap.L().Info("repaired analytics row", zap.Int64("subaccount_id", sub.ID))
		}
	}
}
