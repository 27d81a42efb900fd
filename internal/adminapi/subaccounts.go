package adminapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/wagatehq/wagate/internal/domain"
	"github.com/wagatehq/wagate/internal/webserver"
	"github.com/wagatehq/wagate/pkg/common"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type subaccountPayload struct {
	UserId     int64  `json:"user_id,string" validate:"required"`
	LocationId string `json:"location_id" validate:"required,min=1,max=100"`
	Name       string `json:"name" validate:"required,min=1,max=200"`
}

type subaccountUpdatePayload struct {
	Name   *string `json:"name" validate:"omitempty,min=1,max=200"`
	Status *string `json:"status" validate:"omitempty,oneof=enabled disabled"`
}

// registerSubaccountRoutes registers subaccount CRUD routes
func registerSubaccountRoutes() {
	webserver.ApiGET("/subaccounts", listSubaccounts)
	webserver.ApiGET("/subaccounts/:id", getSubaccount)
	webserver.ApiPOST("/subaccounts", createSubaccount)
	webserver.ApiPUT("/subaccounts/:id", updateSubaccount)
	webserver.ApiDELETE("/subaccounts/:id", deleteSubaccount)
}

func listSubaccounts(c echo.Context) error {
	page, pageSize := parsePagination(c)

	db := GetDB(c).Model(&domain.Subaccount{})
	if q := strings.TrimSpace(c.QueryParam("q")); q != "" {
		like := "%" + strings.ToLower(q) + "%"
		db = db.Where("LOWER(name) LIKE ? OR LOWER(location_id) LIKE ?", like, like)
	}

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query subaccounts", err.Error())
	}

	var subaccounts []domain.Subaccount
	if err := db.Order("id DESC").Offset((page-1)*pageSize).Limit(pageSize).Find(&subaccounts).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query subaccounts", err.Error())
	}

	return paged(c, subaccounts, total, page, pageSize)
}

func getSubaccount(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid subaccount ID", nil)
	}

	var sub domain.Subaccount
	if err := GetDB(c).Where("id = ?", id).First(&sub).Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return fail(c, http.StatusNotFound, "SUBACCOUNT_NOT_FOUND", "Subaccount not found", nil)
	} else if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query subaccount", err.Error())
	}

	return ok(c, sub)
}

// createSubaccount provisions the subaccount with its settings and
// analytics rows in one transaction.
func createSubaccount(c echo.Context) error {
	var payload subaccountPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse subaccount parameters", nil)
	}
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}

	payload.LocationId = strings.TrimSpace(payload.LocationId)
	payload.Name = strings.TrimSpace(payload.Name)

	var exists int64
	GetDB(c).Model(&domain.Subaccount{}).Where("location_id = ?", payload.LocationId).Count(&exists)
	if exists > 0 {
		return fail(c, http.StatusConflict, "SUBACCOUNT_EXISTS", "Location already has a subaccount", nil)
	}

	application := GetApp(c)
	batchSize := int(application.GetSettingsInt64Value("drip", "DefaultMessagesPerBatch"))
	if batchSize <= 0 {
		batchSize = 20
	}
	delayMinutes := int(application.GetSettingsInt64Value("drip", "DefaultDelayMinutes"))
	if delayMinutes <= 0 {
		delayMinutes = 1
	}

	sub := domain.Subaccount{
		ID:         common.UUIDint64(),
		UserId:     payload.UserId,
		LocationId: payload.LocationId,
		Name:       payload.Name,
		Status:     common.ENABLED,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}

	err := GetDB(c).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&sub).Error; err != nil {
			return err
		}
		if err := tx.Create(&domain.SubaccountSettings{
			ID:                   common.UUIDint64(),
			SubaccountId:         sub.ID,
			CreateContactInGhl:   true,
			DripModeEnabled:      false,
			DripMessagesPerBatch: batchSize,
			DripDelayMinutes:     delayMinutes,
			NextDispatchAt:       time.Now(),
		}).Error; err != nil {
			return err
		}
		return tx.Create(&domain.SubaccountAnalytics{
			ID:           common.UUIDint64(),
			SubaccountId: sub.ID,
			DailyStats:   domain.StatMap{},
			WeeklyStats:  domain.StatMap{},
		}).Error
	})
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to create subaccount", err.Error())
	}

	zap.L().Info("subaccount created",
		zap.Int64("subaccount_id", sub.ID), zap.String("location_id", sub.LocationId))
	return ok(c, sub)
}

func updateSubaccount(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid subaccount ID", nil)
	}

	var payload subaccountUpdatePayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse subaccount parameters", nil)
	}
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}

	var sub domain.Subaccount
	if err := GetDB(c).Where("id = ?", id).First(&sub).Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return fail(c, http.StatusNotFound, "SUBACCOUNT_NOT_FOUND", "Subaccount not found", nil)
	} else if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query subaccount", err.Error())
	}

	if payload.Name != nil {
		sub.Name = strings.TrimSpace(*payload.Name)
	}
	if payload.Status != nil {
		sub.Status = *payload.Status
	}
	sub.UpdatedAt = time.Now()

	if err := GetDB(c).Save(&sub).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to update subaccount", err.Error())
	}

	return ok(c, sub)
}

// deleteSubaccount removes the subaccount and all dependent rows. Live
// sessions are logged out through the transport first, best effort.
func deleteSubaccount(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid subaccount ID", nil)
	}

	db := GetDB(c)
	var sub domain.Subaccount
	if err := db.Where("id = ?", id).First(&sub).Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return fail(c, http.StatusNotFound, "SUBACCOUNT_NOT_FOUND", "Subaccount not found", nil)
	} else if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query subaccount", err.Error())
	}

	svc := GetApp(c).Services()
	if svc.Transport != nil {
		var sessions []domain.WaSession
		db.Where("subaccount_id = ?", id).Find(&sessions)
		for _, sess := range sessions {
			if err := svc.Transport.Logout(c.Request().Context(), sess.ID); err != nil {
				zap.L().Warn("logout during subaccount delete failed",
					zap.Int64("session_id", sess.ID), zap.Error(err))
			}
		}
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		for _, model := range []interface{}{
			&domain.WaSession{}, &domain.DripQueueItem{},
			&domain.SubaccountSettings{}, &domain.SubaccountAnalytics{},
		} {
			if err := tx.Where("subaccount_id = ?", id).Delete(model).Error; err != nil {
				return err
			}
		}
		return tx.Where("id = ?", id).Delete(&domain.Subaccount{}).Error
	})
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to delete subaccount", err.Error())
	}

	zap.L().Info("subaccount deleted", zap.Int64("subaccount_id", id))
	return ok(c, map[string]interface{}{"id": id})
}
