package adminapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/wagatehq/wagate/internal/domain"
	"github.com/wagatehq/wagate/internal/webserver"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type settingsUpdatePayload struct {
	CreateContactInGhl   *bool `json:"create_contact_in_ghl"`
	DripModeEnabled      *bool `json:"drip_mode_enabled"`
	DripMessagesPerBatch *int  `json:"drip_messages_per_batch" validate:"omitempty,min=1,max=500"`
	DripDelayMinutes     *int  `json:"drip_delay_minutes" validate:"omitempty,min=0,max=1440"`
}

// registerSettingsRoutes registers subaccount settings routes
func registerSettingsRoutes() {
	webserver.ApiGET("/subaccounts/:id/settings", getSettings)
	webserver.ApiPUT("/subaccounts/:id/settings", updateSettings)
}

func getSettings(c echo.Context) error {
	subaccountID, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid subaccount ID", nil)
	}

	var settings domain.SubaccountSettings
	err = GetDB(c).Where("subaccount_id = ?", subaccountID).First(&settings).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fail(c, http.StatusNotFound, "SETTINGS_NOT_FOUND", "Settings row not found", nil)
	} else if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query settings", err.Error())
	}
	return ok(c, settings)
}

// updateSettings applies partial updates. Enabling drip mode arms the
// pacing clock so the next cycle can dispatch immediately.
func updateSettings(c echo.Context) error {
	subaccountID, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid subaccount ID", nil)
	}

	var payload settingsUpdatePayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse settings parameters", nil)
	}
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}

	var settings domain.SubaccountSettings
	err = GetDB(c).Where("subaccount_id = ?", subaccountID).First(&settings).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fail(c, http.StatusNotFound, "SETTINGS_NOT_FOUND", "Settings row not found", nil)
	} else if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query settings", err.Error())
	}

	if payload.CreateContactInGhl != nil {
		settings.CreateContactInGhl = *payload.CreateContactInGhl
	}
	if payload.DripModeEnabled != nil {
		if *payload.DripModeEnabled && !settings.DripModeEnabled {
			settings.NextDispatchAt = time.Now()
		}
		settings.DripModeEnabled = *payload.DripModeEnabled
	}
	if payload.DripMessagesPerBatch != nil {
		settings.DripMessagesPerBatch = *payload.DripMessagesPerBatch
	}
	if payload.DripDelayMinutes != nil {
		settings.DripDelayMinutes = *payload.DripDelayMinutes
	}
	settings.UpdatedAt = time.Now()

	if err := GetDB(c).Save(&settings).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to update settings", err.Error())
	}

	zap.L().Info("subaccount settings updated",
		zap.Int64("subaccount_id", subaccountID),
		zap.Bool("drip_mode", settings.DripModeEnabled),
		zap.Int("batch_size", settings.DripMessagesPerBatch),
		zap.Int("delay_minutes", settings.DripDelayMinutes))
	return ok(c, settings)
}
