package adminapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/wagatehq/wagate/internal/analytics"
	"github.com/wagatehq/wagate/internal/webserver"
)

// registerAnalyticsRoutes registers analytics read routes
func registerAnalyticsRoutes() {
	webserver.ApiGET("/subaccounts/:id/analytics", getAnalytics)
}

func getAnalytics(c echo.Context) error {
	subaccountID, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid subaccount ID", nil)
	}

	row, err := GetApp(c).Services().Recorder.Get(c.Request().Context(), subaccountID)
	if err != nil {
		if errors.Is(err, analytics.ErrAnalyticsNotFound) {
			return fail(c, http.StatusNotFound, "ANALYTICS_NOT_FOUND", "Analytics row not found", nil)
		}
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query analytics", err.Error())
	}
	return ok(c, row)
}
