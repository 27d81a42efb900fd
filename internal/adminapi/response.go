package adminapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/spf13/cast"
	"github.com/wagatehq/wagate/internal/app"
	"github.com/wagatehq/wagate/internal/webserver"
	"gorm.io/gorm"
)

const (
	defaultPageSize = 20
	maxPageSize     = 200
)

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// ok wraps a successful response body.
func ok(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data": data,
	})
}

// fail returns a structured error body with a stable machine code.
func fail(c echo.Context, status int, code, message string, details interface{}) error {
	return c.JSON(status, map[string]interface{}{
		"error": apiError{Code: code, Message: message, Details: details},
	})
}

// paged wraps a list response with pagination metadata.
func paged(c echo.Context, items interface{}, total int64, page, pageSize int) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":      items,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

func parsePagination(c echo.Context) (page, pageSize int) {
	page = cast.ToInt(c.QueryParam("page"))
	if page < 1 {
		page = 1
	}
	pageSize = cast.ToInt(c.QueryParam("page_size"))
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return page, pageSize
}

func parseIDParam(c echo.Context, name string) (int64, error) {
	var id int64
	if _, err := fmt.Sscan(c.Param(name), &id); err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id param %q", c.Param(name))
	}
	return id, nil
}

func handleValidationError(c echo.Context, err error) error {
	if verrs, ok := err.(validator.ValidationErrors); ok {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, strings.ToLower(fe.Field()))
		}
		return fail(c, http.StatusBadRequest, "VALIDATION_ERROR",
			"Invalid request parameters", map[string]interface{}{"fields": fields})
	}
	return fail(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request parameters", nil)
}

// GetDB fetches the request scoped database handle.
func GetDB(c echo.Context) *gorm.DB {
	return c.Get(webserver.ContextDBKey).(*gorm.DB)
}

// GetApp fetches the application context.
func GetApp(c echo.Context) *app.Application {
	return c.Get(webserver.ContextAppKey).(*app.Application)
}
