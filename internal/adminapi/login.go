package adminapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/wagatehq/wagate/internal/domain"
	"github.com/wagatehq/wagate/internal/webserver"
	"github.com/wagatehq/wagate/pkg/common"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const tokenTTL = 24 * time.Hour

type loginPayload struct {
	Username string `json:"username" validate:"required,min=1,max=64"`
	Password string `json:"password" validate:"required,min=1,max=128"`
}

func registerLoginRoutes() {
	webserver.ApiPOST("/login", postLogin)
}

func postLogin(c echo.Context) error {
	var payload loginPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse login parameters", nil)
	}
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}

	username := strings.TrimSpace(payload.Username)

	var operator domain.SysOpr
	err := GetDB(c).Where("username = ?", username).First(&operator).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fail(c, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or password", nil)
	} else if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query operator", err.Error())
	}

	if !strings.EqualFold(operator.Status, common.ENABLED) {
		return fail(c, http.StatusForbidden, "OPERATOR_DISABLED", "Operator account is disabled", nil)
	}

	hashed := common.Sha256HashWithSalt(payload.Password, common.GetSecretSalt())
	if hashed != operator.Password {
		zap.L().Warn("login rejected", zap.String("username", username))
		return fail(c, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or password", nil)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"uid":   operator.ID,
		"usr":   operator.Username,
		"level": operator.Level,
		"iat":   now.Unix(),
		"exp":   now.Add(tokenTTL).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(GetApp(c).Config().Web.JwtSecret))
	if err != nil {
		return fail(c, http.StatusInternalServerError, "TOKEN_ERROR", "Failed to sign token", err.Error())
	}

	GetDB(c).Model(&domain.SysOpr{}).Where("id = ?", operator.ID).
		Update("last_login", now)

	zap.L().Info("operator login", zap.String("username", username))
	return ok(c, map[string]interface{}{
		"token":    signed,
		"level":    operator.Level,
		"username": operator.Username,
	})
}
