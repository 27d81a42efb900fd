package webserver

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wagatehq/wagate/config"
	"github.com/wagatehq/wagate/internal/app"
)

const testJwtSecret = "webserver-test-secret"

func newTestServer(t *testing.T) *WebServer {
	t.Helper()
	cfg := *config.DefaultAppConfig
	cfg.Web.JwtSecret = testJwtSecret
	return Init(app.NewApplication(&cfg))
}

func serve(ws *WebServer, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ws.Echo().ServeHTTP(rec, req)
	return rec
}

// Tokens are issued with golang-jwt/v4 on the login path; the middleware
// must accept them.
func TestJwtMiddlewareGuardsApiRoutes(t *testing.T) {
	ApiGET("/ping", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{"pong": true})
	})
	ws := newTestServer(t)

	rec := serve(ws, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(ws, httptest.NewRequest(http.MethodGet, "/api/ping", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"uid": 1,
		"usr": "admin",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testJwtSecret))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/ping", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+signed)
	rec = serve(ws, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/ping", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer not-a-token")
	rec = serve(ws, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
