package adminapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wagatehq/wagate/config"
	"github.com/wagatehq/wagate/internal/app"
	"github.com/wagatehq/wagate/internal/domain"
	"github.com/wagatehq/wagate/internal/session"
	"github.com/wagatehq/wagate/internal/transport"
	"github.com/wagatehq/wagate/internal/webserver"
	"github.com/wagatehq/wagate/pkg/common"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type noopTransport struct{}

func (noopTransport) CreateSession(ctx context.Context, sessionID int64) (transport.SessionInfo, error) {
	return transport.SessionInfo{Status: domain.SessionQR}, nil
}

func (noopTransport) SessionStatus(ctx context.Context, sessionID int64) (transport.SessionInfo, error) {
	return transport.SessionInfo{Status: domain.SessionNone}, nil
}

func (noopTransport) Logout(ctx context.Context, sessionID int64) error { return nil }
func (noopTransport) Reset(ctx context.Context, sessionID int64) error  { return nil }
func (noopTransport) Send(ctx context.Context, sessionID int64, to, body string) error {
	return nil
}

func newTestApplication(t *testing.T) *app.Application {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(domain.Tables...))

	cfg := *config.DefaultAppConfig
	application := app.NewApplication(&cfg)
	application.OverrideDB(db)
	application.BindServices(app.Services{
		Sessions:  session.NewStore(db, nil),
		Transport: noopTransport{},
	})
	return application
}

func handlerContext(t *testing.T, application *app.Application, method string) (echo.Context, *httptest.ResponseRecorder) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(method, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set(webserver.ContextAppKey, application)
	c.Set(webserver.ContextDBKey, application.DB())
	return c, rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error.Code
}

func TestResetRejectsDisconnectedSession(t *testing.T) {
	application := newTestApplication(t)
	db := application.DB()
	ctx := context.Background()

	sub := domain.Subaccount{
		ID:         common.UUIDint64(),
		LocationId: "loc-reset-test",
		Name:       "reset test",
		Status:     common.ENABLED,
	}
	require.NoError(t, db.Create(&sub).Error)

	store := application.Services().Sessions
	sess, err := store.CreateSession(ctx, sub.ID)
	require.NoError(t, err)
	require.NoError(t, store.UpdateStatus(ctx, sess.ID, domain.SessionDisconnected, ""))

	c, rec := handlerContext(t, application, http.MethodPost)
	c.SetParamNames("id")
	c.SetParamValues(fmt.Sprint(sess.ID))
	require.NoError(t, resetSession(c))

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "INVALID_TRANSITION", errorCode(t, rec))

	loaded, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionDisconnected, loaded.Status)
}

func TestResetReturnsSessionToNone(t *testing.T) {
	application := newTestApplication(t)
	db := application.DB()
	ctx := context.Background()

	sub := domain.Subaccount{
		ID:         common.UUIDint64(),
		LocationId: "loc-reset-ok",
		Name:       "reset ok",
		Status:     common.ENABLED,
	}
	require.NoError(t, db.Create(&sub).Error)

	store := application.Services().Sessions
	sess, err := store.CreateSession(ctx, sub.ID)
	require.NoError(t, err)
	require.NoError(t, store.UpdateStatus(ctx, sess.ID, domain.SessionQR, ""))

	c, rec := handlerContext(t, application, http.MethodPost)
	c.SetParamNames("id")
	c.SetParamValues(fmt.Sprint(sess.ID))
	require.NoError(t, resetSession(c))

	assert.Equal(t, http.StatusOK, rec.Code)
	loaded, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionNone, loaded.Status)
}
