package adminapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/wagatehq/wagate/internal/domain"
	"github.com/wagatehq/wagate/internal/session"
	"github.com/wagatehq/wagate/internal/webserver"
	"go.uber.org/zap"
)

// registerSessionRoutes registers session lifecycle routes
func registerSessionRoutes() {
	webserver.ApiPOST("/subaccounts/:id/sessions", createSession)
	webserver.ApiGET("/subaccounts/:id/sessions", listSessions)
	webserver.ApiGET("/sessions/:id", getSessionStatus)
	webserver.ApiGET("/sessions/:id/qr", getSessionQR)
	webserver.ApiPOST("/subaccounts/:id/sessions/:sid/activate", activateSession)
	webserver.ApiPOST("/subaccounts/:id/sessions/:sid/deactivate", deactivateSession)
	webserver.ApiPOST("/sessions/:id/logout", logoutSession)
	webserver.ApiPOST("/sessions/:id/reset", resetSession)
}

// createSession opens a new session slot and starts pairing on the
// transport. The row is created first so transport callbacks always have
// a target to update.
func createSession(c echo.Context) error {
	subaccountID, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid subaccount ID", nil)
	}

	svc := GetApp(c).Services()
	sess, err := svc.Sessions.CreateSession(c.Request().Context(), subaccountID)
	if err != nil {
		if errors.Is(err, session.ErrSubaccountNotFound) {
			return fail(c, http.StatusNotFound, "SUBACCOUNT_NOT_FOUND", "Subaccount not found", nil)
		}
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to create session", err.Error())
	}

	info, err := svc.Transport.CreateSession(c.Request().Context(), sess.ID)
	if err != nil {
		zap.L().Error("transport session start failed",
			zap.Int64("session_id", sess.ID), zap.Error(err))
		_ = svc.Sessions.UpdateStatus(c.Request().Context(), sess.ID, domain.SessionNone, "")
		return fail(c, http.StatusBadGateway, "TRANSPORT_ERROR", "Failed to start session pairing", err.Error())
	}

	return ok(c, map[string]interface{}{
		"session": sess,
		"status":  info.Status,
	})
}

func listSessions(c echo.Context) error {
	subaccountID, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid subaccount ID", nil)
	}

	sessions, err := GetApp(c).Services().Sessions.ListSessions(c.Request().Context(), subaccountID)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to list sessions", err.Error())
	}
	return ok(c, map[string]interface{}{"sessions": sessions})
}

// getSessionStatus returns the persisted row plus the live transport view.
func getSessionStatus(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid session ID", nil)
	}

	svc := GetApp(c).Services()
	sess, err := svc.Sessions.GetSession(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return fail(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session not found", nil)
		}
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query session", err.Error())
	}

	info, err := svc.Transport.SessionStatus(c.Request().Context(), id)
	if err != nil {
		zap.L().Warn("transport status probe failed", zap.Int64("session_id", id), zap.Error(err))
		return ok(c, map[string]interface{}{"session": sess})
	}
	return ok(c, map[string]interface{}{
		"session":     sess,
		"live_status": info.Status,
		"has_qr":      info.QRCode != "",
	})
}

// getSessionQR returns the current pairing code string; the frontend
// renders the QR image client-side.
func getSessionQR(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid session ID", nil)
	}

	svc := GetApp(c).Services()
	if _, err := svc.Sessions.GetSession(c.Request().Context(), id); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return fail(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session not found", nil)
		}
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query session", err.Error())
	}

	info, err := svc.Transport.SessionStatus(c.Request().Context(), id)
	if err != nil {
		return fail(c, http.StatusBadGateway, "TRANSPORT_ERROR", "Failed to query transport", err.Error())
	}
	return ok(c, map[string]interface{}{
		"code":   info.QRCode,
		"has_qr": info.QRCode != "",
	})
}

func activateSession(c echo.Context) error {
	subaccountID, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid subaccount ID", nil)
	}
	sessionID, err := parseIDParam(c, "sid")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid session ID", nil)
	}

	err = GetApp(c).Services().Controller.Activate(c.Request().Context(), subaccountID, sessionID)
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return fail(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session not found", nil)
	case errors.Is(err, session.ErrSessionNotReady):
		return fail(c, http.StatusConflict, "SESSION_NOT_READY", "Only ready sessions can be activated", nil)
	case err != nil:
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to activate session", err.Error())
	}
	return ok(c, map[string]interface{}{"activated": sessionID})
}

func deactivateSession(c echo.Context) error {
	subaccountID, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid subaccount ID", nil)
	}
	sessionID, err := parseIDParam(c, "sid")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid session ID", nil)
	}

	err = GetApp(c).Services().Controller.Deactivate(c.Request().Context(), subaccountID, sessionID)
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return fail(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session not found", nil)
	case err != nil:
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to deactivate session", err.Error())
	}
	return ok(c, map[string]interface{}{"deactivated": sessionID})
}

// logoutSession unpairs the device and marks the session disconnected.
func logoutSession(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid session ID", nil)
	}

	svc := GetApp(c).Services()
	if _, err := svc.Sessions.GetSession(c.Request().Context(), id); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return fail(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session not found", nil)
		}
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query session", err.Error())
	}

	if err := svc.Transport.Logout(c.Request().Context(), id); err != nil &&
		!errors.Is(err, session.ErrSessionNotFound) {
		zap.L().Warn("transport logout failed", zap.Int64("session_id", id), zap.Error(err))
	}
	if err := svc.Sessions.UpdateStatus(c.Request().Context(), id, domain.SessionDisconnected, ""); err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to update session", err.Error())
	}
	return ok(c, map[string]interface{}{"logged_out": id})
}

// resetSession drops stored credentials so the slot can pair again.
func resetSession(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid session ID", nil)
	}

	svc := GetApp(c).Services()
	if _, err := svc.Sessions.GetSession(c.Request().Context(), id); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return fail(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session not found", nil)
		}
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query session", err.Error())
	}

	if err := svc.Transport.Reset(c.Request().Context(), id); err != nil &&
		!errors.Is(err, session.ErrSessionNotFound) {
		return fail(c, http.StatusBadGateway, "TRANSPORT_ERROR", "Failed to reset session", err.Error())
	}
	if err := svc.Sessions.UpdateStatus(c.Request().Context(), id, domain.SessionNone, ""); err != nil {
		if errors.Is(err, session.ErrInvalidTransition) {
			return fail(c, http.StatusConflict, "INVALID_TRANSITION",
				"Disconnected sessions cannot be reset, create a new session instead", nil)
		}
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to update session", err.Error())
	}
	return ok(c, map[string]interface{}{"reset": id})
}
