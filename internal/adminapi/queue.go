package adminapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/wagatehq/wagate/internal/domain"
	"github.com/wagatehq/wagate/internal/drip"
	"github.com/wagatehq/wagate/internal/session"
	"github.com/wagatehq/wagate/internal/transport"
	"github.com/wagatehq/wagate/internal/webserver"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type enqueuePayload struct {
	UserId      int64               `json:"user_id,string"`
	ContactId   string              `json:"contact_id" validate:"omitempty,max=100"`
	Phone       string              `json:"phone" validate:"required,min=5,max=32"`
	Message     string              `json:"message" validate:"omitempty,max=8192"`
	MessageType string              `json:"message_type" validate:"omitempty,oneof=text media"`
	Attachments []domain.Attachment `json:"attachments"`
	BatchNumber int                 `json:"batch_number" validate:"omitempty,min=0"`
	Priority    int                 `json:"priority" validate:"omitempty,min=0,max=100"`
	MaxRetries  int                 `json:"max_retries" validate:"omitempty,min=1,max=10"`
	ScheduledAt *time.Time          `json:"scheduled_at"`
}

type sendNowPayload struct {
	Phone   string `json:"phone" validate:"required,min=5,max=32"`
	Message string `json:"message" validate:"required,max=8192"`
}

// registerQueueRoutes registers drip queue routes
func registerQueueRoutes() {
	webserver.ApiPOST("/subaccounts/:id/messages", postMessage)
	webserver.ApiPOST("/subaccounts/:id/queue", enqueueItem)
	webserver.ApiGET("/subaccounts/:id/queue", listQueue)
	webserver.ApiGET("/subaccounts/:id/queue/stats", getQueueStats)
	webserver.ApiPOST("/queue/:id/retry", retryQueueItem)
	webserver.ApiPOST("/subaccounts/:id/send", sendNow)
}

// postMessage is the CRM-facing entry point: with drip mode enabled the
// message joins the queue, otherwise it goes out immediately through the
// active session.
func postMessage(c echo.Context) error {
	subaccountID, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid subaccount ID", nil)
	}

	var payload enqueuePayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse message parameters", nil)
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

	if settings.DripModeEnabled {
		item := domain.DripQueueItem{
			SubaccountId: subaccountID,
			UserId:       payload.UserId,
			ContactId:    payload.ContactId,
			Phone:        payload.Phone,
			Message:      payload.Message,
			MessageType:  payload.MessageType,
			Attachments:  payload.Attachments,
			BatchNumber:  payload.BatchNumber,
			Priority:     payload.Priority,
			MaxRetries:   payload.MaxRetries,
		}
		if payload.ScheduledAt != nil {
			item.ScheduledAt = *payload.ScheduledAt
		}
		err = GetApp(c).Services().Queue.Enqueue(c.Request().Context(), &item)
		switch {
		case errors.Is(err, drip.ErrEmptyPhone), errors.Is(err, drip.ErrEmptyMessage):
			return fail(c, http.StatusBadRequest, "INVALID_ITEM", err.Error(), nil)
		case err != nil:
			return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to enqueue message", err.Error())
		}
		return ok(c, map[string]interface{}{"queued": true, "item": item})
	}

	svc := GetApp(c).Services()
	active, err := svc.Sessions.GetActiveSession(c.Request().Context(), subaccountID)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return fail(c, http.StatusConflict, "NO_ACTIVE_SESSION", "Subaccount has no active session", nil)
		}
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query active session", err.Error())
	}

	body := payload.Message
	for _, att := range payload.Attachments {
		if body != "" {
			body += "\n"
		}
		body += att.URL
	}
	if strings.TrimSpace(body) == "" {
		return fail(c, http.StatusBadRequest, "INVALID_ITEM", "Message body is empty", nil)
	}

	timeout := GetApp(c).Config().Drip.SendTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	sendCtx, cancel := context.WithTimeout(c.Request().Context(), timeout)
	defer cancel()

	if err := svc.Transport.Send(sendCtx, active.ID, payload.Phone, body); err != nil {
		if transport.IsTerminal(err) {
			return fail(c, http.StatusUnprocessableEntity, "SEND_REJECTED", "Message rejected by transport", err.Error())
		}
		return fail(c, http.StatusBadGateway, "SEND_FAILED", "Failed to send message", err.Error())
	}
	if svc.Recorder != nil {
		if err := svc.Recorder.RecordSent(c.Request().Context(), subaccountID); err != nil {
			zap.L().Warn("record sent failed", zap.Int64("subaccount_id", subaccountID), zap.Error(err))
		}
	}
	return ok(c, map[string]interface{}{"queued": false, "sent": true, "session_id": active.ID})
}

func enqueueItem(c echo.Context) error {
	subaccountID, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid subaccount ID", nil)
	}

	var payload enqueuePayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse queue parameters", nil)
	}
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}

	item := domain.DripQueueItem{
		SubaccountId: subaccountID,
		UserId:       payload.UserId,
		ContactId:    payload.ContactId,
		Phone:        payload.Phone,
		Message:      payload.Message,
		MessageType:  payload.MessageType,
		Attachments:  payload.Attachments,
		BatchNumber:  payload.BatchNumber,
		Priority:     payload.Priority,
		MaxRetries:   payload.MaxRetries,
	}
	if payload.ScheduledAt != nil {
		item.ScheduledAt = *payload.ScheduledAt
	}

	err = GetApp(c).Services().Queue.Enqueue(c.Request().Context(), &item)
	switch {
	case errors.Is(err, drip.ErrEmptyPhone), errors.Is(err, drip.ErrEmptyMessage):
		return fail(c, http.StatusBadRequest, "INVALID_ITEM", err.Error(), nil)
	case err != nil:
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to enqueue item", err.Error())
	}
	return ok(c, item)
}

func listQueue(c echo.Context) error {
	subaccountID, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid subaccount ID", nil)
	}
	page, pageSize := parsePagination(c)
	status := domain.DripStatus(c.QueryParam("status"))

	items, total, err := GetApp(c).Services().Queue.List(
		c.Request().Context(), subaccountID, status, (page-1)*pageSize, pageSize)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Failed to list queue items", err.Error())
	}
	return paged(c, items, total, page, pageSize)
}

func getQueueStats(c echo.Context) error {
	subaccountID, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid subaccount ID", nil)
	}

	counts, err := GetApp(c).Services().Queue.CountByStatus(c.Request().Context(), subaccountID)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to count queue items", err.Error())
	}
	return ok(c, counts)
}

func retryQueueItem(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid queue item ID", nil)
	}

	err = GetApp(c).Services().Queue.Retry(c.Request().Context(), id)
	switch {
	case errors.Is(err, drip.ErrItemNotFound):
		return fail(c, http.StatusNotFound, "ITEM_NOT_FOUND", "Queue item not found", nil)
	case errors.Is(err, drip.ErrNotRetryable):
		return fail(c, http.StatusConflict, "ITEM_NOT_RETRYABLE", "Only failed items can be retried", nil)
	case err != nil:
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to retry item", err.Error())
	}
	return ok(c, map[string]interface{}{"requeued": id})
}

// sendNow bypasses the queue and pushes one message through the active
// session immediately. Delivery failures surface to the caller instead
// of entering the retry loop.
func sendNow(c echo.Context) error {
	subaccountID, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid subaccount ID", nil)
	}

	var payload sendNowPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse send parameters", nil)
	}
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}

	svc := GetApp(c).Services()
	active, err := svc.Sessions.GetActiveSession(c.Request().Context(), subaccountID)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return fail(c, http.StatusConflict, "NO_ACTIVE_SESSION", "Subaccount has no active session", nil)
		}
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query active session", err.Error())
	}

	timeout := GetApp(c).Config().Drip.SendTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	sendCtx, cancel := context.WithTimeout(c.Request().Context(), timeout)
	defer cancel()

	if err := svc.Transport.Send(sendCtx, active.ID, payload.Phone, payload.Message); err != nil {
		if transport.IsTerminal(err) {
			return fail(c, http.StatusUnprocessableEntity, "SEND_REJECTED", "Message rejected by transport", err.Error())
		}
		return fail(c, http.StatusBadGateway, "SEND_FAILED", "Failed to send message", err.Error())
	}

	if svc.Recorder != nil {
		if err := svc.Recorder.RecordSent(c.Request().Context(), subaccountID); err != nil {
			zap.L().Warn("record sent failed", zap.Int64("subaccount_id", subaccountID), zap.Error(err))
		}
	}
	return ok(c, map[string]interface{}{"sent": true, "session_id": active.ID})
}
