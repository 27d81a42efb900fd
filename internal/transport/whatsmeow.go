package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/asaskevich/EventBus"
	"github.com/pkg/errors"
	"github.com/wagatehq/wagate/internal/domain"
	"github.com/wagatehq/wagate/internal/session"
	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waTypes "go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"gorm.io/gorm"
)

// TopicMessageReceived is published on the event bus for every inbound
// message. Payload: (subaccountID int64). Inbound messages never touch
// session activation; any session of the subaccount may receive.
const TopicMessageReceived = "message.received"

// sessionMarker tags whatsmeow store devices with the wa_session row id
// so drivers restarted later can re-bind persisted credentials.
func sessionMarker(sessionID int64) string {
	return fmt.Sprintf("wa_session:%d", sessionID)
}

// WhatsmeowDriver implements Transport on top of whatsmeow multi-device
// clients. Credentials live in whatsmeow's sqlstore sharing the service
// database; connection state per session is kept in memory and mirrored
// into the wa_session table through the session store.
type WhatsmeowDriver struct {
	db       *gorm.DB
	sessions *session.Store
	bus      EventBus.Bus
	store    *sqlstore.Container

	mu      sync.RWMutex
	clients map[int64]*whatsmeow.Client
	qr      map[int64]string
}

// NewWhatsmeowDriver wraps the service database connection so whatsmeow
// credential tables live alongside the application tables, then rebinds
// clients for every persisted device.
func NewWhatsmeowDriver(ctx context.Context, db *gorm.DB, dialect string, sessions *session.Store, bus EventBus.Bus) (*WhatsmeowDriver, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "obtain sql.DB")
	}
	driver := "postgres"
	if strings.HasPrefix(strings.ToLower(dialect), "sqlite") {
		driver = "sqlite3"
	}
	container := sqlstore.NewWithDB(sqlDB, driver, nil)
	if err := container.Upgrade(ctx); err != nil {
		return nil, errors.Wrap(err, "upgrade whatsmeow sqlstore")
	}

	d := &WhatsmeowDriver{
		db:       db,
		sessions: sessions,
		bus:      bus,
		store:    container,
		clients:  make(map[int64]*whatsmeow.Client),
		qr:       make(map[int64]string),
	}

	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list stored devices")
	}
	for _, dev := range devices {
		sid, ok := parseMarker(dev.BusinessName)
		if !ok {
			continue
		}
		d.bindClient(sid, dev)
	}
	zap.L().Info("whatsmeow driver initialized",
		zap.Int("stored_devices", len(devices)), zap.String("driver", driver))
	return d, nil
}

// Connect dials every bound client; used at startup to resume paired
// sessions. Connect errors are logged per session, not fatal.
func (d *WhatsmeowDriver) Connect() {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for sid, cli := range d.clients {
		go func(sid int64, cli *whatsmeow.Client) {
			if err := cli.Connect(); err != nil {
				zap.L().Warn("session connect failed",
					zap.Int64("session_id", sid), zap.Error(err))
			}
		}(sid, cli)
	}
}

// Close disconnects all clients.
func (d *WhatsmeowDriver) Close() {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, cli := range d.clients {
		cli.Disconnect()
	}
}

func (d *WhatsmeowDriver) CreateSession(ctx context.Context, sessionID int64) (SessionInfo, error) {
	d.mu.RLock()
	_, exists := d.clients[sessionID]
	d.mu.RUnlock()
	if exists {
		return d.SessionStatus(ctx, sessionID)
	}

	dev := d.store.NewDevice()
	dev.BusinessName = sessionMarker(sessionID)
	cli := d.bindClient(sessionID, dev)

	qrChan, err := cli.GetQRChannel(context.Background())
	if err != nil {
		if errors.Is(err, whatsmeow.ErrQRStoreContainsID) {
			// already paired: just connect
			if err := cli.Connect(); err != nil {
				return SessionInfo{}, errors.Wrap(err, "connect paired session")
			}
			return d.SessionStatus(ctx, sessionID)
		}
		return SessionInfo{}, errors.Wrap(err, "get qr channel")
	}
	if err := cli.Connect(); err != nil {
		return SessionInfo{}, errors.Wrap(err, "connect for pairing")
	}

	go d.consumeQR(sessionID, qrChan)

	return SessionInfo{Status: domain.SessionInitializing}, nil
}

// consumeQR forwards pairing codes into the qr map and mirrors the qr
// status into the session table until the channel closes.
func (d *WhatsmeowDriver) consumeQR(sessionID int64, qrChan <-chan whatsmeow.QRChannelItem) {
	for evt := range qrChan {
		switch evt.Event {
		case "code":
			d.mu.Lock()
			d.qr[sessionID] = evt.Code
			d.mu.Unlock()
			if err := d.sessions.UpdateStatus(context.Background(), sessionID, domain.SessionQR, ""); err != nil {
				zap.L().Warn("persist qr status failed",
					zap.Int64("session_id", sessionID), zap.Error(err))
			}
		case "success":
			d.clearQR(sessionID)
		default:
			// timeout or error: pairing window closed
			d.clearQR(sessionID)
			if err := d.sessions.UpdateStatus(context.Background(), sessionID, domain.SessionNone, ""); err != nil {
				zap.L().Debug("persist pairing timeout failed",
					zap.Int64("session_id", sessionID), zap.Error(err))
			}
		}
	}
}

func (d *WhatsmeowDriver) clearQR(sessionID int64) {
	d.mu.Lock()
	delete(d.qr, sessionID)
	d.mu.Unlock()
}

// bindClient registers the event handler that mirrors whatsmeow state
// into the session table and the event bus.
func (d *WhatsmeowDriver) bindClient(sessionID int64, dev *store.Device) *whatsmeow.Client {
	cli := whatsmeow.NewClient(dev, nil)
	cli.AddEventHandler(func(evt interface{}) {
		switch e := evt.(type) {
		case *events.PairSuccess, *events.Connected:
			d.clearQR(sessionID)
			phone := ""
			if jid := cli.Store.GetJID(); !jid.IsEmpty() {
				phone = "+" + jid.User
			}
			if dev.BusinessName != "" {
				// persist the paired device so it survives restarts
				if err := d.store.PutDevice(context.Background(), cli.Store); err != nil {
					zap.L().Warn("persist paired device failed",
						zap.Int64("session_id", sessionID), zap.Error(err))
				}
			}
			if err := d.sessions.UpdateStatus(context.Background(), sessionID, domain.SessionReady, phone); err != nil {
				zap.L().Warn("persist ready status failed",
					zap.Int64("session_id", sessionID), zap.Error(err))
			}
		case *events.LoggedOut:
			zap.L().Info("session logged out by phone",
				zap.Int64("session_id", sessionID), zap.Stringer("reason", e.Reason))
			if err := d.sessions.UpdateStatus(context.Background(), sessionID, domain.SessionDisconnected, ""); err != nil {
				zap.L().Warn("persist logout status failed",
					zap.Int64("session_id", sessionID), zap.Error(err))
			}
		case *events.Disconnected:
			if err := d.sessions.UpdateStatus(context.Background(), sessionID, domain.SessionNone, ""); err != nil {
				zap.L().Debug("persist disconnect status failed",
					zap.Int64("session_id", sessionID), zap.Error(err))
			}
		case *events.Message:
			d.publishReceived(sessionID)
		}
	})

	d.mu.Lock()
	d.clients[sessionID] = cli
	d.mu.Unlock()
	return cli
}

// publishReceived resolves the session's subaccount and emits the inbound
// message event consumed by the analytics recorder.
func (d *WhatsmeowDriver) publishReceived(sessionID int64) {
	if d.bus == nil {
		return
	}
	sess, err := d.sessions.GetSession(context.Background(), sessionID)
	if err != nil {
		zap.L().Warn("inbound message for unknown session",
			zap.Int64("session_id", sessionID), zap.Error(err))
		return
	}
	d.bus.Publish(TopicMessageReceived, sess.SubaccountId)
}

func (d *WhatsmeowDriver) SessionStatus(ctx context.Context, sessionID int64) (SessionInfo, error) {
	d.mu.RLock()
	cli, ok := d.clients[sessionID]
	code := d.qr[sessionID]
	d.mu.RUnlock()

	if !ok {
		return SessionInfo{Status: domain.SessionNone}, nil
	}
	if cli.IsConnected() && cli.IsLoggedIn() {
		info := SessionInfo{Status: domain.SessionReady}
		if jid := cli.Store.GetJID(); !jid.IsEmpty() {
			info.PhoneNumber = "+" + jid.User
		}
		return info, nil
	}
	if code != "" {
		return SessionInfo{Status: domain.SessionQR, QRCode: code}, nil
	}
	return SessionInfo{Status: domain.SessionNone}, nil
}

func (d *WhatsmeowDriver) Logout(ctx context.Context, sessionID int64) error {
	d.mu.Lock()
	cli, ok := d.clients[sessionID]
	delete(d.clients, sessionID)
	delete(d.qr, sessionID)
	d.mu.Unlock()
	if !ok {
		return session.ErrSessionNotFound
	}
	if err := cli.Logout(ctx); err != nil {
		// best effort: the phone may already have unpaired us
		zap.L().Warn("whatsmeow logout failed",
			zap.Int64("session_id", sessionID), zap.Error(err))
		cli.Disconnect()
	}
	return nil
}

func (d *WhatsmeowDriver) Reset(ctx context.Context, sessionID int64) error {
	d.mu.Lock()
	cli, ok := d.clients[sessionID]
	delete(d.clients, sessionID)
	delete(d.qr, sessionID)
	d.mu.Unlock()
	if !ok {
		return session.ErrSessionNotFound
	}
	cli.Disconnect()
	if err := d.store.DeleteDevice(ctx, cli.Store); err != nil {
		return errors.Wrap(err, "delete stored device")
	}
	return nil
}

func (d *WhatsmeowDriver) Send(ctx context.Context, sessionID int64, to, body string) error {
	d.mu.RLock()
	cli, ok := d.clients[sessionID]
	d.mu.RUnlock()
	if !ok {
		return Transient("no client for session", nil)
	}
	if !cli.IsConnected() || !cli.IsLoggedIn() {
		return Transient("session not connected", nil)
	}

	jid, err := parseDestination(to)
	if err != nil {
		return Terminal("invalid destination number", err)
	}

	msg := &waE2E.Message{Conversation: proto.String(body)}
	if _, err := cli.SendMessage(ctx, jid, msg); err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			return Transient("send timed out", err)
		case errors.Is(err, whatsmeow.ErrNotConnected), errors.Is(err, whatsmeow.ErrNotLoggedIn):
			return Transient("connection lost", err)
		default:
			return Terminal("transport rejected message", err)
		}
	}
	return nil
}

// parseDestination turns a phone number into a whatsmeow user JID.
func parseDestination(phone string) (waTypes.JID, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(phone), "+")
	if trimmed == "" {
		return waTypes.JID{}, errors.New("empty phone")
	}
	if strings.ContainsRune(trimmed, '@') {
		return waTypes.ParseJID(trimmed)
	}
	for _, r := range trimmed {
		if r < '0' || r > '9' {
			return waTypes.JID{}, errors.Errorf("non-numeric phone %q", phone)
		}
	}
	return waTypes.NewJID(trimmed, waTypes.DefaultUserServer), nil
}

func parseMarker(businessName string) (int64, bool) {
	const prefix = "wa_session:"
	if !strings.HasPrefix(businessName, prefix) {
		return 0, false
	}
	var id int64
	if _, err := fmt.Sscan(strings.TrimPrefix(businessName, prefix), &id); err != nil || id == 0 {
		return 0, false
	}
	return id, true
}
