// ABOUTME: whatsmeow-backed Transport: one client per tenant over a shared device store
// ABOUTME: The credential record maps a tenant to its paired device JID

package whatsapp

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"

	"github.com/2389/coven-whatsapp/internal/credstore"
	"github.com/2389/coven-whatsapp/internal/session"
)

// Config configures the WhatsApp transport.
type Config struct {
	// DevicePath is the SQLite file holding whatsmeow's device keys.
	DevicePath string

	// DownloadAudio makes inbound voice notes carry their bytes.
	DownloadAudio bool
}

// deviceRecord is what a tenant's credential record holds.
type deviceRecord struct {
	JID string `json:"jid"`
}

// Transport dials whatsmeow clients.
type Transport struct {
	cfg       Config
	db        *sql.DB
	container *sqlstore.Container
	logger    *slog.Logger
}

var _ session.Transport = (*Transport)(nil)

// New opens the device store and applies its migrations.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Transport, error) {
	logger = logger.With("component", "whatsapp")

	if err := os.MkdirAll(filepath.Dir(cfg.DevicePath), 0o700); err != nil {
		return nil, fmt.Errorf("creating device store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", "file:"+cfg.DevicePath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening device store: %w", err)
	}

	container := sqlstore.NewWithDB(db, "sqlite3", newLogger(logger.With("module", "store")))
	if err := container.Upgrade(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("upgrading device store: %w", err)
	}

	logger.Info("whatsapp device store ready", "path", cfg.DevicePath)
	return &Transport{
		cfg:       cfg,
		db:        db,
		container: container,
		logger:    logger,
	}, nil
}

// Close closes the device store.
func (t *Transport) Close() error {
	return t.db.Close()
}

// Dial builds a client for the tenant's device, or for a fresh device that
// will pair through a QR code.
func (t *Transport) Dial(ctx context.Context, tenantID string, creds *credstore.Handle) (session.Conn, error) {
	logger := t.logger.With("tenant", tenantID)

	device, err := t.device(ctx, creds.Load(ctx), logger)
	if err != nil {
		return nil, err
	}

	client := whatsmeow.NewClient(device, newLogger(logger.With("module", "client")))
	// the session manager owns reconnection
	client.EnableAutoReconnect = false

	return newConn(tenantID, client, creds, t.cfg.DownloadAudio, logger), nil
}

func (t *Transport) device(ctx context.Context, creds credstore.Credentials, logger *slog.Logger) (*store.Device, error) {
	jid, ok := parseRecord(creds)
	if !ok {
		if !creds.IsZero() {
			logger.Warn("unreadable device record, pairing a new device")
		}
		return t.container.NewDevice(), nil
	}

	device, err := t.container.GetDevice(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("loading device %s: %w", jid, err)
	}
	if device == nil {
		logger.Warn("paired device missing from store, pairing a new device", "jid", jid)
		return t.container.NewDevice(), nil
	}
	return device, nil
}

// Forget deletes the tenant's device keys from the whatsmeow store.
func (t *Transport) Forget(ctx context.Context, tenantID string, creds *credstore.Handle) error {
	jid, ok := parseRecord(creds.Load(ctx))
	if !ok {
		return nil
	}
	device, err := t.container.GetDevice(ctx, jid)
	if err != nil {
		return fmt.Errorf("loading device %s: %w", jid, err)
	}
	if device == nil {
		return nil
	}
	if err := device.Delete(ctx); err != nil {
		return fmt.Errorf("deleting device %s: %w", jid, err)
	}
	t.logger.Info("device keys deleted", "tenant", tenantID, "jid", jid)
	return nil
}

func parseRecord(creds credstore.Credentials) (types.JID, bool) {
	if creds.IsZero() {
		return types.JID{}, false
	}
	var rec deviceRecord
	if err := json.Unmarshal(creds.Data, &rec); err != nil || rec.JID == "" {
		return types.JID{}, false
	}
	jid, err := types.ParseJID(rec.JID)
	if err != nil {
		return types.JID{}, false
	}
	return jid, true
}

func encodeRecord(jid types.JID) ([]byte, error) {
	return json.Marshal(deviceRecord{JID: jid.String()})
}
