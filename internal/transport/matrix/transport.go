// ABOUTME: mautrix-backed Transport: one Matrix client per tenant
// ABOUTME: The credential record carries homeserver, user ID and access token

package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-whatsapp/internal/credstore"
	"github.com/2389/coven-whatsapp/internal/session"
)

// LoginRequired is the auth challenge of a tenant with no access token.
const LoginRequired = "login-required"

// Config configures the Matrix transport.
type Config struct {
	// DownloadAudio makes inbound m.audio messages carry their bytes.
	DownloadAudio bool
}

// Record is what a tenant's credential record holds.
type Record struct {
	Homeserver  string `json:"homeserver"`
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
	DeviceID    string `json:"device_id,omitempty"`
}

// Complete reports whether the record is enough to log in.
func (r Record) Complete() bool {
	return r.Homeserver != "" && r.UserID != "" && r.AccessToken != ""
}

// Transport dials mautrix clients.
type Transport struct {
	cfg    Config
	logger *slog.Logger
}

var _ session.Transport = (*Transport)(nil)

// New creates a Matrix transport.
func New(cfg Config, logger *slog.Logger) *Transport {
	return &Transport{cfg: cfg, logger: logger.With("component", "matrix")}
}

// Dial builds a client from the tenant's record. A tenant with an
// incomplete record gets a connection that only reports LoginRequired.
func (t *Transport) Dial(ctx context.Context, tenantID string, creds *credstore.Handle) (session.Conn, error) {
	logger := t.logger.With("tenant", tenantID)

	rec, err := parseRecord(creds.Load(ctx))
	if err != nil {
		logger.Warn("unreadable matrix record, waiting for login", "error", err)
	}
	if !rec.Complete() {
		return newConn(tenantID, nil, t.cfg.DownloadAudio, logger), nil
	}

	client, err := mautrix.NewClient(rec.Homeserver, id.UserID(rec.UserID), rec.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	client.DeviceID = id.DeviceID(rec.DeviceID)

	return newConn(tenantID, client, t.cfg.DownloadAudio, logger), nil
}

// Forget is a no-op: nothing lives outside the credential record.
func (t *Transport) Forget(context.Context, string, *credstore.Handle) error {
	return nil
}

func parseRecord(creds credstore.Credentials) (Record, error) {
	var rec Record
	if creds.IsZero() {
		return rec, nil
	}
	if err := json.Unmarshal(creds.Data, &rec); err != nil {
		return Record{}, fmt.Errorf("decoding record: %w", err)
	}
	rec.Homeserver = strings.TrimRight(strings.TrimSpace(rec.Homeserver), "/")
	return rec, nil
}
