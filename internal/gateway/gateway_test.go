// ABOUTME: Tests for the control-plane routes, error mapping and health publishing
// ABOUTME: Uses a scripted SessionManager so no transport is involved

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/coven-whatsapp/internal/auth"
	"github.com/2389/coven-whatsapp/internal/config"
	"github.com/2389/coven-whatsapp/internal/session"
)

const testJWTSecret = "gateway-test-secret-with-32-bytes"

type sendCall struct {
	tenant, to, text string
}

type fakeSessions struct {
	mu         sync.Mutex
	infos      map[string]session.Info
	challenges map[string]string
	imported   map[string][]byte
	deleted    []string
	sends      []sendCall
	connectErr error
	sendErr    error
	observer   func(string, session.Status)
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		infos:      make(map[string]session.Info),
		challenges: make(map[string]string),
		imported:   make(map[string][]byte),
	}
}

func (f *fakeSessions) Connect(_ context.Context, tenantID string) (session.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	f.infos[tenantID] = session.Info{TenantID: tenantID, Status: session.StatusConnecting}
	return nil, nil
}

func (f *fakeSessions) Delete(_ context.Context, tenantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.infos, tenantID)
	f.deleted = append(f.deleted, tenantID)
	return nil
}

func (f *fakeSessions) Send(_ context.Context, tenantID, to, text string) (session.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return session.Receipt{}, f.sendErr
	}
	f.sends = append(f.sends, sendCall{tenantID, to, text})
	return session.Receipt{ID: "ABC123", Timestamp: time.Now()}, nil
}

func (f *fakeSessions) Status(tenantID string) session.Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.infos[tenantID]
	if !ok {
		return session.Info{TenantID: tenantID, Status: session.StatusNotFound}
	}
	return info
}

func (f *fakeSessions) AuthChallenge(tenantID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.challenges[tenantID]
	return c, ok
}

func (f *fakeSessions) List() []session.Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]session.Info, 0, len(f.infos))
	for _, tenant := range []string{"clinicA", "clinicB", "clinicC"} {
		if info, ok := f.infos[tenant]; ok {
			out = append(out, info)
		}
	}
	return out
}

func (f *fakeSessions) ImportCredentials(_ context.Context, tenantID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.imported[tenantID] = data
	return nil
}

func (f *fakeSessions) OnStatusChange(fn func(string, session.Status)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observer = fn
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGateway(t *testing.T, mutate func(*config.Config)) (*Gateway, *fakeSessions) {
	t.Helper()
	cfg := config.Default()
	cfg.Server.GRPCAddr = "127.0.0.1:0"
	if mutate != nil {
		mutate(cfg)
	}
	sessions := newFakeSessions()
	gw, err := New(cfg, sessions, fakePinger{}, testLogger())
	require.NoError(t, err)
	return gw, sessions
}

func do(t *testing.T, h http.Handler, method, path string, body []byte, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestConnect(t *testing.T) {
	gw, sessions := newTestGateway(t, nil)

	rec := do(t, gw.Handler(), http.MethodPost, "/session/connect/clinicA", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"status": "initializing", "clientId": "clinicA"}, decode(t, rec))
	assert.Equal(t, session.StatusConnecting, sessions.Status("clinicA").Status)
}

func TestConnect_TransportFailure(t *testing.T) {
	gw, sessions := newTestGateway(t, nil)
	sessions.connectErr = fmt.Errorf("%w: dial refused", session.ErrTransportInit)

	rec := do(t, gw.Handler(), http.MethodPost, "/session/connect/clinicA", nil, "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "dial refused")
}

func TestStatus(t *testing.T) {
	gw, sessions := newTestGateway(t, nil)

	rec := do(t, gw.Handler(), http.MethodGet, "/session/status/ghost", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"status": "not_found"}, decode(t, rec))

	last := time.UnixMilli(1_700_000_000_000)
	sessions.infos["clinicA"] = session.Info{
		TenantID:         "clinicA",
		Status:           session.StatusOpen,
		LastActivity:     last,
		HasAuthChallenge: false,
	}
	rec = do(t, gw.Handler(), http.MethodGet, "/session/status/clinicA", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{
		"status":       "open",
		"lastActivity": float64(1_700_000_000_000),
		"qr":           false,
	}, decode(t, rec))
}

func TestAuthChallenge(t *testing.T) {
	gw, sessions := newTestGateway(t, nil)

	rec := do(t, gw.Handler(), http.MethodGet, "/session/qr/clinicA", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	sessions.challenges["clinicA"] = "2@abc,def"
	rec = do(t, gw.Handler(), http.MethodGet, "/session/qr/clinicA", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2@abc,def", decode(t, rec)["qr"])
}

func TestList(t *testing.T) {
	gw, sessions := newTestGateway(t, nil)
	sessions.infos["clinicA"] = session.Info{TenantID: "clinicA", Status: session.StatusOpen}
	sessions.infos["clinicB"] = session.Info{TenantID: "clinicB", Status: session.StatusIdle}

	rec := do(t, gw.Handler(), http.MethodGet, "/session", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Sessions []SessionResponse `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Sessions, 2)
	assert.Equal(t, "clinicA", body.Sessions[0].ClientID)
	assert.Equal(t, "idle", body.Sessions[1].Status)
}

func TestImportCredentials(t *testing.T) {
	gw, sessions := newTestGateway(t, nil)

	rec := do(t, gw.Handler(), http.MethodPut, "/session/credentials/clinicA", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	record := []byte(`{"homeserver":"https://m.example.org","user_id":"@bot:example.org","access_token":"t"}`)
	rec = do(t, gw.Handler(), http.MethodPut, "/session/credentials/clinicA", record, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "imported", decode(t, rec)["status"])
	assert.Equal(t, record, sessions.imported["clinicA"])
}

func TestDelete(t *testing.T) {
	gw, sessions := newTestGateway(t, nil)
	sessions.infos["clinicA"] = session.Info{TenantID: "clinicA", Status: session.StatusOpen}

	rec := do(t, gw.Handler(), http.MethodDelete, "/session/logout/clinicA", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"status": "deleted", "clientId": "clinicA"}, decode(t, rec))
	assert.Equal(t, []string{"clinicA"}, sessions.deleted)

	// deleting an unknown tenant is not an error
	rec = do(t, gw.Handler(), http.MethodDelete, "/session/logout/ghost", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSendMessage(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		wantTo string
		want   int
	}{
		{name: "bare number", body: `{"number":"5581999990000","text":"hi"}`, wantTo: "5581999990000@s.whatsapp.net", want: http.StatusOK},
		{name: "full jid", body: `{"number":"5581999990000@s.whatsapp.net","text":"hi"}`, wantTo: "5581999990000@s.whatsapp.net", want: http.StatusOK},
		{name: "group jid", body: `{"number":"120363000000000000@g.us","text":"hi"}`, wantTo: "120363000000000000@g.us", want: http.StatusOK},
		{name: "matrix room", body: `{"number":"!room:example.org","text":"hi"}`, wantTo: "!room:example.org", want: http.StatusOK},
		{name: "missing text", body: `{"number":"5581999990000"}`, want: http.StatusBadRequest},
		{name: "missing number", body: `{"text":"hi"}`, want: http.StatusBadRequest},
		{name: "bad json", body: `{`, want: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw, sessions := newTestGateway(t, nil)

			rec := do(t, gw.Handler(), http.MethodPost, "/send-message/clinicA", []byte(tt.body), "")
			require.Equal(t, tt.want, rec.Code, rec.Body.String())
			if tt.want != http.StatusOK {
				assert.Empty(t, sessions.sends)
				return
			}
			assert.Equal(t, map[string]any{"status": "sent", "messageId": "ABC123"}, decode(t, rec))
			require.Len(t, sessions.sends, 1)
			assert.Equal(t, sendCall{"clinicA", tt.wantTo, "hi"}, sessions.sends[0])
		})
	}
}

func TestSendMessage_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "not found", err: session.ErrSessionNotFound, want: http.StatusNotFound},
		{name: "timeout", err: session.ErrConnectTimeout, want: http.StatusGatewayTimeout},
		{name: "transport send", err: fmt.Errorf("%w: rejected", session.ErrTransportSend), want: http.StatusBadGateway},
		{name: "closed", err: session.ErrClosed, want: http.StatusServiceUnavailable},
		{name: "other", err: errors.New("boom"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw, sessions := newTestGateway(t, nil)
			sessions.sendErr = tt.err

			rec := do(t, gw.Handler(), http.MethodPost, "/send-message/clinicA", []byte(`{"number":"1","text":"x"}`), "")
			assert.Equal(t, tt.want, rec.Code)
			body := decode(t, rec)
			assert.Equal(t, "failed to send", body["error"])
			assert.Equal(t, tt.err.Error(), body["details"])
		})
	}
}

func TestSendMessage_WithoutTenant(t *testing.T) {
	gw, _ := newTestGateway(t, nil)

	rec := do(t, gw.Handler(), http.MethodPost, "/send-message", []byte(`{"number":"1","text":"x"}`), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "use /send-message/{clientId}", decode(t, rec)["error"])
}

func TestHealth(t *testing.T) {
	gw, _ := newTestGateway(t, nil)

	rec := do(t, gw.Handler(), http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, gw.Handler(), http.MethodGet, "/health/ready", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	sessions := newFakeSessions()
	down, err := New(config.Default(), sessions, fakePinger{err: errors.New("db locked")}, testLogger())
	require.NoError(t, err)
	rec = do(t, down.Handler(), http.MethodGet, "/health/ready", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAuthRequired(t *testing.T) {
	gw, sessions := newTestGateway(t, func(c *config.Config) { c.Auth.JWTSecret = testJWTSecret })
	sessions.infos["clinicA"] = session.Info{TenantID: "clinicA", Status: session.StatusOpen}
	sessions.infos["clinicB"] = session.Info{TenantID: "clinicB", Status: session.StatusOpen}

	verifier, err := auth.NewJWTVerifier([]byte(testJWTSecret))
	require.NoError(t, err)
	scoped, err := verifier.Generate("clinic-a-bot", []string{"clinicA"}, time.Hour)
	require.NoError(t, err)

	// health stays open
	assert.Equal(t, http.StatusOK, do(t, gw.Handler(), http.MethodGet, "/health", nil, "").Code)

	assert.Equal(t, http.StatusUnauthorized, do(t, gw.Handler(), http.MethodGet, "/session/status/clinicA", nil, "").Code)
	assert.Equal(t, http.StatusOK, do(t, gw.Handler(), http.MethodGet, "/session/status/clinicA", nil, scoped).Code)
	assert.Equal(t, http.StatusForbidden, do(t, gw.Handler(), http.MethodGet, "/session/status/clinicB", nil, scoped).Code)
	assert.Equal(t, http.StatusForbidden, do(t, gw.Handler(), http.MethodDelete, "/session/logout/clinicB", nil, scoped).Code)
	assert.Empty(t, sessions.deleted)

	rec := do(t, gw.Handler(), http.MethodGet, "/session", nil, scoped)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Sessions []SessionResponse `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Sessions, 1)
	assert.Equal(t, "clinicA", body.Sessions[0].ClientID)
}

func TestTenantHealthPublishing(t *testing.T) {
	gw, sessions := newTestGateway(t, nil)
	require.NotNil(t, sessions.observer, "gateway should observe status changes")

	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		resp, err := gw.healthServer.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
		require.NoError(t, err)
		return resp.Status
	}

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(""))

	sessions.observer("clinicA", session.StatusOpen)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check("tenant/clinicA"))

	sessions.observer("clinicA", session.StatusIdle)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check("tenant/clinicA"))

	sessions.observer("clinicA", session.StatusNotFound)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVICE_UNKNOWN, check("tenant/clinicA"))
}

func TestNoGRPCWithoutAddress(t *testing.T) {
	gw, sessions := newTestGateway(t, func(c *config.Config) { c.Server.GRPCAddr = "" })
	assert.Nil(t, gw.grpcServer)
	assert.Nil(t, sessions.observer)
	require.NoError(t, gw.Shutdown(context.Background()))
}

func TestRecipient(t *testing.T) {
	assert.Equal(t, "5581@s.whatsapp.net", recipient(" 5581 "))
	assert.Equal(t, "x@g.us", recipient("x@g.us"))
	assert.Equal(t, "!r:example.org", recipient("!r:example.org"))
}
