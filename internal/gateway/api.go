// ABOUTME: HTTP handlers for the session control plane
// ABOUTME: Maps manager errors onto status codes and JSON error bodies

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/2389/coven-whatsapp/internal/auth"
	"github.com/2389/coven-whatsapp/internal/session"
)

// maxCredentialBytes bounds an imported credential record.
const maxCredentialBytes = 1 << 20

// defaultUserServer is appended to bare phone numbers.
const defaultUserServer = "@s.whatsapp.net"

// SessionResponse describes one session. LastActivity is Unix milliseconds.
type SessionResponse struct {
	ClientID     string `json:"clientId,omitempty"`
	Status       string `json:"status"`
	LastActivity *int64 `json:"lastActivity,omitempty"`
	QR           *bool  `json:"qr,omitempty"`
}

// SendMessageRequest is the body of POST /send-message/{tenant}.
type SendMessageRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

func sessionResponse(info session.Info, withID bool) SessionResponse {
	resp := SessionResponse{Status: string(info.Status)}
	if withID {
		resp.ClientID = info.TenantID
	}
	if info.Status == session.StatusNotFound {
		return resp
	}
	var last int64
	if !info.LastActivity.IsZero() {
		last = info.LastActivity.UnixMilli()
	}
	qr := info.HasAuthChallenge
	resp.LastActivity = &last
	resp.QR = &qr
	return resp
}

// recipient turns a bare phone number into a WhatsApp user address and
// passes full addresses and room IDs through.
func recipient(number string) string {
	number = strings.TrimSpace(number)
	if strings.ContainsAny(number, "@!") {
		return number
	}
	return number + defaultUserServer
}

// errorStatus maps a manager error to an HTTP status code.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrConnectTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, session.ErrTransportInit), errors.Is(err, session.ErrTransportSend):
		return http.StatusBadGateway
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// sendJSON writes a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}

func (g *Gateway) handleConnect(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")
	if _, err := g.sessions.Connect(r.Context(), tenantID); err != nil {
		g.logger.Error("connect failed", "tenant", tenantID, "error", err)
		g.sendJSONError(w, errorStatus(err), err.Error())
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]string{"status": "initializing", "clientId": tenantID})
}

func (g *Gateway) handleAuthChallenge(w http.ResponseWriter, r *http.Request) {
	challenge, ok := g.sessions.AuthChallenge(r.PathValue("tenant"))
	if !ok {
		g.sendJSONError(w, http.StatusNotFound, "QR code not available")
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]string{"qr": challenge})
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	g.sendJSON(w, http.StatusOK, sessionResponse(g.sessions.Status(r.PathValue("tenant")), false))
}

func (g *Gateway) handleList(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.FromContext(r.Context())

	infos := g.sessions.List()
	out := make([]SessionResponse, 0, len(infos))
	for _, info := range infos {
		if authCtx != nil && !authCtx.AllowsTenant(info.TenantID) {
			continue
		}
		out = append(out, sessionResponse(info, true))
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (g *Gateway) handleImportCredentials(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCredentialBytes))
	if err != nil {
		g.sendJSONError(w, http.StatusRequestEntityTooLarge, "credential record too large")
		return
	}
	if len(data) == 0 {
		g.sendJSONError(w, http.StatusBadRequest, "credential record is required")
		return
	}

	if err := g.sessions.ImportCredentials(r.Context(), tenantID, data); err != nil {
		g.logger.Error("credential import failed", "tenant", tenantID, "error", err)
		g.sendJSONError(w, errorStatus(err), err.Error())
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]string{"status": "imported", "clientId": tenantID})
}

func (g *Gateway) handleDelete(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")
	if err := g.sessions.Delete(r.Context(), tenantID); err != nil {
		g.logger.Error("delete failed", "tenant", tenantID, "error", err)
		g.sendJSONError(w, errorStatus(err), err.Error())
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]string{"status": "deleted", "clientId": tenantID})
}

func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Number) == "" || req.Text == "" {
		g.sendJSONError(w, http.StatusBadRequest, "number and text are required")
		return
	}

	receipt, err := g.sessions.Send(r.Context(), tenantID, recipient(req.Number), req.Text)
	if err != nil {
		g.logger.Error("send failed", "tenant", tenantID, "error", err)
		g.sendJSON(w, errorStatus(err), map[string]string{
			"error":   "failed to send",
			"details": err.Error(),
		})
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]string{"status": "sent", "messageId": receipt.ID})
}

func (g *Gateway) handleSendMessageNoTenant(w http.ResponseWriter, r *http.Request) {
	g.sendJSONError(w, http.StatusBadRequest, "use /send-message/{clientId}")
}
