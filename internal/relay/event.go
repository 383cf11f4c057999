// ABOUTME: Event is the JSON document posted to the downstream consumer
// ABOUTME: Field names match what the existing webhook consumer reads

package relay

import "encoding/json"

// Media classifications.
const (
	MediaText     = "text"
	MediaImage    = "image"
	MediaDocument = "document"
	MediaAudio    = "audio"
	MediaUnknown  = "unknown"
)

// Event is one relayed inbound message.
type Event struct {
	EventID   string `json:"eventId"`
	ClientID  string `json:"clientId"`
	MessageID string `json:"messageId"`

	// RemoteJID is the resolved sender address, RawJID what the transport
	// reported before alias resolution.
	RemoteJID   string `json:"remoteJid"`
	RawJID      string `json:"rawJid"`
	PushName    string `json:"pushName,omitempty"`
	ContactName string `json:"contactName,omitempty"`

	Text      string `json:"text"`
	FromMe    bool   `json:"fromMe"`
	MediaType string `json:"mediaType"`
	// Audio is base64 encoded by encoding/json.
	Audio     []byte `json:"audio,omitempty"`
	Timestamp int64  `json:"timestamp"`

	OriginalMessage json.RawMessage `json:"originalMessage,omitempty"`
}
