// ABOUTME: Pure helpers for recipient parsing and message classification
// ABOUTME: Kept free of client state so they are testable in isolation

package whatsapp

import (
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"

	"github.com/2389/coven-whatsapp/internal/relay"
)

// ParseRecipient accepts a full JID or a bare phone number. Numbers may carry
// a leading plus, spaces or dashes.
func ParseRecipient(to string) (types.JID, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return types.JID{}, fmt.Errorf("empty recipient")
	}
	if strings.Contains(to, "@") {
		jid, err := types.ParseJID(to)
		if err != nil {
			return types.JID{}, fmt.Errorf("invalid recipient %q: %w", to, err)
		}
		return jid, nil
	}

	digits := strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9':
			return r
		case r == '+' || r == ' ' || r == '-' || r == '(' || r == ')':
			return -1
		default:
			return 'x'
		}
	}, to)
	if digits == "" || strings.ContainsRune(digits, 'x') {
		return types.JID{}, fmt.Errorf("invalid recipient %q", to)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}

type content struct {
	Text      string
	MediaType string
	Audio     *waE2E.AudioMessage
}

// classify extracts text and a media classification from a message.
func classify(msg *waE2E.Message) content {
	switch {
	case msg.GetConversation() != "":
		return content{Text: msg.GetConversation(), MediaType: relay.MediaText}
	case msg.GetExtendedTextMessage() != nil:
		return content{Text: msg.GetExtendedTextMessage().GetText(), MediaType: relay.MediaText}
	case msg.GetImageMessage() != nil:
		return content{Text: msg.GetImageMessage().GetCaption(), MediaType: relay.MediaImage}
	case msg.GetDocumentMessage() != nil:
		return content{Text: msg.GetDocumentMessage().GetCaption(), MediaType: relay.MediaDocument}
	case msg.GetAudioMessage() != nil:
		return content{MediaType: relay.MediaAudio, Audio: msg.GetAudioMessage()}
	default:
		return content{MediaType: relay.MediaUnknown}
	}
}

func contactName(info types.ContactInfo) string {
	if !info.Found {
		return ""
	}
	for _, name := range []string{info.FullName, info.FirstName, info.BusinessName} {
		if name != "" {
			return name
		}
	}
	return ""
}
