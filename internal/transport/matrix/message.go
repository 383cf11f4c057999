// ABOUTME: Pure helpers for room parsing, content classification and rendering
// ABOUTME: Outgoing text is Markdown rendered to HTML with goldmark

package matrix

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-whatsapp/internal/relay"
)

// ParseRoom validates a room ID such as "!abc:example.org".
func ParseRoom(to string) (id.RoomID, error) {
	to = strings.TrimSpace(to)
	if !strings.HasPrefix(to, "!") || !strings.Contains(to, ":") {
		return "", fmt.Errorf("invalid room %q", to)
	}
	return id.RoomID(to), nil
}

type content struct {
	Text      string
	MediaType string
	Audio     id.ContentURIString
}

func classify(msg *event.MessageEventContent) content {
	switch msg.MsgType {
	case event.MsgText, event.MsgNotice, event.MsgEmote:
		return content{Text: msg.Body, MediaType: relay.MediaText}
	case event.MsgImage:
		return content{MediaType: relay.MediaImage}
	case event.MsgFile:
		return content{MediaType: relay.MediaDocument}
	case event.MsgAudio:
		// encrypted media has no plain URL
		return content{MediaType: relay.MediaAudio, Audio: msg.URL}
	default:
		return content{MediaType: relay.MediaUnknown}
	}
}

// renderText builds an m.text event whose formatted body is the Markdown
// rendering of text. Plain text that renders to a single paragraph is
// sent without a formatted body.
func renderText(text string) event.MessageEventContent {
	out := event.MessageEventContent{MsgType: event.MsgText, Body: text}

	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(text), &buf); err != nil {
		return out
	}
	html := strings.TrimSpace(buf.String())
	if html == "<p>"+text+"</p>" {
		return out
	}
	out.Format = event.FormatHTML
	out.FormattedBody = html
	return out
}
