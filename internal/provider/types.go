// Package provider is the HTTP client for the WhatsApp gateway
// (gate.whapi.cloud style API) plus the webhook payload types it pushes
// back at us.
package provider

import (
	"strconv"
	"strings"

	"github.com/bslsalud/opchat/internal/chat"
)

// Chat is one entry of GET /chats.
type Chat struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	ChatPic     string       `json:"chat_pic,omitempty"`
	ChatPicFull string       `json:"chat_pic_full,omitempty"`
	LastMessage *WireMessage `json:"last_message,omitempty"`
}

// Number strips the JID suffix from the chat ID.
func (c Chat) Number() string {
	return NumberFromChatID(c.ID)
}

// ProfilePicture prefers the full-size picture when the gateway sent one.
func (c Chat) ProfilePicture() string {
	if c.ChatPicFull != "" {
		return c.ChatPicFull
	}
	return c.ChatPic
}

// WireMessage is the gateway's message shape, shared by the list endpoint
// and the webhook.
type WireMessage struct {
	ID        string     `json:"id"`
	ChatID    string     `json:"chat_id"`
	From      string     `json:"from"`
	FromMe    bool       `json:"from_me"`
	Type      string     `json:"type"`
	Text      *TextBody  `json:"text,omitempty"`
	Image     *MediaBody `json:"image,omitempty"`
	Document  *MediaBody `json:"document,omitempty"`
	Audio     *MediaBody `json:"audio,omitempty"`
	Video     *MediaBody `json:"video,omitempty"`
	Timestamp int64      `json:"timestamp"`
}

// TextBody carries the text of a "text" message.
type TextBody struct {
	Body string `json:"body"`
}

// MediaBody carries a media attachment.
type MediaBody struct {
	Link     string `json:"link,omitempty"`
	Caption  string `json:"caption,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// Body returns the displayable text of the message.
func (m WireMessage) Body() string {
	if m.Text != nil {
		return m.Text.Body
	}
	if media := m.media(); media != nil && media.Caption != "" {
		return media.Caption
	}
	return ""
}

func (m WireMessage) media() *MediaBody {
	switch {
	case m.Image != nil:
		return m.Image
	case m.Document != nil:
		return m.Document
	case m.Audio != nil:
		return m.Audio
	case m.Video != nil:
		return m.Video
	}
	return nil
}

// Raw converts a wire message into the normalizer's input shape.
func (m WireMessage) Raw() chat.Raw {
	direction := "inbound"
	if m.FromMe {
		direction = "outbound"
	}
	raw := chat.Raw{
		ID:        m.ID,
		ChatID:    m.ChatID,
		From:      m.From,
		Body:      m.Body(),
		Direction: direction,
	}
	if m.Timestamp > 0 {
		raw.Timestamp = strconv.FormatInt(m.Timestamp, 10)
	}
	if media := m.media(); media != nil {
		raw.MediaURL = media.Link
		raw.MediaType = media.MimeType
		if raw.MediaType == "" {
			raw.MediaType = m.Type
		}
	}
	return raw
}

// StatusUpdate is one delivery receipt from the statuses webhook.
type StatusUpdate struct {
	ID          string `json:"id"`
	RecipientID string `json:"recipient_id"`
	Status      string `json:"status"`
	Timestamp   int64  `json:"timestamp"`
}

// MessagesWebhook is the body the gateway POSTs on new messages.
type MessagesWebhook struct {
	Messages []WireMessage `json:"messages"`
}

// StatusesWebhook is the body the gateway POSTs on delivery receipts.
type StatusesWebhook struct {
	Statuses []StatusUpdate `json:"statuses"`
}

// NumberFromChatID strips the JID suffix, leaving the bare phone number.
func NumberFromChatID(chatID string) string {
	n := strings.TrimSuffix(chatID, "@s.whatsapp.net")
	n = strings.TrimSuffix(n, "@g.us")
	return strings.TrimPrefix(n, "+")
}

// ChatIDFromNumber builds the individual-chat JID for a phone number.
func ChatIDFromNumber(number string) string {
	if strings.Contains(number, "@") {
		return number
	}
	return strings.TrimPrefix(number, "+") + "@s.whatsapp.net"
}
