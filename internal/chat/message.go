package chat

import (
	"strconv"
	"strings"
	"time"
)

// Source tags where a message record came from.
type Source string

const (
	SourceProvider Source = "provider"
	SourceStored   Source = "stored"
	SourceBoth     Source = "both"
)

// Direction is relative to the operator console: inbound messages come from
// the remote party, outbound messages were sent by an agent.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Status mirrors the gateway's delivery states.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusUnknown   Status = "unknown"
)

// Message is the canonical message shape every transport and store record is
// mapped into. Immutable once constructed; ordering key is Timestamp with
// arrival order breaking ties (merge sorts stably).
type Message struct {
	ID        string
	Source    Source
	Direction Direction
	Body      string
	MediaURL  string
	MediaType string
	Timestamp time.Time
	Status    Status
}

// HasTimestamp reports whether the message carries a usable timestamp.
// Messages without one sort after everything else, stably.
func (m Message) HasTimestamp() bool {
	return !m.Timestamp.IsZero()
}

// Preview returns the text shown in conversation lists: the body, or a media
// placeholder when the record carried no text.
func (m Message) Preview() string {
	if m.Body != "" {
		return m.Body
	}
	if m.MediaType != "" {
		return "(" + m.MediaType + ")"
	}
	return "(media)"
}

// Raw is a partially trusted message record as delivered by the gateway, a
// webhook payload, or a stored conversation entry. Any field may be absent.
type Raw struct {
	ID         string `json:"id"`
	ChatID     string `json:"chat_id"`
	From       string `json:"from"`
	To         string `json:"to"`
	Body       string `json:"body"`
	Direction  string `json:"direction"`
	SenderRole string `json:"sender_role"`
	MediaURL   string `json:"media_url"`
	MediaType  string `json:"media_type"`
	Timestamp  string `json:"timestamp"`
	Status     string `json:"status"`
}

// operator-side roles used by stored conversation entries.
var operatorRoles = map[string]bool{
	"agente":   true,
	"agent":    true,
	"bot":      true,
	"operator": true,
}

// Normalize maps a raw record into the canonical Message. It never fails:
// missing fields degrade to their zero values (empty body renders as a media
// placeholder, zero timestamp sorts last).
func Normalize(raw Raw, source Source) Message {
	msg := Message{
		ID:        raw.ID,
		Source:    source,
		Body:      raw.Body,
		MediaURL:  raw.MediaURL,
		MediaType: raw.MediaType,
		Timestamp: parseTimestamp(raw.Timestamp),
		Status:    parseStatus(raw.Status),
	}

	switch source {
	case SourceStored:
		// Stored entries carry a sender role instead of a direction.
		if operatorRoles[strings.ToLower(raw.SenderRole)] {
			msg.Direction = Outbound
		} else {
			msg.Direction = Inbound
		}
	default:
		// The gateway's direction field is authoritative.
		if strings.EqualFold(raw.Direction, string(Outbound)) {
			msg.Direction = Outbound
		} else {
			msg.Direction = Inbound
		}
	}

	return msg
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	// The gateway sends epoch seconds; stored entries epoch milliseconds.
	if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
		if n > 1e12 {
			return time.UnixMilli(n).UTC()
		}
		return time.Unix(n, 0).UTC()
	}
	return time.Time{}
}

func parseStatus(s string) Status {
	switch Status(strings.ToLower(s)) {
	case StatusQueued, StatusSent, StatusDelivered, StatusRead:
		return Status(strings.ToLower(s))
	default:
		return StatusUnknown
	}
}

// Truncate shortens s to at most n runes, appending an ellipsis when cut.
func Truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	if n <= 1 {
		return string(runes[:n])
	}
	return string(runes[:n-1]) + "…"
}
