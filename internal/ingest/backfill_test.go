package ingest

import (
	"context"
	"testing"

	"github.com/bslsalud/opchat/internal/bus"
	"github.com/bslsalud/opchat/internal/provider"
	"github.com/bslsalud/opchat/internal/store"
)

type fakeGateway struct {
	chats    []provider.Chat
	messages map[string][]provider.WireMessage
}

func (f *fakeGateway) ListChats(ctx context.Context) ([]provider.Chat, error) {
	return f.chats, nil
}

func (f *fakeGateway) ListMessages(ctx context.Context, chatID string, count int) ([]provider.WireMessage, error) {
	return f.messages[chatID], nil
}

func TestBackfillSweep(t *testing.T) {
	e, db, b := testEngine(t)

	gateway := &fakeGateway{
		chats: []provider.Chat{
			{ID: "57300@s.whatsapp.net", Name: "Carlos Prieto", ChatPic: "https://cdn/carlos.jpg"},
			{ID: "573008021701@s.whatsapp.net", Name: "Línea BSL"},
		},
		messages: map[string][]provider.WireMessage{
			"57300@s.whatsapp.net": {
				{ID: "wamid.1", Type: "text", Text: &provider.TextBody{Body: "hola"}, Timestamp: 1767265200},
				{ID: "wamid.2", FromMe: true, Type: "text", Text: &provider.TextBody{Body: "buenos días"}, Timestamp: 1767265260},
			},
		},
	}

	ch, unsub := b.Subscribe("provider.", 16)
	defer unsub()

	bf := NewBackfiller(gateway, db, b, e.assigner, e.logger)
	bf.Sweep(context.Background())

	// Display name and avatar only come from the sweep path.
	c, err := db.GetConversation("57300")
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || c.DisplayName != "Carlos Prieto" || c.AvatarURL != "https://cdn/carlos.jpg" {
		t.Errorf("conversation = %+v", c)
	}

	// The excluded line number must be skipped entirely.
	if c, _ := db.GetConversation("573008021701"); c != nil {
		t.Error("excluded number leaked into backfill")
	}

	select {
	case evt := <-ch:
		if evt.Kind != bus.KindProviderBatch {
			t.Errorf("kind = %q", evt.Kind)
		}
		batch := evt.Payload.([]*store.Message)
		if len(batch) != 2 {
			t.Fatalf("batch size = %d, want 2", len(batch))
		}
		if batch[1].Direction != "outbound" {
			t.Errorf("from_me message direction = %q", batch[1].Direction)
		}

		// Feeding the batch through the engine lands it in the store.
		if err := e.IngestBatch(batch); err != nil {
			t.Fatal(err)
		}
		msgs, _ := db.ListMessages("57300", 0, 10)
		if len(msgs) != 2 {
			t.Errorf("got %d stored messages, want 2", len(msgs))
		}
	default:
		t.Fatal("no batch event published")
	}
}
