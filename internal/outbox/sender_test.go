package outbox

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/bslsalud/opchat/internal/bus"
	"github.com/bslsalud/opchat/internal/provider"
	"github.com/bslsalud/opchat/internal/store"
)

// mockGateway records calls and returns configurable results.
type mockGateway struct {
	mu    sync.Mutex
	calls []sendCall
	err   error
	delay time.Duration // artificial delay to observe intermediate states
}

type sendCall struct {
	To       string
	Body     string
	Media    string
	Template string
}

func (m *mockGateway) SendText(_ context.Context, to, body string) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, sendCall{To: to, Body: body})
	m.mu.Unlock()
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if m.err != nil {
		return "", m.err
	}
	return "wamid-" + to, nil
}

func (m *mockGateway) SendMedia(_ context.Context, to, mediaURL, caption string) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, sendCall{To: to, Body: caption, Media: mediaURL})
	m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	return "wamid-media-" + to, nil
}

func (m *mockGateway) SendTemplate(_ context.Context, to, templateSID, body string) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, sendCall{To: to, Body: body, Template: templateSID})
	m.mu.Unlock()
	return "wamid-tpl-" + to, nil
}

func (m *mockGateway) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSenderProcessesPendingMessages(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockGateway{}
	s := NewSender(db, mock, b, zap.NewNop())

	ch, unsub := b.Subscribe(bus.KindMessageSendAck, 10)
	defer unsub()

	if err := db.QueueOutbox(&store.OutboxEntry{ClientMsgID: "c1", ConversationKey: "57300", Body: "su cita es mañana"}); err != nil {
		t.Fatal(err)
	}

	s.Start(context.Background())
	defer s.Stop()

	select {
	case evt := <-ch:
		payload := evt.Payload.(map[string]string)
		if payload["provider_msg_id"] != "wamid-57300" {
			t.Errorf("provider_msg_id = %q", payload["provider_msg_id"])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for send_ack event")
	}

	if got := mock.callCount(); got != 1 {
		t.Fatalf("got %d send calls, want 1", got)
	}
	if mock.calls[0].To != "57300" || mock.calls[0].Body != "su cita es mañana" {
		t.Errorf("call = %+v", mock.calls[0])
	}

	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("got %d pending, want 0 after send", len(pending))
	}
}

func TestSenderHandlesFailure(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockGateway{err: fmt.Errorf("network error")}
	s := NewSender(db, mock, b, zap.NewNop())

	ch, unsub := b.Subscribe(bus.KindMessageSendFailed, 10)
	defer unsub()

	if err := db.QueueOutbox(&store.OutboxEntry{ClientMsgID: "c1", ConversationKey: "57300", Body: "hola"}); err != nil {
		t.Fatal(err)
	}

	s.Start(context.Background())
	defer s.Stop()

	select {
	case evt := <-ch:
		payload := evt.Payload.(map[string]string)
		if payload["error"] != "network error" {
			t.Errorf("error = %q", payload["error"])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for send_failed event")
	}

	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("got %d pending, want 0 (should be marked failed)", len(pending))
	}
}

// TestSenderOptimisticInsert verifies the outbox writes the message with
// status "sending" before the gateway call completes, then flips it to
// "sent". Without this the console would not show a just-sent message until
// the next poll echoed it back.
func TestSenderOptimisticInsert(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockGateway{delay: 500 * time.Millisecond}
	s := NewSender(db, mock, b, zap.NewNop())

	if err := db.QueueOutbox(&store.OutboxEntry{ClientMsgID: "c1", ConversationKey: "57300", Body: "optimistic"}); err != nil {
		t.Fatal(err)
	}

	ch, unsub := b.Subscribe(bus.KindMessageUpserted, 10)
	defer unsub()

	s.Start(context.Background())
	defer s.Stop()

	// Wait for the optimistic insert (before the mock's delay finishes).
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for optimistic message.upserted event")
	}

	msgs, err := db.ListMessages("57300", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (optimistic insert)", len(msgs))
	}
	if msgs[0].Status != "sending" {
		t.Errorf("status = %q, want 'sending' (optimistic)", msgs[0].Status)
	}
	if msgs[0].Direction != "outbound" || msgs[0].SenderRole != "agente" {
		t.Errorf("direction/role = %q/%q", msgs[0].Direction, msgs[0].SenderRole)
	}

	// Wait for send to complete.
	time.Sleep(time.Second)

	msgs, err = db.ListMessages("57300", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Status != "sent" {
		t.Errorf("final status = %q, want 'sent'", msgs[0].Status)
	}
}

func TestSenderOptimisticInsertOnFailure(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockGateway{err: fmt.Errorf("timeout"), delay: 200 * time.Millisecond}
	s := NewSender(db, mock, b, zap.NewNop())

	if err := db.QueueOutbox(&store.OutboxEntry{ClientMsgID: "c1", ConversationKey: "57300", Body: "will-fail"}); err != nil {
		t.Fatal(err)
	}

	s.Start(context.Background())
	defer s.Stop()

	time.Sleep(1500 * time.Millisecond)

	msgs, err := db.ListMessages("57300", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Status != "failed" {
		t.Errorf("status = %q, want 'failed'", msgs[0].Status)
	}
}

// A 4xx rejection of a plain text usually means the 24h window closed; with a
// template configured the sender retries once as a template message.
func TestSenderTemplateFallback(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockGateway{err: &provider.APIError{StatusCode: 422, Body: "outside service window"}}
	s := NewSender(db, mock, b, zap.NewNop(), WithTemplateFallback("HX1234"))

	ch, unsub := b.Subscribe(bus.KindMessageSendAck, 10)
	defer unsub()

	if err := db.QueueOutbox(&store.OutboxEntry{ClientMsgID: "c1", ConversationKey: "57300", Body: "recordatorio"}); err != nil {
		t.Fatal(err)
	}

	s.Start(context.Background())
	defer s.Stop()

	select {
	case evt := <-ch:
		payload := evt.Payload.(map[string]string)
		if payload["provider_msg_id"] != "wamid-tpl-57300" {
			t.Errorf("provider_msg_id = %q, template route not taken", payload["provider_msg_id"])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for send_ack after template fallback")
	}

	mock.mu.Lock()
	defer mock.mu.Unlock()
	if len(mock.calls) != 2 || mock.calls[1].Template != "HX1234" {
		t.Errorf("calls = %+v, want text then template", mock.calls)
	}
}

func TestSenderNoTemplateFallbackWithoutSID(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockGateway{err: &provider.APIError{StatusCode: 422, Body: "outside service window"}}
	s := NewSender(db, mock, b, zap.NewNop())

	ch, unsub := b.Subscribe(bus.KindMessageSendFailed, 10)
	defer unsub()

	if err := db.QueueOutbox(&store.OutboxEntry{ClientMsgID: "c1", ConversationKey: "57300", Body: "recordatorio"}); err != nil {
		t.Fatal(err)
	}

	s.Start(context.Background())
	defer s.Stop()

	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for send_failed")
	}

	if got := mock.callCount(); got != 1 {
		t.Errorf("got %d calls, want 1 (no fallback configured)", got)
	}
}

func TestSenderRoutesMediaMessages(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockGateway{}
	s := NewSender(db, mock, b, zap.NewNop())

	ch, unsub := b.Subscribe(bus.KindMessageSendAck, 10)
	defer unsub()

	entry := &store.OutboxEntry{
		ClientMsgID:     "c1",
		ConversationKey: "57300",
		Body:            "orden de examen",
		MediaURL:        "https://cdn/orden.pdf",
		MediaType:       "application/pdf",
	}
	if err := db.QueueOutbox(entry); err != nil {
		t.Fatal(err)
	}

	s.Start(context.Background())
	defer s.Stop()

	select {
	case evt := <-ch:
		payload := evt.Payload.(map[string]string)
		if payload["provider_msg_id"] != "wamid-media-57300" {
			t.Errorf("provider_msg_id = %q, media route not taken", payload["provider_msg_id"])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for send_ack")
	}

	if mock.calls[0].Media != "https://cdn/orden.pdf" {
		t.Errorf("media = %q", mock.calls[0].Media)
	}
}
