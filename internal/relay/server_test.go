package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bslsalud/opchat/internal/assign"
	"github.com/bslsalud/opchat/internal/bus"
	"github.com/bslsalud/opchat/internal/config"
	"github.com/bslsalud/opchat/internal/store"
)

type testRelay struct {
	srv      *httptest.Server
	server   *Server
	db       *store.DB
	bus      *bus.Bus
	assigner *assign.Assigner
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	hash, err := HashPassword("secreto123")
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Relay.JWTSecret = "test-secret"
	cfg.Agents = []config.Agent{
		{Username: "mrojas", Password: hash, DisplayName: "María Rojas", Active: true},
		{Username: "lgomez", Password: "plaintext-pw", DisplayName: "Luis Gómez", Active: true},
		{Username: "retired", Password: hash, Active: false},
	}
	cfg.Provider.ExcludedNumbers = []string{"573008021701"}

	b := bus.New()
	assigner := assign.New(db, b, zap.NewNop(), cfg.ActiveAgents(), cfg.Provider.ExcludedNumbers)
	server := NewServer(cfg, db, b, assigner, NewHub(), zap.NewNop())

	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)

	return &testRelay{srv: srv, server: server, db: db, bus: b, assigner: assigner}
}

func (tr *testRelay) login(t *testing.T, username, password string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	resp, err := http.Post(tr.srv.URL+"/api/login", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out.AccessToken
}

func (tr *testRelay) get(t *testing.T, token, path string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, tr.srv.URL+path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func (tr *testRelay) post(t *testing.T, token, path string, payload any) *http.Response {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(payload))
	}
	req, _ := http.NewRequest(http.MethodPost, tr.srv.URL+path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestLogin(t *testing.T) {
	tr := newTestRelay(t)

	token := tr.login(t, "mrojas", "secreto123")
	assert.NotEmpty(t, token)

	username, err := ParseToken(token, "test-secret")
	require.NoError(t, err)
	assert.Equal(t, "mrojas", username)
}

func TestLoginPlaintextFallback(t *testing.T) {
	tr := newTestRelay(t)
	token := tr.login(t, "lgomez", "plaintext-pw")
	assert.NotEmpty(t, token)
}

func TestLoginRejections(t *testing.T) {
	tr := newTestRelay(t)

	cases := []struct {
		name     string
		username string
		password string
	}{
		{"wrong password", "mrojas", "nope"},
		{"unknown agent", "ghost", "secreto123"},
		{"inactive agent", "retired", "secreto123"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body, _ := json.Marshal(map[string]string{"username": tc.username, "password": tc.password})
			resp, err := http.Post(tr.srv.URL+"/api/login", "application/json", bytes.NewReader(body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		})
	}
}

func TestAPIRequiresToken(t *testing.T) {
	tr := newTestRelay(t)

	resp := tr.get(t, "", "/api/conversations")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = tr.get(t, "garbage-token", "/api/conversations")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestListConversationsFilteredByAssignment(t *testing.T) {
	tr := newTestRelay(t)

	// Two conversations assigned by rotation: one per agent.
	for _, key := range []string{"57301", "57302"} {
		_, err := tr.assigner.Resolve(key)
		require.NoError(t, err)
		require.NoError(t, tr.db.UpsertConversation(&store.Conversation{
			Key: key, DisplayName: "Paciente " + key, LastMessageAt: 1000, LastMessagePreview: "hola",
		}))
	}

	token := tr.login(t, "mrojas", "secreto123")
	resp := tr.get(t, token, "/api/conversations")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Conversations []ConversationSummary `json:"conversations"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Conversations, 1, "agent must only see their own conversations")
}

func TestGetConversation(t *testing.T) {
	tr := newTestRelay(t)

	require.NoError(t, tr.db.UpsertConversation(&store.Conversation{Key: "57300", DisplayName: "Carlos"}))
	for i, body := range []string{"hola", "llegué"} {
		require.NoError(t, tr.db.UpsertMessage(&store.Message{
			ConversationKey: "57300", MsgID: string(rune('a' + i)), Direction: "inbound", Body: body, Timestamp: int64(1000 * (i + 1)),
		}))
	}

	token := tr.login(t, "mrojas", "secreto123")
	resp := tr.get(t, token, "/api/conversations/57300")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var detail ConversationDetail
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&detail))
	assert.Equal(t, "Carlos", detail.Name)
	assert.Equal(t, 2, detail.MessageCount)
	require.Len(t, detail.Messages, 2)
	assert.Equal(t, "hola", detail.Messages[0].Body)

	resp = tr.get(t, token, "/api/conversations/nope")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSendQueuesOutbox(t *testing.T) {
	tr := newTestRelay(t)
	token := tr.login(t, "mrojas", "secreto123")

	resp := tr.post(t, token, "/api/send", map[string]string{
		"to":   "573001112233@s.whatsapp.net",
		"body": "su cita es mañana a las 8am",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out struct {
		ClientMsgID string `json:"client_msg_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.NotEmpty(t, out.ClientMsgID)

	pending, err := tr.db.PendingOutbox()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "573001112233", pending[0].ConversationKey, "JID suffix must be stripped")

	// A new conversation gets assigned on first send.
	a, err := tr.db.GetAssignment("573001112233")
	require.NoError(t, err)
	require.NotNil(t, a)
}

func TestSendRejectsExcludedAndEmpty(t *testing.T) {
	tr := newTestRelay(t)
	token := tr.login(t, "mrojas", "secreto123")

	resp := tr.post(t, token, "/api/send", map[string]string{"to": "573008021701", "body": "x"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = tr.post(t, token, "/api/send", map[string]string{"to": "57300"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMarkRead(t *testing.T) {
	tr := newTestRelay(t)

	require.NoError(t, tr.db.UpsertConversation(&store.Conversation{Key: "57300"}))
	require.NoError(t, tr.db.IncrementUnread("57300"))

	ch, unsub := tr.bus.Subscribe(bus.KindConversationRead, 8)
	defer unsub()

	token := tr.login(t, "mrojas", "secreto123")
	resp := tr.post(t, token, "/api/read/57300", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	c, err := tr.db.GetConversation("57300")
	require.NoError(t, err)
	assert.Equal(t, 0, c.UnreadCount)

	select {
	case evt := <-ch:
		assert.Equal(t, "mrojas", evt.Payload.(map[string]string)["agent"])
	case <-time.After(time.Second):
		t.Fatal("no conversation.read event")
	}
}

func TestWebhookMessagesPublishes(t *testing.T) {
	tr := newTestRelay(t)

	ch, unsub := tr.bus.Subscribe("provider.", 16)
	defer unsub()

	payload := map[string]any{
		"messages": []map[string]any{
			{
				"id": "wamid.1", "chat_id": "573001112233@s.whatsapp.net", "from_me": false,
				"type": "text", "text": map[string]string{"body": "llegué a la sede"}, "timestamp": 1767265200,
			},
		},
	}
	resp := tr.post(t, "", "/webhook/messages", payload)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case evt := <-ch:
		require.Equal(t, bus.KindProviderMessage, evt.Kind)
		msg := evt.Payload.(*store.Message)
		assert.Equal(t, "573001112233", msg.ConversationKey)
		assert.Equal(t, "llegué a la sede", msg.Body)
		assert.Equal(t, int64(1767265200000), msg.Timestamp, "webhook seconds become millis")
	case <-time.After(time.Second):
		t.Fatal("no provider.message event")
	}
}

func TestWebhookReadyProbe(t *testing.T) {
	tr := newTestRelay(t)

	resp := tr.get(t, "", "/webhook/messages")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	tr := newTestRelay(t)

	resp := tr.get(t, "", "/healthz")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebsocketRequiresToken(t *testing.T) {
	tr := newTestRelay(t)

	resp := tr.get(t, "", "/ws")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebsocketPushDelivery(t *testing.T) {
	tr := newTestRelay(t)

	// Assign the conversation to mrojas and store a message for the bridge
	// to look up.
	_, err := tr.assigner.Resolve("57300")
	require.NoError(t, err)
	require.NoError(t, tr.db.UpsertConversation(&store.Conversation{Key: "57300", DisplayName: "Carlos"}))
	require.NoError(t, tr.db.UpsertMessage(&store.Message{
		ConversationKey: "57300", MsgID: "wamid.1", Direction: "inbound", Body: "hola", Timestamp: 1000,
	}))

	bridge := NewBridge(tr.db, tr.bus, tr.server.hub, zap.NewNop())
	bridge.Start(context.Background())
	defer bridge.Stop()

	token := tr.login(t, "mrojas", "secreto123")
	sub := newTestSubscriber(t, tr.srv.URL, token)
	defer sub.close()

	// Give the websocket a moment to register in the hub.
	require.Eventually(t, func() bool {
		return len(tr.server.hub.ConnectedAgents()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	tr.bus.Publish(bus.Event{
		Kind:      bus.KindMessageUpserted,
		Timestamp: time.Now(),
		Payload:   map[string]string{"conversation": "57300", "msg_id": "wamid.1"},
	})

	env := sub.next(t, 2*time.Second)
	assert.Equal(t, "message", env.Type)
	assert.Equal(t, "57300", env.Conversation)
	require.NotNil(t, env.Message)
	assert.Equal(t, "hola", env.Message.Body)
}

func TestListAssignments(t *testing.T) {
	tr := newTestRelay(t)

	require.NoError(t, tr.db.SetAssignment("573001112233", "mrojas"))
	require.NoError(t, tr.db.SetAssignment("573004445566", "lgomez"))

	token := tr.login(t, "mrojas", "secreto123")
	resp := tr.get(t, token, "/api/assignments")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Assignments []struct {
			Conversation string `json:"conversation"`
			Agent        string `json:"agent"`
		} `json:"assignments"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Assignments, 2)

	byConv := make(map[string]string)
	for _, a := range out.Assignments {
		byConv[a.Conversation] = a.Agent
	}
	assert.Equal(t, "mrojas", byConv["573001112233"])
	assert.Equal(t, "lgomez", byConv["573004445566"])
}

func TestListAssignmentsRequiresAuth(t *testing.T) {
	tr := newTestRelay(t)

	resp := tr.get(t, "", "/api/assignments")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
