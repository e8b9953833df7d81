// Package relay is the daemon's HTTP surface: agent login, conversation and
// message queries, the send endpoint, gateway webhooks, and the websocket
// push stream the consoles subscribe to.
package relay

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/bslsalud/opchat/internal/assign"
	"github.com/bslsalud/opchat/internal/bus"
	"github.com/bslsalud/opchat/internal/chat"
	"github.com/bslsalud/opchat/internal/config"
	"github.com/bslsalud/opchat/internal/ingest"
	"github.com/bslsalud/opchat/internal/provider"
	"github.com/bslsalud/opchat/internal/store"
)

// ConversationSummary is one row of GET /api/conversations.
type ConversationSummary struct {
	Number         string `json:"number"`
	Name           string `json:"name"`
	LastMessage    string `json:"last_message"`
	LastMessageAt  string `json:"last_message_time,omitempty"`
	UnreadCount    int    `json:"unread"`
	MessageCount   int    `json:"message_count"`
	ProfilePicture string `json:"profile_picture,omitempty"`
}

// ConversationDetail is the body of GET /api/conversations/:number.
type ConversationDetail struct {
	Number       string     `json:"number"`
	Name         string     `json:"name"`
	Messages     []chat.Raw `json:"messages"`
	MessageCount int        `json:"message_count"`
}

// Server wires the gin router over the store, the bus, and the hub.
type Server struct {
	cfg      *config.Config
	db       *store.DB
	bus      *bus.Bus
	assigner *assign.Assigner
	hub      *Hub
	logger   *zap.Logger
}

// NewServer creates the relay server.
func NewServer(cfg *config.Config, db *store.DB, b *bus.Bus, assigner *assign.Assigner, hub *Hub, logger *zap.Logger) *Server {
	return &Server{
		cfg:      cfg,
		db:       db,
		bus:      b,
		assigner: assigner,
		hub:      hub,
		logger:   logger,
	}
}

// Router builds the gin engine with all routes mounted.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealth)
	r.POST("/api/login", s.handleLogin)

	api := r.Group("/api", AuthMiddleware(s.cfg.Relay.JWTSecret))
	{
		api.GET("/conversations", s.handleListConversations)
		api.GET("/conversations/:number", s.handleGetConversation)
		api.POST("/send", s.handleSend)
		api.POST("/read/:number", s.handleMarkRead)
		api.GET("/search", s.handleSearch)
		api.GET("/assignments", s.handleListAssignments)
	}

	r.GET("/ws", s.handleWebsocket)

	// The gateway probes webhooks with GET before enabling them.
	r.GET("/webhook/messages", s.handleWebhookReady)
	r.POST("/webhook/messages", s.handleWebhookMessages)
	r.GET("/webhook/statuses", s.handleWebhookReady)
	r.POST("/webhook/statuses", s.handleWebhookStatuses)

	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

type loginReq struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid body", "error": err.Error()})
		return
	}

	agent := s.cfg.FindAgent(req.Username)
	if !checkPassword(agent, req.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "wrong username/password"})
		return
	}

	token, err := IssueToken(agent.Username, s.cfg.Relay.JWTSecret)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "token generation failed"})
		return
	}

	s.logger.Info("agent logged in", zap.String("agent", agent.Username))
	c.JSON(http.StatusOK, gin.H{
		"access_token": token,
		"agent": gin.H{
			"username":     agent.Username,
			"display_name": agent.DisplayName,
		},
	})
}

// handleListConversations returns the conversations assigned to the
// requesting agent, most recently active first.
func (s *Server) handleListConversations(c *gin.Context) {
	agent := MustAgent(c)

	mine, err := s.assigner.ConversationsFor(agent)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "assignment lookup failed"})
		return
	}
	assigned := make(map[string]bool, len(mine))
	for _, key := range mine {
		assigned[key] = true
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "30"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	all, err := s.db.ListConversations(limit+offset+len(assigned), 0)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "store read failed"})
		return
	}

	summaries := make([]ConversationSummary, 0, len(assigned))
	for _, conv := range all {
		if !assigned[conv.Key] {
			continue
		}
		summaries = append(summaries, summarize(conv))
	}
	if offset < len(summaries) {
		summaries = summaries[offset:]
	} else {
		summaries = nil
	}
	if len(summaries) > limit {
		summaries = summaries[:limit]
	}

	c.JSON(http.StatusOK, gin.H{"conversations": summaries})
}

func (s *Server) handleGetConversation(c *gin.Context) {
	number := c.Param("number")

	conv, err := s.db.GetConversation(number)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "store read failed"})
		return
	}
	if conv == nil {
		c.JSON(http.StatusNotFound, gin.H{"message": "unknown conversation"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	msgs, err := s.db.ListMessages(number, 0, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "store read failed"})
		return
	}

	raws := make([]chat.Raw, 0, len(msgs))
	for _, m := range msgs {
		raws = append(raws, storedRaw(m))
	}

	c.JSON(http.StatusOK, ConversationDetail{
		Number:       number,
		Name:         conv.DisplayName,
		Messages:     raws,
		MessageCount: len(raws),
	})
}

type sendReq struct {
	To        string `json:"to" binding:"required"`
	Body      string `json:"body"`
	MediaURL  string `json:"media_url"`
	MediaType string `json:"media_type"`
}

// handleSend queues an outgoing message. The outbox sender delivers it
// asynchronously; the optimistic insert makes it visible right away.
func (s *Server) handleSend(c *gin.Context) {
	var req sendReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid body", "error": err.Error()})
		return
	}
	if req.Body == "" && req.MediaURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "empty message"})
		return
	}

	number := provider.NumberFromChatID(req.To)
	if s.assigner.IsExcluded(number) {
		c.JSON(http.StatusForbidden, gin.H{"message": "number is excluded"})
		return
	}
	if _, err := s.assigner.Resolve(number); err != nil {
		s.logger.Warn("send to unassignable conversation", zap.Error(err), zap.String("conversation", number))
	}

	clientMsgID := uuid.NewString()
	entry := &store.OutboxEntry{
		ClientMsgID:     clientMsgID,
		ConversationKey: number,
		Body:            req.Body,
		MediaURL:        req.MediaURL,
		MediaType:       req.MediaType,
	}
	if err := s.db.QueueOutbox(entry); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "queue failed"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"client_msg_id": clientMsgID, "status": "queued"})
}

func (s *Server) handleMarkRead(c *gin.Context) {
	number := c.Param("number")
	if err := s.db.MarkConversationRead(number); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "store write failed"})
		return
	}
	s.bus.Publish(bus.Event{
		Kind:      bus.KindConversationRead,
		Timestamp: time.Now(),
		Payload:   map[string]string{"conversation": number, "agent": MustAgent(c)},
	})
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleListAssignments exposes the conversation→agent mapping so operators
// can audit the round-robin distribution.
func (s *Server) handleListAssignments(c *gin.Context) {
	assignments, err := s.db.ListAssignments()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "store read failed"})
		return
	}

	type row struct {
		Conversation string `json:"conversation"`
		Agent        string `json:"agent"`
	}
	rows := make([]row, 0, len(assignments))
	for _, a := range assignments {
		rows = append(rows, row{Conversation: a.ConversationKey, Agent: a.Agent})
	}
	c.JSON(http.StatusOK, gin.H{"assignments": rows})
}

func (s *Server) handleSearch(c *gin.Context) {
	q := c.Query("q")
	if q == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "missing query"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	results, err := s.db.SearchMessages(q, c.Query("conversation"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "search failed"})
		return
	}

	type hit struct {
		Raw     chat.Raw `json:"message"`
		Snippet string   `json:"snippet"`
	}
	hits := make([]hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, hit{Raw: storedRaw(r.Message), Snippet: r.Snippet})
	}
	c.JSON(http.StatusOK, gin.H{"results": hits})
}

// handleWebsocket upgrades the push stream. Browsers cannot set headers on
// native websockets, so the token rides a query parameter.
func (s *Server) handleWebsocket(c *gin.Context) {
	tokenStr := c.Query("token")
	if tokenStr == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "missing token"})
		return
	}
	agent, err := ParseToken(tokenStr, s.cfg.Relay.JWTSecret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "invalid token"})
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}

	// Push-only stream; reading drains control frames.
	conn.CloseRead(c.Request.Context())

	client := s.hub.AddClient(agent, conn)
	defer s.hub.RemoveClient(client)

	s.logger.Info("console connected", zap.String("agent", agent))
	<-c.Request.Context().Done()
}

func (s *Server) handleWebhookReady(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "status": "webhook_ready"})
}

// handleWebhookMessages accepts the gateway's new-message callback and
// republishes each message on the bus; the ingest engine persists them.
func (s *Server) handleWebhookMessages(c *gin.Context) {
	var wh provider.MessagesWebhook
	if err := c.ShouldBindJSON(&wh); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid payload"})
		return
	}

	for _, wm := range wh.Messages {
		raw := wm.Raw()
		key := provider.NumberFromChatID(wm.ChatID)
		if key == "" {
			key = provider.NumberFromChatID(wm.From)
		}
		s.bus.Publish(bus.Event{
			Kind:      bus.KindProviderMessage,
			Timestamp: time.Now(),
			Payload: &store.Message{
				ConversationKey: key,
				MsgID:           raw.ID,
				Direction:       raw.Direction,
				Body:            raw.Body,
				MediaURL:        raw.MediaURL,
				MediaType:       raw.MediaType,
				Status:          raw.Status,
				Timestamp:       wm.Timestamp * 1000,
			},
		})
	}

	s.logger.Debug("webhook messages accepted", zap.Int("count", len(wh.Messages)))
	c.JSON(http.StatusOK, gin.H{"success": true, "processed": len(wh.Messages)})
}

func (s *Server) handleWebhookStatuses(c *gin.Context) {
	var wh provider.StatusesWebhook
	if err := c.ShouldBindJSON(&wh); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid payload"})
		return
	}

	for _, st := range wh.Statuses {
		s.bus.Publish(bus.Event{
			Kind:      bus.KindProviderStatus,
			Timestamp: time.Now(),
			Payload: &ingest.StatusReceipt{
				ConversationKey: provider.NumberFromChatID(st.RecipientID),
				MsgID:           st.ID,
				Status:          st.Status,
			},
		})
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "processed": len(wh.Statuses)})
}

func summarize(conv store.Conversation) ConversationSummary {
	s := ConversationSummary{
		Number:         conv.Key,
		Name:           conv.DisplayName,
		LastMessage:    conv.LastMessagePreview,
		UnreadCount:    conv.UnreadCount,
		MessageCount:   conv.MessageCount,
		ProfilePicture: conv.AvatarURL,
	}
	if conv.LastMessageAt > 0 {
		s.LastMessageAt = time.UnixMilli(conv.LastMessageAt).UTC().Format(time.RFC3339)
	}
	return s
}

func storedRaw(m store.Message) chat.Raw {
	return chat.Raw{
		ID:         m.MsgID,
		ChatID:     m.ConversationKey,
		Body:       m.Body,
		Direction:  m.Direction,
		SenderRole: m.SenderRole,
		MediaURL:   m.MediaURL,
		MediaType:  m.MediaType,
		Timestamp:  strconv.FormatInt(m.Timestamp, 10),
		Status:     m.Status,
	}
}
