package store

// Conversation is one patient thread, keyed by phone number.
type Conversation struct {
	Key                string
	DisplayName        string
	AvatarURL          string
	LastMessageAt      int64
	LastMessagePreview string
	UnreadCount        int
	MessageCount       int
}

// Message is one stored message. Timestamps are Unix milliseconds.
type Message struct {
	ID              int64
	ConversationKey string
	MsgID           string
	Direction       string
	SenderRole      string
	Body            string
	MediaURL        string
	MediaType       string
	Status          string
	Timestamp       int64
}

// OutboxEntry is a pending outgoing message.
type OutboxEntry struct {
	ID              int64
	ClientMsgID     string
	ConversationKey string
	Body            string
	MediaURL        string
	MediaType       string
	Status          string // queued, sending, sent, failed
	ErrorMessage    string
	ProviderMsgID   string
}

// Assignment records which agent handles a conversation.
type Assignment struct {
	ConversationKey string
	Agent           string
	AssignedAt      int64
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}
