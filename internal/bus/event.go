package bus

import "time"

// Event kinds published on the bus. Subscribers filter by namespace prefix,
// e.g. "provider." receives every gateway-originated event.
const (
	KindProviderMessage = "provider.message"
	KindProviderStatus  = "provider.status"
	KindProviderBatch   = "provider.history_batch"

	KindMessageUpserted   = "message.upserted"
	KindMessageSendAck    = "message.send_ack"
	KindMessageSendFailed = "message.send_failed"
	KindMessageStatus     = "message.status"

	KindIngestBatchDone = "ingest.batch_done"

	KindConversationAssigned = "conversation.assigned"
	KindConversationRead     = "conversation.read"

	KindLinkStatusChanged = "link.status_changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
