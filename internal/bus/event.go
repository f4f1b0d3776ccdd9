package bus

import "time"

// Event kinds published by the client core. Subscribers filter by
// namespace prefix, e.g. "chat." receives every chat event.
const (
	KindStatusChanged       = "transport.status_changed"
	KindMessageUpserted     = "chat.message_upserted"
	KindMessageAck          = "chat.message_ack"
	KindMessageFailed       = "chat.message_failed"
	KindMessageRead         = "chat.message_read"
	KindHistoryLoaded       = "chat.history_loaded"
	KindGapDetected         = "chat.gap_detected"
	KindConversationEvicted = "chat.conversation_evicted"
	KindGroupEvent          = "chat.group_event"
	KindWarning             = "chat.warning"
	KindMetaUpdated         = "meta.updated"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Warning is the payload for chat.warning events: a non-blocking,
// user-facing notification text.
type Warning struct {
	Text string
}

// MessageRef is the payload for per-message events.
type MessageRef struct {
	ConversationKey string
	ClientID        string
}

// Gap is the payload for chat.gap_detected events.
type Gap struct {
	GroupID int64
	FromSeq int64
	GotSeq  int64
}
