package transcript

import "fmt"

// DeliveryStatus is the client-local lifecycle of a transcript entry.
// It is never persisted server-side.
type DeliveryStatus string

const (
	StatusSending   DeliveryStatus = "sending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
)

// Content types carried on the wire.
const (
	ContentText  = 1
	ContentImage = 2
	ContentFile  = 3
)

// AtAll is the sentinel user id meaning "@all" in a group mention list.
const AtAll int64 = -1

// Message is a transcript entry. Logical identity is the triple
// (ClientID, ServerID, Seq): ClientID for locally originated messages,
// ServerID once the backend has persisted it, Seq for group messages.
// Identity fields are only ever learned, never changed.
type Message struct {
	ClientID    string
	ServerID    int64
	Seq         int64 // group chats only; 0 = not yet assigned
	From        int64
	To          int64 // direct chats
	GroupID     int64 // group chats
	Content     string
	ContentType int
	CreatedAt   int64 // seconds since epoch; provisional until acked
	Status      DeliveryStatus
	AtUserIDs   []int64
	AtMe        bool
	FailReason  string
	ReadAt      int64
	ReadBy      int64
}

// ConvKind distinguishes direct and group conversations.
type ConvKind int

const (
	Friend ConvKind = iota + 1
	Group
)

// ConversationKey identifies a conversation context.
type ConversationKey struct {
	Kind ConvKind
	ID   int64
}

// Zero reports whether no conversation is selected.
func (k ConversationKey) Zero() bool {
	return k.Kind == 0 && k.ID == 0
}

// MetaKey returns the session-metadata store key, "f-<id>" or "g-<id>".
func (k ConversationKey) MetaKey() string {
	if k.Kind == Group {
		return fmt.Sprintf("g-%d", k.ID)
	}
	return fmt.Sprintf("f-%d", k.ID)
}

func (k ConversationKey) String() string {
	return k.MetaKey()
}

// MentionsUser reports whether the message's mention list targets the
// given user, either directly or through the @all sentinel.
func (m *Message) MentionsUser(userID int64) bool {
	for _, id := range m.AtUserIDs {
		if id == userID || id == AtAll {
			return true
		}
	}
	return false
}
