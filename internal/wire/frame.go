// Package wire defines the JSON frames exchanged with the chat backend
// and normalizes the inbound variants into one canonical envelope set.
// Everything above the transport deals in Envelope values only; legacy
// type aliases and payload shape quirks stop here.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/loqui-im/loqui/internal/transcript"
)

// Kind is the canonical inbound frame kind.
type Kind string

const (
	KindChat         Kind = "chat"
	KindGroupChat    Kind = "group_chat"
	KindOfflineBatch Kind = "offline_messages"
	KindReadReceipt  Kind = "read_receipt"
	KindAck          Kind = "ack"
	KindError        Kind = "error"
	KindGroupEvent   Kind = "group_event"
	KindPong         Kind = "pong"
	// KindStatus is local-only: the transport synthesizes it on
	// connection state changes. It never appears on the wire.
	KindStatus Kind = "status"
)

// Envelope is the canonical inbound variant. Exactly one payload field
// matching Kind is non-nil.
type Envelope struct {
	Kind       Kind
	Message    *MessagePayload
	Batch      []MessagePayload
	Receipt    *ReadReceiptPayload
	Ack        *AckPayload
	Err        *ErrorPayload
	GroupEvent *GroupEventPayload
	Status     *StatusPayload
}

// MessagePayload is a chat or group_chat message as sent by the server.
type MessagePayload struct {
	MsgID       string  `json:"msgId,omitempty"`
	ServerID    int64   `json:"serverId,omitempty"`
	Seq         int64   `json:"seq,omitempty"`
	FromUserID  int64   `json:"fromUserId"`
	ToUserID    int64   `json:"toUserId,omitempty"`
	GroupID     int64   `json:"groupId,omitempty"`
	Content     string  `json:"content"`
	ContentType int     `json:"contentType"`
	CreatedAt   int64   `json:"createdAt"`
	AtUserIDs   []int64 `json:"atUserIds,omitempty"`
	AtMe        *bool   `json:"isAtMe,omitempty"`
}

// ToMessage converts the wire shape into a transcript entry. AtMe is
// carried over only when the server precomputed it; the controller
// derives it otherwise.
func (p *MessagePayload) ToMessage() transcript.Message {
	m := transcript.Message{
		ClientID:    p.MsgID,
		ServerID:    p.ServerID,
		Seq:         p.Seq,
		From:        p.FromUserID,
		To:          p.ToUserID,
		GroupID:     p.GroupID,
		Content:     p.Content,
		ContentType: p.ContentType,
		CreatedAt:   p.CreatedAt,
		AtUserIDs:   p.AtUserIDs,
	}
	if p.AtMe != nil {
		m.AtMe = *p.AtMe
	}
	return m
}

// ReadReceiptPayload reports messages read by a peer.
type ReadReceiptPayload struct {
	ReaderID int64    `json:"readerId"`
	GroupID  int64    `json:"groupId,omitempty"`
	MsgIDs   []string `json:"msgIds"`
	ReadAt   int64    `json:"readAt"`
}

// AckPayload confirms (or rejects) a client-sent message, correlated by
// the client-generated msgId. Status is "sent", "delivered" or "failed";
// Reason is an open server-defined set ("muted", "not_member", ...).
type AckPayload struct {
	MsgID     string `json:"msgId"`
	ServerID  int64  `json:"serverId,omitempty"`
	Seq       int64  `json:"seq,omitempty"`
	CreatedAt int64  `json:"createdAt,omitempty"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

// Ack statuses.
const (
	AckSent      = "sent"
	AckDelivered = "delivered"
	AckFailed    = "failed"
)

// ErrorPayload is a server-side error notification.
type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// GroupEventPayload announces membership/role changes in a group.
type GroupEventPayload struct {
	GroupID int64  `json:"groupId"`
	Event   string `json:"event"`
	UserID  int64  `json:"userId,omitempty"`
}

// StatusPayload is the synthetic connection status notification.
type StatusPayload struct {
	State string `json:"state"`
}

type rawFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Normalize parses a raw inbound frame and maps legacy type aliases to
// the canonical kind set. Unknown kinds return an error; the transport
// logs and drops them.
func Normalize(raw []byte) (*Envelope, error) {
	var f rawFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse frame: %w", err)
	}

	switch f.Type {
	case "chat", "message", "single_chat":
		var p MessagePayload
		if err := unmarshalData(f.Data, &p); err != nil {
			return nil, err
		}
		return &Envelope{Kind: KindChat, Message: &p}, nil

	case "group_chat", "groupMessage", "group_message":
		var p MessagePayload
		if err := unmarshalData(f.Data, &p); err != nil {
			return nil, err
		}
		return &Envelope{Kind: KindGroupChat, Message: &p}, nil

	case "offline_messages", "offline":
		batch, err := unmarshalBatch(f.Data)
		if err != nil {
			return nil, err
		}
		return &Envelope{Kind: KindOfflineBatch, Batch: batch}, nil

	case "read_receipt", "read":
		var p ReadReceiptPayload
		if err := unmarshalData(f.Data, &p); err != nil {
			return nil, err
		}
		return &Envelope{Kind: KindReadReceipt, Receipt: &p}, nil

	case "ack":
		var p AckPayload
		if err := unmarshalData(f.Data, &p); err != nil {
			return nil, err
		}
		return &Envelope{Kind: KindAck, Ack: &p}, nil

	case "error":
		var p ErrorPayload
		if err := unmarshalData(f.Data, &p); err != nil {
			return nil, err
		}
		return &Envelope{Kind: KindError, Err: &p}, nil

	case "group_event", "groupEvent":
		var p GroupEventPayload
		if err := unmarshalData(f.Data, &p); err != nil {
			return nil, err
		}
		return &Envelope{Kind: KindGroupEvent, GroupEvent: &p}, nil

	case "pong":
		return &Envelope{Kind: KindPong}, nil

	default:
		return nil, fmt.Errorf("unknown frame type %q", f.Type)
	}
}

func unmarshalData(data json.RawMessage, out any) error {
	if len(data) == 0 {
		return fmt.Errorf("frame has no data")
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse frame data: %w", err)
	}
	return nil
}

// unmarshalBatch accepts both offline payload shapes the backend has
// shipped over time: {"list": [...]} and a bare array.
func unmarshalBatch(data json.RawMessage) ([]MessagePayload, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var wrapped struct {
		List []MessagePayload `json:"list"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.List != nil {
		return wrapped.List, nil
	}
	var bare []MessagePayload
	if err := json.Unmarshal(data, &bare); err != nil {
		return nil, fmt.Errorf("parse offline batch: %w", err)
	}
	return bare, nil
}

// StatusEnvelope builds the synthetic local-only status envelope.
func StatusEnvelope(state string) *Envelope {
	return &Envelope{Kind: KindStatus, Status: &StatusPayload{State: state}}
}
