package wire

import "encoding/json"

// Outbound is a frame the client sends to the server.
type Outbound struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// OutboundMessage is the payload of chat / group_chat send frames.
type OutboundMessage struct {
	MsgID       string  `json:"msgId"`
	ToUserID    int64   `json:"toUserId,omitempty"`
	GroupID     int64   `json:"groupId,omitempty"`
	Content     string  `json:"content"`
	ContentType int     `json:"contentType"`
	AtUserIDs   []int64 `json:"atUserIds,omitempty"`
}

// ChatFrame builds a direct-message send frame.
func ChatFrame(msgID string, toUserID int64, content string, contentType int) Outbound {
	return Outbound{
		Type: "chat",
		Data: OutboundMessage{
			MsgID:       msgID,
			ToUserID:    toUserID,
			Content:     content,
			ContentType: contentType,
		},
	}
}

// GroupChatFrame builds a group-message send frame.
func GroupChatFrame(msgID string, groupID int64, content string, contentType int, atUserIDs []int64) Outbound {
	return Outbound{
		Type: "group_chat",
		Data: OutboundMessage{
			MsgID:       msgID,
			GroupID:     groupID,
			Content:     content,
			ContentType: contentType,
			AtUserIDs:   atUserIDs,
		},
	}
}

// PingFrame builds the heartbeat frame.
func PingFrame() Outbound {
	return Outbound{Type: "ping"}
}

// Marshal serializes the frame for the socket.
func (o Outbound) Marshal() ([]byte, error) {
	return json.Marshal(o)
}
