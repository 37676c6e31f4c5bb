package chat

import (
	"encoding/json"
	"fmt"
)

// FrameTypeChatMessage is the only frame type the push channel carries.
const FrameTypeChatMessage = "chat_message"

// Frame is a push-channel envelope. Inbound frames are treated as signals:
// only Type and the thread address matter, Message is advisory.
type Frame struct {
	Type     string       `json:"type"`
	ChatID   string       `json:"chat_id,omitempty"`
	ChatType ResourceType `json:"chat_type,omitempty"`
	Message  *ChatMessage `json:"message,omitempty"`
}

// NewChatFrame builds an outbound frame for msg on key.
func NewChatFrame(key ThreadKey, msg ChatMessage) Frame {
	return Frame{
		Type:     FrameTypeChatMessage,
		ChatID:   key.ID,
		ChatType: key.Type,
		Message:  &msg,
	}
}

// ParseFrame decodes a raw frame and checks that it belongs to key.
// A frame without chat_id/chat_type is accepted as addressed to key, since
// the socket itself is already scoped to one thread.
func ParseFrame(key ThreadKey, data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("invalid json: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("frame has no type")
	}
	if f.ChatID != "" && f.ChatID != key.ID {
		return Frame{}, fmt.Errorf("frame addressed to chat %s, socket is %s", f.ChatID, key)
	}
	if f.ChatType != "" && f.ChatType != key.Type {
		return Frame{}, fmt.Errorf("frame addressed to %s chat, socket is %s", f.ChatType, key)
	}
	return f, nil
}
