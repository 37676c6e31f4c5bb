package server

import (
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/portalchat/chatsync/internal/chat"
	"github.com/portalchat/chatsync/internal/logx"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 512 * 1024
)

// closeSend safely signals the client to shut down exactly once.
// We only close the done channel (not send) to avoid racing with
// ongoing send operations. All senders check done before sending.
func (c *Client) closeSend() {
	c.sendOnce.Do(func() {
		close(c.done)
	})
}

// writePump continuously sends frames from the send channel to the WebSocket.
// It also sends periodic pings to keep the connection alive.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			data, err := json.Marshal(frame)
			if err != nil {
				log.Printf("server: failed to marshal frame: %v", err)
				continue
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("server: write error on %s: %v", c.group, err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads chat frames from the WebSocket. Each valid chat_message is
// persisted and then broadcast to the thread's group.
func (c *Client) readPump() {
	defer func() {
		c.server.unregister(c)
		c.closeSend()
		log.Printf("server: client left %s (%d remaining)", c.group, c.server.GroupSize(c.key))
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				log.Printf("server: read error on %s: %v", c.group, err)
			}
			return
		}

		frame, err := chat.ParseFrame(c.key, data)
		if err != nil {
			log.Printf("server: dropping malformed frame on %s: %v", c.group, err)
			continue
		}
		logx.Debugf("server: frame type=%s on %s", frame.Type, c.group)

		if frame.Type != chat.FrameTypeChatMessage {
			log.Printf("server: ignoring frame type %q on %s", frame.Type, c.group)
			continue
		}

		if !c.inboundLimiter.Allow() {
			log.Printf("server: inbound rate exceeded on %s, dropping frame", c.group)
			continue
		}

		c.handleChatMessage(frame)
	}
}

// handleChatMessage stores the frame's message and announces it.
func (c *Client) handleChatMessage(frame chat.Frame) {
	if frame.Message == nil {
		log.Printf("server: chat_message without message on %s", c.group)
		return
	}

	msg, err := normalizeMessage(*frame.Message, c.userID, time.Now())
	if err != nil {
		log.Printf("server: rejecting message on %s: %v", c.group, err)
		return
	}

	inserted, err := c.server.store.AppendMessage(c.key, msg)
	if err != nil {
		log.Printf("server: failed to store message on %s: %v", c.group, err)
		return
	}
	if !inserted {
		return
	}

	c.server.BroadcastMessage(c.key, msg)
}

// normalizeMessage fills server-assigned fields and checks the rest.
// userID is the authenticated sender, empty when auth is off.
func normalizeMessage(msg chat.ChatMessage, userID string, now time.Time) (chat.ChatMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp == "" {
		msg.Timestamp = chat.FormatTimestamp(now)
	} else if msg.Time().IsZero() {
		return msg, errors.New("timestamp must be RFC 3339")
	}
	if msg.AuthorID == "" {
		msg.AuthorID = userID
	}
	if msg.AuthorID == "" {
		return msg, errors.New("authorId is required")
	}
	if userID != "" && msg.AuthorID != userID {
		return msg, errors.New("authorId does not match the authenticated user")
	}
	if strings.TrimSpace(msg.Text) == "" && msg.Attachment == nil {
		return msg, errors.New("message must have text or an attachment")
	}
	return msg, nil
}
