package server

import (
	"log"

	"github.com/portalchat/chatsync/internal/chat"
)

// Broadcast sends a frame to every client subscribed to key.
// This method is non-blocking; frames are queued for delivery.
// If the server has been stopped, this method does nothing.
func (s *Server) Broadcast(key chat.ThreadKey, frame chat.Frame) {
	// Hold RLock while checking stopped AND sending to avoid race with Stop().
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.stopped {
		return
	}

	select {
	case s.broadcast <- groupFrame{group: GroupName(key), frame: frame}:
	default:
		log.Printf("server: broadcast channel full, dropping frame for %s", key)
	}
}

// BroadcastMessage announces a newly stored message to the thread.
func (s *Server) BroadcastMessage(key chat.ThreadKey, msg chat.ChatMessage) {
	s.Broadcast(key, chat.NewChatFrame(key, msg))
}

// BroadcastSignal tells the thread's clients to refetch without carrying a
// message, used after deletes.
func (s *Server) BroadcastSignal(key chat.ThreadKey) {
	s.Broadcast(key, chat.Frame{
		Type:     chat.FrameTypeChatMessage,
		ChatID:   key.ID,
		ChatType: key.Type,
	})
}

// runBroadcaster reads from the broadcast channel and sends to the target
// group. This runs in its own goroutine started by StartAsync.
func (s *Server) runBroadcaster() {
	for gf := range s.broadcast {
		s.mu.RLock()
		for client := range s.groups[gf.group] {
			// Don't block on a full buffer or a client that is shutting down.
			select {
			case <-client.done:
			case client.send <- gf.frame:
			default:
				log.Printf("server: client send buffer full on %s, dropping frame", gf.group)
			}
		}
		s.mu.RUnlock()
	}
}
