package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/portalchat/chatsync/internal/auth"
	"github.com/portalchat/chatsync/internal/chat"
	"golang.org/x/time/rate"
)

// maxBodyBytes bounds POST bodies. Attachments travel inline as data URLs,
// so this sits above the client's 10 MiB file ceiling after base64.
const maxBodyBytes = 16 << 20

type ctxKey int

const userIDKey ctxKey = 0

// createMux creates the HTTP mux with all endpoints.
func (s *Server) createMux() *http.ServeMux {
	mux := http.NewServeMux()

	// Health check endpoint for monitoring
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.Handle("/api/users/", s.withAuth(http.HandlerFunc(s.handleUsers)))
	mux.Handle("/api/story-chats/", s.withAuth(s.chatHandler(chat.ResourceStory)))
	mux.Handle("/api/project-chats/", s.withAuth(s.chatHandler(chat.ResourceProject)))

	mux.Handle("/ws/chat/", s.withAuth(http.HandlerFunc(s.handleWebSocket)))

	return mux
}

// withAuth rejects requests without a valid token when auth is required and
// stores the resolved user id on the request context.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.requireAuth {
			next.ServeHTTP(w, r)
			return
		}

		token := auth.RequestToken(r)
		if token == "" {
			log.Printf("server: rejected %s %s: missing token", r.Method, r.URL.Path)
			writeError(w, http.StatusUnauthorized, "Authentication credentials were not provided.")
			return
		}

		userID, err := s.tokenValidator(token)
		if err != nil {
			log.Printf("server: rejected %s %s: invalid token: %v", r.Method, r.URL.Path, err)
			writeError(w, http.StatusUnauthorized, "Invalid token.")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	})
}

func requestUser(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}

// handleUsers serves GET /api/users/.
func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed.")
		return
	}
	users, err := s.store.ListUsers()
	if err != nil {
		log.Printf("server: list users: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to load users.")
		return
	}
	writeJSON(w, http.StatusOK, users)
}

// threadDocument is the body of GET and POST on a chat resource.
type threadDocument struct {
	ID       string             `json:"id"`
	Messages []chat.ChatMessage `json:"messages"`
}

// chatHandler serves /api/<type>-chats/{id}/.
func (s *Server) chatHandler(rt chat.ResourceType) http.Handler {
	prefix := "/api/" + string(rt) + "-chats/"
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")
		key := chat.ThreadKey{Type: rt, ID: id}
		if err := key.Validate(); err != nil {
			writeError(w, http.StatusNotFound, "Not found.")
			return
		}

		switch r.Method {
		case http.MethodGet:
			s.handleGetThread(w, key)
		case http.MethodPost:
			s.handlePostMessage(w, r, key)
		case http.MethodDelete:
			s.handleDeleteMessage(w, r, key)
		default:
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed.")
		}
	})
}

func (s *Server) handleGetThread(w http.ResponseWriter, key chat.ThreadKey) {
	msgs, err := s.store.ListMessages(key)
	if err != nil {
		log.Printf("server: list messages for %s: %v", key, err)
		writeError(w, http.StatusInternalServerError, "Failed to load messages.")
		return
	}
	writeJSON(w, http.StatusOK, threadDocument{ID: key.ID, Messages: msgs})
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request, key chat.ThreadKey) {
	var msg chat.ChatMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid message body.")
		return
	}

	msg, err := normalizeMessage(msg, requestUser(r), time.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	inserted, err := s.store.AppendMessage(key, msg)
	if err != nil {
		log.Printf("server: append message to %s: %v", key, err)
		writeError(w, http.StatusInternalServerError, "Failed to save message.")
		return
	}
	if inserted {
		log.Printf("server: stored message %s in %s", msg.ID, key)
		s.BroadcastMessage(key, msg)
	}

	msgs, err := s.store.ListMessages(key)
	if err != nil {
		log.Printf("server: list messages for %s: %v", key, err)
		writeError(w, http.StatusInternalServerError, "Failed to load messages.")
		return
	}
	writeJSON(w, http.StatusCreated, threadDocument{ID: key.ID, Messages: msgs})
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request, key chat.ThreadKey) {
	messageID := r.URL.Query().Get("messageId")
	if messageID == "" {
		writeError(w, http.StatusBadRequest, "messageId is required.")
		return
	}

	found, err := s.store.DeleteMessage(key, messageID)
	if err != nil {
		log.Printf("server: delete %s from %s: %v", messageID, key, err)
		writeError(w, http.StatusInternalServerError, "Failed to delete message.")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "Message not found.")
		return
	}

	log.Printf("server: deleted message %s from %s", messageID, key)
	s.BroadcastSignal(key)
	w.WriteHeader(http.StatusNoContent)
}

// handleWebSocket upgrades /ws/chat/{type}/{id}/ and joins the thread group.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	key, ok := parseSocketPath(r.URL.Path)
	if !ok {
		writeError(w, http.StatusNotFound, "Not found.")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("server: websocket upgrade failed: %v", err)
		return
	}

	client := &Client{
		conn:           conn,
		send:           make(chan chat.Frame, channelBufferSize),
		done:           make(chan struct{}),
		server:         s,
		key:            key,
		group:          GroupName(key),
		userID:         requestUser(r),
		inboundLimiter: rate.NewLimiter(s.inboundRate, s.inboundBurst),
	}

	if !s.register(client) {
		conn.Close()
		return
	}
	log.Printf("server: client joined %s (%d total)", client.group, s.ClientCount())

	go client.writePump()
	go client.readPump()
}

// parseSocketPath extracts the thread from /ws/chat/{type}/{id}/.
func parseSocketPath(path string) (chat.ThreadKey, bool) {
	rest := strings.Trim(strings.TrimPrefix(path, "/ws/chat/"), "/")
	typ, id, ok := strings.Cut(rest, "/")
	if !ok {
		return chat.ThreadKey{}, false
	}
	rt, err := chat.ParseResourceType(typ)
	if err != nil {
		return chat.ThreadKey{}, false
	}
	key := chat.ThreadKey{Type: rt, ID: id}
	if key.Validate() != nil {
		return chat.ThreadKey{}, false
	}
	return key, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("server: failed to encode response: %v", err)
	}
}

// writeError writes the portal's {"detail": "..."} error shape.
func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
