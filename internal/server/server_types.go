package server

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/portalchat/chatsync/internal/chat"
	"golang.org/x/time/rate"
)

// channelBufferSize is the buffer size for the broadcast channel and each
// client's send channel.
const channelBufferSize = 256

// Store is the persistence the backend serves from.
// This interface is implemented by storage.SQLiteStore.
type Store interface {
	ListMessages(key chat.ThreadKey) ([]chat.ChatMessage, error)
	AppendMessage(key chat.ThreadKey, msg chat.ChatMessage) (bool, error)
	DeleteMessage(key chat.ThreadKey, id string) (bool, error)
	ListUsers() ([]chat.User, error)
}

// TokenValidator resolves a bearer token to the user it was issued for.
// Returns an error if the token is invalid.
type TokenValidator func(token string) (userID string, err error)

// Options configures a Server.
type Options struct {
	// Addr is the address to listen on (e.g., "127.0.0.1:8000").
	Addr string

	// Store is required.
	Store Store

	// RequireAuth rejects REST and WebSocket requests without a valid token.
	// Ignored when TokenValidator is nil.
	RequireAuth bool

	// TokenValidator validates bearer tokens.
	TokenValidator TokenValidator

	// InboundRate and InboundBurst cap chat frames accepted per second from
	// each WebSocket client. Zero uses 20/s with a burst of 10.
	InboundRate  float64
	InboundBurst int
}

// Server is the reference chat backend: REST thread resources plus a push
// socket per thread.
type Server struct {
	// addr is the address to listen on.
	addr string

	// listener is set once StartAsync has bound the port.
	listener net.Listener

	// upgrader converts HTTP connections to WebSocket connections.
	upgrader websocket.Upgrader

	// groups maps a group name (chat_<type>_<id>) to its connected clients.
	groups map[string]map[*Client]bool

	// mu protects groups, stopped, and listener.
	mu sync.RWMutex

	// stopped indicates whether the server has been stopped.
	// This prevents sending to a closed broadcast channel.
	stopped bool

	// broadcast receives frames to fan out to one group.
	broadcast chan groupFrame

	// httpServer is the underlying HTTP server for graceful shutdown.
	httpServer *http.Server

	store          Store
	tokenValidator TokenValidator
	requireAuth    bool

	inboundRate  rate.Limit
	inboundBurst int

	startTime time.Time
}

// groupFrame is one queued broadcast.
type groupFrame struct {
	group string
	frame chat.Frame
}

// Client represents a connected WebSocket client on one thread.
type Client struct {
	// conn is the underlying WebSocket connection.
	conn *websocket.Conn

	// send is a buffered channel for outgoing frames.
	send chan chat.Frame

	// done is closed to signal the client should shut down.
	done chan struct{}

	// sendOnce ensures done is only closed once.
	sendOnce sync.Once

	// server is a reference back to the parent server.
	server *Server

	// key is the thread this socket is scoped to.
	key chat.ThreadKey

	// group is GroupName(key), cached.
	group string

	// userID is set during upgrade when authentication is enabled.
	userID string

	// inboundLimiter rate-limits chat frames from this client.
	inboundLimiter *rate.Limiter
}

// GroupName returns the broadcast group for a thread.
func GroupName(key chat.ThreadKey) string {
	return "chat_" + string(key.Type) + "_" + key.ID
}
