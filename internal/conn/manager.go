// Package conn manages the per-thread push channel: one WebSocket per chat
// thread, a reconnect loop that retries forever, and an event stream of
// parsed inbound frames and state changes.
//
// A Handle never has two live sockets. Dial failures and drops are not
// errors to the caller; they move the handle to Reconnecting and a new dial
// is attempted after ReconnectInterval. Only Close stops the loop.
package conn

import (
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/portalchat/chatsync/internal/chat"
)

// Defaults for Options fields left at zero.
const (
	DefaultReconnectInterval = 3 * time.Second
	DefaultReconnectRate     = 1.0
	DefaultReconnectBurst    = 3
	DefaultHandshakeTimeout  = 10 * time.Second
)

// Options configures a Manager.
type Options struct {
	// ServerURL is the portal root, e.g. https://portal.example.com.
	// http(s) schemes are mapped to ws(s).
	ServerURL string

	// Token is sent as a Bearer header and as a token query parameter.
	Token string

	// ReconnectInterval is the fixed delay before each reconnect.
	ReconnectInterval time.Duration

	// ReconnectRate and ReconnectBurst cap reconnect attempts per handle.
	// A negative rate disables the cap.
	ReconnectRate  float64
	ReconnectBurst int

	// Dialer overrides the default gorilla dialer (tests, proxies).
	Dialer *websocket.Dialer
}

// Manager opens and closes push channels. It is safe for concurrent use.
type Manager struct {
	opts   Options
	dialer *websocket.Dialer

	mu      sync.Mutex
	handles map[chat.ThreadKey]*Handle
}

// NewManager creates a Manager, filling defaults for zero-valued options.
func NewManager(opts Options) *Manager {
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = DefaultReconnectInterval
	}
	if opts.ReconnectRate == 0 {
		opts.ReconnectRate = DefaultReconnectRate
	}
	if opts.ReconnectBurst <= 0 {
		opts.ReconnectBurst = DefaultReconnectBurst
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: DefaultHandshakeTimeout,
		}
	}
	return &Manager{
		opts:    opts,
		dialer:  dialer,
		handles: make(map[chat.ThreadKey]*Handle),
	}
}

// Open returns the live handle for key, creating one and starting its
// connect loop if there is none. Calling Open on a thread that is already
// connecting, open, or waiting to reconnect returns the existing handle.
func (m *Manager) Open(key chat.ThreadKey) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.handles[key]; ok {
		return h
	}

	wsURL, err := SocketURL(m.opts.ServerURL, key, m.opts.Token)
	if err != nil {
		// The handle still exists so callers can Close it; every dial will
		// fail and the loop stays in its reconnect cycle.
		log.Printf("conn: invalid socket url for %s: %v", key, err)
	}

	var limiter *rate.Limiter
	if m.opts.ReconnectRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(m.opts.ReconnectRate), m.opts.ReconnectBurst)
	}

	h := newHandle(m, key, wsURL, m.header(), m.dialer, m.opts.ReconnectInterval, limiter)
	m.handles[key] = h
	go h.run()
	return h
}

// Channel is the view of a push channel that consumers depend on. *Handle
// implements it; tests substitute their own.
type Channel interface {
	Events() <-chan Event
	Send(payload any) bool
	State() State
	Close()
}

// Connect is Open returning the Channel interface.
func (m *Manager) Connect(key chat.ThreadKey) Channel {
	return m.Open(key)
}

// Close shuts the handle down: it cancels any pending reconnect, sends a
// normal-closure frame if a socket is open, and closes the event channel.
// Close is idempotent and may be called with a nil handle.
func (m *Manager) Close(h *Handle) {
	if h == nil {
		return
	}
	m.mu.Lock()
	if cur, ok := m.handles[h.key]; ok && cur == h {
		delete(m.handles, h.key)
	}
	m.mu.Unlock()

	h.close()
}

// CloseAll closes every open handle.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.handles = make(map[chat.ThreadKey]*Handle)
	m.mu.Unlock()

	for _, h := range handles {
		h.close()
	}
}

// Send queues payload on the handle's socket. It returns false without
// blocking if the handle is not Open or its send queue is full.
func (m *Manager) Send(h *Handle, payload any) bool {
	if h == nil {
		return false
	}
	return h.send(payload)
}

func (m *Manager) header() http.Header {
	header := http.Header{}
	if m.opts.Token != "" {
		header.Set("Authorization", "Bearer "+m.opts.Token)
	}
	return header
}

// SocketURL builds ws(s)://host/ws/chat/<type>/<id>/ from the server root.
func SocketURL(serverURL string, key chat.ThreadKey, token string) (string, error) {
	if err := key.Validate(); err != nil {
		return "", err
	}
	u, err := url.Parse(strings.TrimSpace(serverURL))
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("server url has no host")
	}

	base := strings.TrimSuffix(u.Path, "/")
	base = strings.TrimSuffix(base, "/api")
	u.Path = fmt.Sprintf("%s/ws/chat/%s/%s/", base, key.Type, key.ID)
	u.RawPath = ""

	q := url.Values{}
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	u.Fragment = ""
	return u.String(), nil
}
