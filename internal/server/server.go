// Package server provides the reference chat backend used for local runs and
// integration tests. It serves the thread REST resources under /api and a
// push socket per thread under /ws/chat, persisting to SQLite.
package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/portalchat/chatsync/internal/chat"
	"golang.org/x/time/rate"
)

// Default inbound frame limits per WebSocket client.
const (
	DefaultInboundRate  = 20
	DefaultInboundBurst = 10
)

// NewServer creates a server. Call StartAsync to listen, or Handler to
// mount it on an existing mux.
func NewServer(opts Options) *Server {
	inRate := rate.Limit(opts.InboundRate)
	if opts.InboundRate <= 0 {
		inRate = DefaultInboundRate
	}
	inBurst := opts.InboundBurst
	if inBurst <= 0 {
		inBurst = DefaultInboundBurst
	}

	return &Server{
		addr:           opts.Addr,
		groups:         make(map[string]map[*Client]bool),
		broadcast:      make(chan groupFrame, channelBufferSize),
		store:          opts.Store,
		tokenValidator: opts.TokenValidator,
		requireAuth:    opts.RequireAuth && opts.TokenValidator != nil,
		inboundRate:    inRate,
		inboundBurst:   inBurst,
		startTime:      time.Now(),
		upgrader: websocket.Upgrader{
			// Allow connections from any origin; this is a dev backend.
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Handler returns the HTTP handler serving every endpoint.
func (s *Server) Handler() http.Handler {
	return s.createMux()
}

// ClientCount returns the number of connected WebSocket clients across all
// threads.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, members := range s.groups {
		n += len(members)
	}
	return n
}

// GroupSize returns the number of clients subscribed to key.
func (s *Server) GroupSize(key chat.ThreadKey) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.groups[GroupName(key)])
}

// register adds c to its thread group.
func (s *Server) register(c *Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	members := s.groups[c.group]
	if members == nil {
		members = make(map[*Client]bool)
		s.groups[c.group] = members
	}
	members[c] = true
	return true
}

// unregister removes c and drops the group once empty.
func (s *Server) unregister(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if members, ok := s.groups[c.group]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(s.groups, c.group)
		}
	}
}
