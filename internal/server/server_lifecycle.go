package server

import (
	"fmt"
	"log"
	"net"
	"net/http"
)

// StartAsync starts the server in a goroutine and returns any startup errors.
//
// The returned channel receives nil if startup succeeded, or an error if
// the listener could not be created (e.g., port already in use).
// After receiving from the channel, the server is either running or failed.
func (s *Server) StartAsync() <-chan error {
	errCh := make(chan error, 1)

	mux := s.createMux()

	// Create the listener first to detect port conflicts immediately.
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		errCh <- fmt.Errorf("failed to listen on %s: %w", s.addr, err)
		close(errCh)
		return errCh
	}

	s.mu.Lock()
	s.listener = ln
	s.httpServer = &http.Server{
		Handler: mux,
	}
	httpServer := s.httpServer
	s.mu.Unlock()

	go s.runBroadcaster()

	go func() {
		log.Printf("server: listening on %s", ln.Addr())
		errCh <- nil
		close(errCh)

		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("server: serve error: %v", err)
		}
	}()

	return errCh
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop gracefully shuts down the server.
// It signals every client to close, stops accepting new ones, and closes
// the broadcast channel so runBroadcaster exits.
func (s *Server) Stop() error {
	s.mu.Lock()

	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true

	// writePump sends the close frame when it sees done closed.
	for _, members := range s.groups {
		for client := range members {
			client.closeSend()
		}
	}
	s.groups = make(map[string]map[*Client]bool)

	// Must happen after stopped=true to prevent sends on a closed channel.
	close(s.broadcast)

	httpServer := s.httpServer
	s.mu.Unlock()

	log.Printf("server: stopped")
	if httpServer != nil {
		return httpServer.Close()
	}
	return nil
}
