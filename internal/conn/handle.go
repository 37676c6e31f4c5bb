package conn

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/portalchat/chatsync/internal/chat"
	apperrors "github.com/portalchat/chatsync/internal/errors"
	"github.com/portalchat/chatsync/internal/logx"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = 30 * time.Second
	maxMessageSize  = 512 * 1024
	sendBufferSize  = 256
	eventBufferSize = 256
)

// Handle is one thread's push channel. It is created by Manager.Open and
// lives until Manager.Close.
type Handle struct {
	mgr      *Manager
	key      chat.ThreadKey
	url      string
	header   http.Header
	dialer   *websocket.Dialer
	interval time.Duration
	limiter  *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{} // closed when the connect loop exits
	events chan Event

	mu           sync.Mutex
	state        State
	closed       bool
	eventsClosed bool
	conn         *websocket.Conn
	sendCh       chan []byte
}

func newHandle(mgr *Manager, key chat.ThreadKey, wsURL string, header http.Header, dialer *websocket.Dialer, interval time.Duration, limiter *rate.Limiter) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handle{
		mgr:      mgr,
		key:      key,
		url:      wsURL,
		header:   header,
		dialer:   dialer,
		interval: interval,
		limiter:  limiter,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		events:   make(chan Event, eventBufferSize),
		state:    Connecting,
	}
}

// Key returns the thread this handle serves.
func (h *Handle) Key() chat.ThreadKey {
	return h.key
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Events returns the event stream. The channel is closed after Close.
func (h *Handle) Events() <-chan Event {
	return h.events
}

// Send queues payload on the socket. See Manager.Send.
func (h *Handle) Send(payload any) bool {
	return h.send(payload)
}

// Close shuts the handle down. See Manager.Close.
func (h *Handle) Close() {
	if h.mgr != nil {
		h.mgr.Close(h)
		return
	}
	h.close()
}

// Done is closed once the handle has fully shut down.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// run is the connect loop. It owns the events channel.
func (h *Handle) run() {
	defer close(h.done)
	defer func() {
		h.mu.Lock()
		h.eventsClosed = true
		close(h.events)
		h.mu.Unlock()
	}()

	for {
		conn, err := h.dial()
		if err != nil {
			log.Printf("conn: dial %s failed: %v", h.key, err)
			if !h.reconnect() {
				return
			}
			continue
		}

		sendCh := make(chan []byte, sendBufferSize)
		if !h.attach(conn, sendCh) {
			conn.Close()
			return
		}
		log.Printf("conn: %s open", h.key)

		h.serve(conn, sendCh)

		if !h.reconnect() {
			return
		}
	}
}

func (h *Handle) dial() (*websocket.Conn, error) {
	if h.url == "" {
		return nil, fmt.Errorf("no socket url")
	}
	conn, resp, err := h.dialer.DialContext(h.ctx, h.url, h.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w (HTTP %d)", err, resp.StatusCode)
		}
		return nil, err
	}
	return conn, nil
}

// reconnect moves through Reconnecting back to Connecting after the fixed
// interval and the rate cap. It returns false once the handle is closed.
func (h *Handle) reconnect() bool {
	if !h.setState(Reconnecting) {
		return false
	}

	timer := time.NewTimer(h.interval)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-h.ctx.Done():
		return false
	}

	if h.limiter != nil {
		if err := h.limiter.Wait(h.ctx); err != nil {
			return false
		}
	}
	return h.setState(Connecting)
}

// setState applies an automatic transition and emits it. It returns false if
// the handle was closed or the transition is not allowed.
func (h *Handle) setState(to State) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	from := h.state
	if !canTransition(from, to) {
		h.mu.Unlock()
		log.Printf("conn: rejected transition %s -> %s on %s", from, to, h.key)
		return false
	}
	h.state = to
	h.mu.Unlock()

	logx.Debugf("conn: %s %s -> %s", h.key, from, to)
	h.emit(Event{Type: EventState, State: to})
	return true
}

// attach installs a freshly dialed socket and moves to Open.
func (h *Handle) attach(conn *websocket.Conn, sendCh chan []byte) bool {
	h.mu.Lock()
	if h.closed || !canTransition(h.state, Open) {
		h.mu.Unlock()
		return false
	}
	h.conn = conn
	h.sendCh = sendCh
	h.state = Open
	h.mu.Unlock()

	h.emit(Event{Type: EventState, State: Open})
	return true
}

// serve runs the pumps for one socket until it drops, then moves to Closed.
func (h *Handle) serve(conn *websocket.Conn, sendCh chan []byte) {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.writePump(conn, sendCh, stop)
	}()

	h.readPump(conn)

	h.mu.Lock()
	h.conn = nil
	h.sendCh = nil
	dropped := !h.closed
	if dropped {
		h.state = Closed
	}
	h.mu.Unlock()

	close(stop)
	wg.Wait()

	if dropped {
		log.Printf("conn: %s dropped, reconnecting in %s", h.key, h.interval)
		h.emit(Event{Type: EventState, State: Closed})
	}
}

// writePump sends queued frames and periodic pings. It is the only writer
// of data frames on conn.
func (h *Handle) writePump(conn *websocket.Conn, sendCh <-chan []byte, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-stop:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case data := <-sendCh:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("conn: write error on %s: %v", h.key, err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump parses inbound frames and forwards them as events. Malformed
// frames are logged and dropped; they never end the stream.
func (h *Handle) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway) {
				log.Printf("conn: read error on %s: %v", h.key, err)
			}
			return
		}

		frame, err := chat.ParseFrame(h.key, data)
		if err != nil {
			log.Printf("conn: %v", apperrors.InboundMalformed("dropping frame on "+h.key.String(), err))
			continue
		}
		logx.Debugf("conn: inbound %s frame on %s", frame.Type, h.key)
		h.emit(Event{Type: EventInbound, Frame: frame})
	}
}

// emit delivers ev unless the handle is shutting down.
func (h *Handle) emit(ev Event) {
	select {
	case h.events <- ev:
	case <-h.ctx.Done():
	}
}

func (h *Handle) send(payload any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("conn: failed to marshal frame for %s: %v", h.key, err)
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.state != Open || h.sendCh == nil {
		return false
	}
	select {
	case h.sendCh <- data:
		return true
	default:
		log.Printf("conn: send queue full on %s", h.key)
		return false
	}
}

// close stops the loop and waits for it to exit. Safe to call repeatedly.
func (h *Handle) close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		<-h.done
		return
	}
	h.closed = true
	h.state = Closed
	conn := h.conn
	if !h.eventsClosed {
		select {
		case h.events <- Event{Type: EventState, State: Closed}:
		default:
		}
	}
	h.mu.Unlock()

	h.cancel()
	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		conn.Close()
	}
	<-h.done
	log.Printf("conn: %s closed", h.key)
}
