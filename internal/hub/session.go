package hub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// CloseInvalidToken is the WebSocket close code sent when the `?token=`
// query parameter is missing, malformed, or expired (§6).
const CloseInvalidToken = 4001

const (
	writeDeadline  = 10 * time.Second
	pongDeadline   = 60 * time.Second
	pingInterval   = 30 * time.Second
	sessionOutboxN = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// clientMessage is the session protocol's client-to-server envelope
// (§4.9).
type clientMessage struct {
	Action     string `json:"action"`
	LocationID *int64 `json:"location_id"`
	TenantID   *int64 `json:"tenant_id"`
}

// Session is a single WebSocket connection, implementing Subscriber.
type Session struct {
	conn   *websocket.Conn
	claims Claims
	hub    *Hub
	logger *slog.Logger
	outbox chan Event
	done   chan struct{}
}

// Claims returns the session's verified identity.
func (s *Session) Claims() Claims { return s.claims }

// Send enqueues event for delivery without blocking. A full outbox means
// the subscriber is slow or gone; the caller treats false as eviction.
func (s *Session) Send(event Event) bool {
	select {
	case s.outbox <- event:
		return true
	default:
		return false
	}
}

// Upgrade authenticates the request's `?token=` parameter, upgrades the
// connection, registers the session with hub, and runs its read/write
// pumps until the connection closes. It returns once the session ends.
func Upgrade(w http.ResponseWriter, r *http.Request, hub *Hub, tokens *TokenManager, logger *slog.Logger) {
	rawToken := r.URL.Query().Get("token")
	claims, err := tokens.Verify(rawToken)
	if err != nil {
		conn, upgradeErr := upgrader.Upgrade(w, r, nil)
		if upgradeErr != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		msg := websocket.FormatCloseMessage(CloseInvalidToken, "invalid or expired token")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeDeadline))
		_ = conn.Close()
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("hub: websocket upgrade failed", "error", err)
		return
	}

	sess := &Session{
		conn:   conn,
		claims: claims,
		hub:    hub,
		logger: logger,
		outbox: make(chan Event, sessionOutboxN),
		done:   make(chan struct{}),
	}
	hub.Add(sess)

	go sess.writePump()
	sess.readPump()
}

func (s *Session) readPump() {
	defer func() {
		s.hub.Remove(s)
		close(s.done)
		_ = s.conn.Close()
	}()

	s.conn.SetReadDeadline(time.Now().Add(pongDeadline))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongDeadline))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.Send(Event{Event: EventError, Message: "malformed message"})
			continue
		}
		s.handleMessage(msg)
	}
}

func (s *Session) handleMessage(msg clientMessage) {
	switch msg.Action {
	case "ping":
		s.Send(Event{Event: EventPong})
	case "subscribe_location":
		if msg.LocationID == nil {
			s.Send(Event{Event: EventError, Message: "location_id required"})
			return
		}
		s.hub.SubscribeLocation(s, *msg.LocationID)
		s.Send(Event{Event: EventSubscribed, LocationID: msg.LocationID})
	case "subscribe_tenant":
		if msg.TenantID == nil {
			s.Send(Event{Event: EventError, Message: "tenant_id required"})
			return
		}
		if err := s.hub.SubscribeTenant(s, *msg.TenantID); err != nil {
			s.Send(Event{Event: EventError, Message: err.Error()})
			return
		}
		s.Send(Event{Event: EventSubscribed, TenantID: msg.TenantID})
	case "unsubscribe":
		if msg.LocationID == nil {
			s.Send(Event{Event: EventError, Message: "location_id required"})
			return
		}
		s.hub.UnsubscribeLocation(s, *msg.LocationID)
	default:
		s.Send(Event{Event: EventError, Message: "unrecognized action"})
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case event := <-s.outbox:
			s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
