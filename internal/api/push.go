package api

import (
	"encoding/json"
	"fmt"
	"image-analysis-backend/internal/notify"
	"image-analysis-backend/pkg/api"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxClientBytes = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// PushSession upgrades to a websocket that receives analysis results for the
// user's uploads. Clients that reconnect pass the ids they are still waiting
// on as request_id query params, finished results are replayed immediately.
func (s *BackendService) PushSession(w http.ResponseWriter, r *http.Request) {
	userId := chi.URLParam(r, "user_id")
	if userId == "" {
		http.Error(w, "missing {user_id} url parameter", http.StatusBadRequest)
		return
	}

	if s.hub == nil {
		http.Error(w, "push notifications are not enabled", http.StatusServiceUnavailable)
		return
	}

	resume := make([]uuid.UUID, 0)
	for _, raw := range r.URL.Query()["request_id"] {
		id, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid request_id '%s'", raw), http.StatusBadRequest)
			return
		}
		resume = append(resume, id)
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		slog.Error("error upgrading push connection", "user_id", userId, "error", err)
		return
	}

	session, err := s.hub.Open(userId)
	if err != nil {
		slog.Error("error opening push session", "user_id", userId, "error", err)
		closeMsg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error())
		conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(writeWait)) //nolint:errcheck
		conn.Close()
		return
	}

	go s.writePump(conn, session)

	for _, id := range resume {
		if err := s.hub.Attach(r.Context(), session, id); err != nil {
			slog.Error("error resuming push subscription", "session_id", session.Id(), "request_id", id, "error", err)
		}
	}

	s.readPump(r, conn, session)
	s.hub.Close(session)
}

// readPump handles client messages until the connection fails or is closed.
func (s *BackendService) readPump(r *http.Request, conn *websocket.Conn, session *notify.Session) {
	conn.SetReadLimit(maxClientBytes)
	conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				slog.Warn("push connection closed unexpectedly", "session_id", session.Id(), "error", err)
			}
			return
		}

		var msg api.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			session.Push(notify.NewPushMessage(api.PushError, nil, "unable to parse message"))
			continue
		}

		switch msg.Type {
		case api.ClientPing:
			session.Push(notify.NewPushMessage(api.PushPong, nil, ""))

		case api.ClientSubscribe:
			id, err := uuid.Parse(msg.RequestId)
			if err != nil {
				session.Push(notify.NewPushMessage(api.PushError, nil, fmt.Sprintf("invalid request_id '%s'", msg.RequestId)))
				continue
			}
			if err := s.hub.Attach(r.Context(), session, id); err != nil {
				slog.Error("error attaching push subscription", "session_id", session.Id(), "request_id", id, "error", err)
				session.Push(notify.NewPushMessage(api.PushError, &id, "unable to subscribe, poll /status instead"))
			}

		default:
			session.Push(notify.NewPushMessage(api.PushError, nil, fmt.Sprintf("unknown message type '%s'", msg.Type)))
		}
	}
}

// writePump is the only writer on conn.
func (s *BackendService) writePump(conn *websocket.Conn, session *notify.Session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg := <-session.Messages():
			conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := conn.WriteJSON(msg); err != nil {
				slog.Warn("error writing push message", "session_id", session.Id(), "error", err)
				return
			}

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}

		case <-session.Done():
			closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(writeWait)) //nolint:errcheck
			return
		}
	}
}
