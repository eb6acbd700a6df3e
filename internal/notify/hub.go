package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image-analysis-backend/internal/core/utils"
	"image-analysis-backend/internal/messaging"
	"image-analysis-backend/internal/metrics"
	"image-analysis-backend/internal/store"
	"image-analysis-backend/pkg/api"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultSessionBuffer = 32

	maxConcurrentRequests = 100000
)

var ErrHubClosed = errors.New("notification hub is closed")

// Session is one live push connection. Messages queued for a session are read
// by the connection's writer, which is the only goroutine touching the socket.
type Session struct {
	id     uuid.UUID
	userId string

	send      chan api.PushMessage
	done      chan struct{}
	closeOnce sync.Once
}

func (s *Session) Id() uuid.UUID {
	return s.id
}

func (s *Session) UserId() string {
	return s.userId
}

func (s *Session) Messages() <-chan api.PushMessage {
	return s.send
}

// Done is closed once the session has been closed by the hub.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Push queues msg without blocking. It reports false if the session is closed
// or its buffer is full, in which case the message is dropped and the client
// has to fall back to polling.
func (s *Session) Push(msg api.PushMessage) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.send <- msg:
		return true
	default:
		slog.Warn("push session buffer full, dropping message", "session_id", s.id, "type", msg.Type)
		return false
	}
}

// Hub tracks which sessions wait on which request and routes results to them.
type Hub struct {
	store      store.Store
	bufferSize int

	// Serializes attach and delivery for one request id, so a result is either
	// replayed from the store on attach or delivered live, never lost between
	// the two.
	requestLocks *utils.MutexMap[uuid.UUID]

	mu       sync.Mutex
	closed   bool
	sessions map[uuid.UUID]*Session
	byUser   map[string]map[uuid.UUID]*Session
	watchers map[uuid.UUID]map[uuid.UUID]*Session
}

func NewHub(store store.Store, bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultSessionBuffer
	}
	return &Hub{
		store:        store,
		bufferSize:   bufferSize,
		requestLocks: utils.NewMutexMap[uuid.UUID](maxConcurrentRequests),
		sessions:     make(map[uuid.UUID]*Session),
		byUser:       make(map[string]map[uuid.UUID]*Session),
		watchers:     make(map[uuid.UUID]map[uuid.UUID]*Session),
	}
}

func NewPushMessage(msgType string, requestId *uuid.UUID, message string) api.PushMessage {
	return api.PushMessage{
		Type:      msgType,
		RequestId: requestId,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

func (h *Hub) Open(userId string) (*Session, error) {
	session := &Session{
		id:     uuid.New(),
		userId: userId,
		send:   make(chan api.PushMessage, h.bufferSize),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	h.sessions[session.id] = session
	if h.byUser[userId] == nil {
		h.byUser[userId] = make(map[uuid.UUID]*Session)
	}
	h.byUser[userId][session.id] = session
	active := len(h.sessions)
	h.mu.Unlock()

	metrics.SetActivePushSessions(active)
	slog.Info("push session opened", "session_id", session.id, "user_id", userId)

	session.Push(NewPushMessage(api.PushConnectionEstablished, nil, "connected to image analysis service"))

	return session, nil
}

// Close removes the session from every mapping. Closing twice is a no-op.
func (h *Hub) Close(session *Session) {
	h.mu.Lock()
	h.removeLocked(session)
	active := len(h.sessions)
	h.mu.Unlock()

	metrics.SetActivePushSessions(active)
}

func (h *Hub) removeLocked(session *Session) {
	if _, ok := h.sessions[session.id]; !ok {
		return
	}

	delete(h.sessions, session.id)
	if users := h.byUser[session.userId]; users != nil {
		delete(users, session.id)
		if len(users) == 0 {
			delete(h.byUser, session.userId)
		}
	}
	for requestId, watching := range h.watchers {
		delete(watching, session.id)
		if len(watching) == 0 {
			delete(h.watchers, requestId)
		}
	}

	session.closeOnce.Do(func() { close(session.done) })
	slog.Info("push session closed", "session_id", session.id, "user_id", session.userId)
}

// Shutdown closes every session and rejects new ones.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	for _, session := range h.sessions {
		h.removeLocked(session)
	}
	h.mu.Unlock()

	metrics.SetActivePushSessions(0)
}

func (h *Hub) ActiveSessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Attach subscribes the session to the result of requestId. If the request has
// already finished, the stored result is pushed right away.
func (h *Hub) Attach(ctx context.Context, session *Session, requestId uuid.UUID) error {
	if err := h.requestLocks.Lock(requestId); err != nil {
		return fmt.Errorf("error locking request %s: %w", requestId, err)
	}
	defer h.requestLocks.Unlock(requestId)

	return h.attachLocked(ctx, []*Session{session}, requestId)
}

// AttachUser subscribes every live session of userId to requestId and tells
// them the upload was received. Users without a session are ignored.
func (h *Hub) AttachUser(ctx context.Context, userId string, requestId uuid.UUID, filename string) error {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.byUser[userId]))
	for _, session := range h.byUser[userId] {
		sessions = append(sessions, session)
	}
	h.mu.Unlock()

	if len(sessions) == 0 {
		return nil
	}

	msg := NewPushMessage(api.PushUploadReceived, &requestId, fmt.Sprintf("image '%s' received and queued for analysis", filename))
	for _, session := range sessions {
		session.Push(msg)
	}

	if err := h.requestLocks.Lock(requestId); err != nil {
		return fmt.Errorf("error locking request %s: %w", requestId, err)
	}
	defer h.requestLocks.Unlock(requestId)

	return h.attachLocked(ctx, sessions, requestId)
}

func (h *Hub) attachLocked(ctx context.Context, sessions []*Session, requestId uuid.UUID) error {
	h.mu.Lock()
	if h.watchers[requestId] == nil {
		h.watchers[requestId] = make(map[uuid.UUID]*Session)
	}
	for _, session := range sessions {
		if _, ok := h.sessions[session.id]; ok {
			h.watchers[requestId][session.id] = session
		}
	}
	h.mu.Unlock()

	req, err := h.store.Get(ctx, requestId)
	if errors.Is(err, store.ErrNotFound) {
		h.detach(requestId, sessions)
		msg := NewPushMessage(api.PushError, &requestId, "request not found")
		for _, session := range sessions {
			session.Push(msg)
		}
		return nil
	}
	if err != nil {
		h.detach(requestId, sessions)
		return fmt.Errorf("error loading request %s: %w", requestId, err)
	}
	if !req.Status.Terminal() {
		return nil
	}

	res, err := h.store.GetResult(ctx, requestId)
	if err != nil {
		h.detach(requestId, sessions)
		return fmt.Errorf("error loading result %s: %w", requestId, err)
	}

	msg, err := resultPushMessage(resultMessageFromStore(req, res))
	if err != nil {
		h.detach(requestId, sessions)
		return err
	}
	h.pushAndDetach(requestId, msg)
	return nil
}

// Deliver pushes a finished result to every session waiting on it. Each
// result is delivered at most once per session.
func (h *Hub) Deliver(result messaging.ResultMessage) error {
	msg, err := resultPushMessage(result)
	if err != nil {
		return err
	}

	if err := h.requestLocks.Lock(result.RequestId); err != nil {
		return fmt.Errorf("error locking request %s: %w", result.RequestId, err)
	}
	defer h.requestLocks.Unlock(result.RequestId)

	delivered := h.pushAndDetach(result.RequestId, msg)
	slog.Debug("result delivered", "request_id", result.RequestId, "sessions", delivered)
	return nil
}

func (h *Hub) pushAndDetach(requestId uuid.UUID, msg api.PushMessage) int {
	h.mu.Lock()
	watching := h.watchers[requestId]
	delete(h.watchers, requestId)
	h.mu.Unlock()

	delivered := 0
	for _, session := range watching {
		if session.Push(msg) {
			delivered++
		}
	}
	return delivered
}

func (h *Hub) detach(requestId uuid.UUID, sessions []*Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	watching := h.watchers[requestId]
	for _, session := range sessions {
		delete(watching, session.id)
	}
	if len(watching) == 0 {
		delete(h.watchers, requestId)
	}
}

func resultPushMessage(result messaging.ResultMessage) (api.PushMessage, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return api.PushMessage{}, fmt.Errorf("error encoding result %s: %w", result.RequestId, err)
	}
	requestId := result.RequestId
	msg := NewPushMessage(api.PushAnalysisResult, &requestId, "")
	msg.Data = data
	return msg, nil
}

func resultMessageFromStore(req *store.Request, res *store.Result) messaging.ResultMessage {
	return messaging.ResultMessage{
		RequestId:      req.RequestId,
		UserId:         req.UserId,
		Status:         req.Status,
		Predictions:    res.Predictions,
		Error:          res.Error,
		Model:          res.Model,
		ProcessingTime: res.ProcessingTime.Seconds(),
		ImageWidth:     res.ImageWidth,
		ImageHeight:    res.ImageHeight,
		CompletedAt:    res.CompletedAt,
	}
}
