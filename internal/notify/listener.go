package notify

import (
	"image-analysis-backend/internal/messaging"
	"log/slog"
)

// ResultListener forwards results published by the workers to the hub.
type ResultListener struct {
	hub      *Hub
	reciever messaging.Reciever
}

func NewResultListener(hub *Hub, reciever messaging.Reciever) *ResultListener {
	return &ResultListener{hub: hub, reciever: reciever}
}

// Start blocks until the reciever is closed.
func (l *ResultListener) Start() {
	slog.Info("starting result listener")

	for task := range l.reciever.Tasks() {
		l.handle(task)
	}

	slog.Info("result listener stopped")
}

func (l *ResultListener) Stop() {
	l.reciever.Close()
}

func (l *ResultListener) handle(task messaging.Task) {
	result, err := messaging.DecodeResult(task.Payload())
	if err != nil {
		slog.Error("error decoding result message", "error", err)
		if err := task.Reject(); err != nil {
			slog.Error("error rejecting message from queue", "error", err)
		}
		return
	}

	// Results are persisted before they are published, so a delivery that
	// fails here is still available through polling.
	if err := l.hub.Deliver(result); err != nil {
		slog.Error("error delivering result", "request_id", result.RequestId, "error", err)
	}

	if err := task.Ack(); err != nil {
		slog.Error("error acknowledging message from queue", "error", err)
	}
}
