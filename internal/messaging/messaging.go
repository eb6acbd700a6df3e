package messaging

import (
	"context"
	"time"
)

const (
	// Durable work queue shared by all workers. Each message goes to exactly
	// one consumer.
	WorkQueue = "image_uploads"
	// Fanout exchange for finished results. Every API instance binds its own
	// queue so a result reaches whichever instance holds the caller's session.
	ResultsExchange = "analysis_results"

	RetryDelay      = 5 * time.Second
	MaxConnectRetry = 5
)

type Task interface {
	Type() string

	Payload() []byte

	Ack() error

	// Nack hands the message back for redelivery.
	Nack() error

	// Reject discards the message.
	Reject() error
}

type Publisher interface {
	PublishWorkItem(ctx context.Context, item WorkItem) error

	PublishResult(ctx context.Context, result ResultMessage) error

	Close()
}

type Reciever interface {
	Tasks() <-chan Task

	Close()
}
