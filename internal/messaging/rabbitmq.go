package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

func connectToRabbitMQ(url string) (*amqp.Connection, error) {
	var conn *amqp.Connection
	var err error
	for i := 0; i < MaxConnectRetry; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			slog.Info("connected to rabbitmq")
			return conn, nil
		}
		slog.Warn("failed to connect to rabbitmq", "attempt", i+1, "max_attempts", MaxConnectRetry, "error", err)
		time.Sleep(RetryDelay)
	}
	slog.Error("failed to connect to rabbitmq", "attempts", MaxConnectRetry, "error", err)
	return nil, fmt.Errorf("failed to connect after %d attempts: %w", MaxConnectRetry, err)
}

func declareWorkQueue(channel *amqp.Channel) error {
	if _, err := channel.QueueDeclare(WorkQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare rabbitmq queue %s: %w", WorkQueue, err)
	}
	return nil
}

func declareResultsExchange(channel *amqp.Channel) error {
	if err := channel.ExchangeDeclare(ResultsExchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare rabbitmq exchange %s: %w", ResultsExchange, err)
	}
	return nil
}

type RabbitMQPublisher struct {
	connLock   sync.RWMutex
	conn       *amqp.Connection
	channel    *amqp.Channel
	url        string
	destructor sync.Once
	closed     bool
}

func NewRabbitMQPublisher(rabbitMQURL string) (*RabbitMQPublisher, error) {
	p := &RabbitMQPublisher{url: rabbitMQURL}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *RabbitMQPublisher) connect() error {
	var err error
	p.conn, err = connectToRabbitMQ(p.url)
	if err != nil {
		return err
	}

	p.channel, err = p.conn.Channel()
	if err != nil {
		p.conn.Close()
		slog.Error("failed to open rabbitmq channel", "error", err)
		return fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}

	if err := declareWorkQueue(p.channel); err != nil {
		p.conn.Close()
		return err
	}
	if err := declareResultsExchange(p.channel); err != nil {
		p.conn.Close()
		return err
	}

	slog.Info("rabbitmq channel opened, queue and exchange declared")

	go p.handleReconnect(p.channel)

	return nil
}

func (p *RabbitMQPublisher) handleReconnect(channel *amqp.Channel) {
	notifyClose := make(chan *amqp.Error, 1)
	channel.NotifyClose(notifyClose)

	err, ok := <-notifyClose
	if !ok { // graceful close
		slog.Info("rabbitmq publisher channel closed")
		return
	}

	slog.Warn("rabbitmq connection closed, attempting to reconnect", "error", err)

	// Publishers block on the read lock until the connection is restored.
	p.connLock.Lock()
	defer p.connLock.Unlock()

	p.channel = nil
	p.conn = nil
	for !p.closed {
		if p.connect() == nil {
			slog.Info("successfully reconnected to rabbitmq")
			return
		}
		time.Sleep(RetryDelay * 10)
	}
}

func (p *RabbitMQPublisher) publishInternal(ctx context.Context, exchange, routingKey string, body []byte) error {
	p.connLock.RLock()
	defer p.connLock.RUnlock()

	if p.channel == nil || p.channel.IsClosed() {
		return fmt.Errorf("rabbitmq connection is closed")
	}

	err := p.channel.PublishWithContext(ctx,
		exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Body:         body,
		})

	if err != nil {
		slog.Error("failed to publish message, potential connection issue", "exchange", exchange, "routing_key", routingKey, "error", err)
		return fmt.Errorf("failed to publish to %s%s: %w", exchange, routingKey, err)
	}

	return nil
}

func (p *RabbitMQPublisher) PublishWorkItem(ctx context.Context, item WorkItem) error {
	body, err := EncodeWorkItem(item)
	if err != nil {
		return err
	}
	return p.publishInternal(ctx, "", WorkQueue, body)
}

func (p *RabbitMQPublisher) PublishResult(ctx context.Context, result ResultMessage) error {
	body, err := EncodeResult(result)
	if err != nil {
		return err
	}
	return p.publishInternal(ctx, ResultsExchange, "", body)
}

func (p *RabbitMQPublisher) Close() {
	p.destructor.Do(func() {
		p.connLock.Lock()
		defer p.connLock.Unlock()

		p.closed = true
		if p.conn == nil {
			return
		}
		if err := p.conn.Close(); err != nil {
			slog.Error("error closing rabbitmq connection", "error", err)
		}
	})
}

type RabbitMQTask struct {
	d     amqp.Delivery
	queue string
}

func (t *RabbitMQTask) Type() string {
	return t.queue
}

func (t *RabbitMQTask) Payload() []byte {
	return t.d.Body
}

func (t *RabbitMQTask) Ack() error {
	return t.d.Ack(false)
}

func (t *RabbitMQTask) Nack() error {
	return t.d.Nack(false, true)
}

func (t *RabbitMQTask) Reject() error {
	return t.d.Reject(false)
}

// consumeSetup declares the topology for one receiver on a fresh channel and
// starts consuming from it.
type consumeSetup func(channel *amqp.Channel) (<-chan amqp.Delivery, error)

type RabbitMQReceiver struct {
	tasks     chan Task
	url       string
	queue     string
	setup     consumeSetup
	stop      chan struct{}
	stopOnce  sync.Once
	consumers sync.WaitGroup
}

// NewRabbitMQWorkReceiver consumes the shared work queue as one member of the
// worker group. At most prefetch unacknowledged items are held at once.
func NewRabbitMQWorkReceiver(rabbitMQURL string, prefetch int) (*RabbitMQReceiver, error) {
	if prefetch <= 0 {
		prefetch = 1
	}

	setup := func(channel *amqp.Channel) (<-chan amqp.Delivery, error) {
		if err := channel.Qos(prefetch, 0, false); err != nil {
			return nil, fmt.Errorf("failed to set channel qos: %w", err)
		}
		if err := declareWorkQueue(channel); err != nil {
			return nil, err
		}
		return channel.Consume(WorkQueue, "", false, false, false, false, nil)
	}

	return newRabbitMQReceiver(rabbitMQURL, WorkQueue, setup)
}

// NewRabbitMQResultReceiver binds a private, server named queue to the results
// exchange, so this process sees every published result.
func NewRabbitMQResultReceiver(rabbitMQURL string) (*RabbitMQReceiver, error) {
	setup := func(channel *amqp.Channel) (<-chan amqp.Delivery, error) {
		if err := declareResultsExchange(channel); err != nil {
			return nil, err
		}
		queue, err := channel.QueueDeclare("", false, true, true, false, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to declare results queue: %w", err)
		}
		if err := channel.QueueBind(queue.Name, "", ResultsExchange, false, nil); err != nil {
			return nil, fmt.Errorf("failed to bind results queue: %w", err)
		}
		return channel.Consume(queue.Name, "", false, true, false, false, nil)
	}

	return newRabbitMQReceiver(rabbitMQURL, ResultsExchange, setup)
}

func newRabbitMQReceiver(rabbitMQURL, queue string, setup consumeSetup) (*RabbitMQReceiver, error) {
	c := &RabbitMQReceiver{
		tasks: make(chan Task),
		url:   rabbitMQURL,
		queue: queue,
		setup: setup,
		stop:  make(chan struct{}),
	}

	if err := c.receiveTasks(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *RabbitMQReceiver) consume(msgs <-chan amqp.Delivery) {
	defer c.consumers.Done()

	for d := range msgs {
		select {
		case c.tasks <- &RabbitMQTask{d: d, queue: c.queue}:
		case <-c.stop:
			// Unacked deliveries are requeued by the broker once the
			// connection closes.
			return
		}
	}
}

func (c *RabbitMQReceiver) receiveTasks() error {
	conn, err := connectToRabbitMQ(c.url)
	if err != nil {
		return err
	}
	channel, err := conn.Channel()
	if err != nil {
		slog.Error("failed to open rabbitmq channel", "error", err)
		conn.Close()
		return fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}

	msgs, err := c.setup(channel)
	if err != nil {
		slog.Error("failed to consume from rabbitmq", "queue", c.queue, "error", err)
		conn.Close()
		return fmt.Errorf("failed to consume from rabbitmq %s: %w", c.queue, err)
	}

	c.consumers.Add(1)
	go c.consume(msgs)

	go c.handleReconnect(conn, channel)

	return nil
}

func (c *RabbitMQReceiver) shutdown(conn *amqp.Connection) {
	if conn != nil {
		if err := conn.Close(); err != nil {
			slog.Error("error closing rabbitmq conn", "error", err)
		}
	}
	c.consumers.Wait()
	close(c.tasks)
}

func (c *RabbitMQReceiver) handleReconnect(conn *amqp.Connection, channel *amqp.Channel) {
	notifyClose := make(chan *amqp.Error, 1)
	channel.NotifyClose(notifyClose)

	select {
	case err, ok := <-notifyClose:
		if !ok {
			slog.Info("rabbitmq consumer channel closed", "queue", c.queue)
		} else {
			slog.Warn("rabbitmq connection closed, attempting to reconnect", "queue", c.queue, "error", err)
		}

		for {
			select {
			case <-c.stop:
				c.shutdown(nil)
				return
			default:
			}

			if c.receiveTasks() == nil {
				slog.Info("successfully restarted rabbitmq consumer", "queue", c.queue)
				return
			}

			select {
			case <-c.stop:
				c.shutdown(nil)
				return
			case <-time.After(RetryDelay * 10):
			}
		}
	case <-c.stop:
		slog.Info("stopping rabbitmq consumer", "queue", c.queue)
		c.shutdown(conn)
		return
	}
}

func (c *RabbitMQReceiver) Tasks() <-chan Task {
	return c.tasks
}

func (c *RabbitMQReceiver) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}
