package queue

import (
	"encoding/json"
	"fmt"

	"github.com/streadway/amqp"

	"github.com/paperbase/paperbase/common"
	"github.com/paperbase/paperbase/config"
)

// TaskPublisher publishes typed tasks to the processing queues.
type TaskPublisher interface {
	// PublishProcess enqueues a full-pipeline ingestion task.
	PublishProcess(task ProcessTask) error

	// PublishBatch enqueues a batch fan-out task.
	PublishBatch(task BatchTask) error

	// PublishMetadata enqueues a metadata re-extraction task.
	PublishMetadata(task MetadataTask) error

	// PublishOCR enqueues a standalone OCR task.
	PublishOCR(task OCRTask) error

	// Close closes the connection to the message broker.
	Close() error
}

// Broker manages a connection and channel to RabbitMQ and provides
// publish and consume operations over the processing queues.
type Broker struct {
	connection AMQPConnection
	channel    AMQPChannel
	config     config.BrokerConfig
}

// NewBroker connects to RabbitMQ, opens a channel, and declares every
// processing queue as durable. If any step fails, resources created so
// far are released before returning the error.
func NewBroker(cfg config.BrokerConfig) (*Broker, error) {
	return NewBrokerWithDialer(cfg, &RealAMQPDialer{})
}

// NewBrokerWithDialer creates a broker with an injected dialer, used by
// tests to substitute a mock AMQP stack.
func NewBrokerWithDialer(cfg config.BrokerConfig, dialer AMQPDialer) (*Broker, error) {
	conn, err := dialer.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	for _, name := range Queues {
		_, err = ch.QueueDeclare(
			name,  // name
			true,  // durable
			false, // delete when unused
			false, // exclusive
			false, // no-wait
			nil,   // arguments
		)
		if err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("failed to declare queue %s: %w", name, err)
		}
	}

	return &Broker{
		connection: conn,
		channel:    ch,
		config:     cfg,
	}, nil
}

// PublishProcess enqueues a full-pipeline ingestion task.
func (b *Broker) PublishProcess(task ProcessTask) error {
	return b.publish(QueueDocumentProcessing, task)
}

// PublishBatch enqueues a batch fan-out task.
func (b *Broker) PublishBatch(task BatchTask) error {
	return b.publish(QueueBatchProcessing, task)
}

// PublishMetadata enqueues a metadata re-extraction task.
func (b *Broker) PublishMetadata(task MetadataTask) error {
	return b.publish(QueueMetadataExtraction, task)
}

// PublishOCR enqueues a standalone OCR task.
func (b *Broker) PublishOCR(task OCRTask) error {
	return b.publish(QueueOCRProcessing, task)
}

// publish serializes the payload as JSON and publishes it persistently
// to the default exchange with the queue name as routing key.
func (b *Broker) publish(queueName string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	err = b.channel.Publish(
		"",        // exchange (default)
		queueName, // routing key
		false,     // mandatory
		false,     // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", queueName, err)
	}

	common.Logger.WithField("queue", queueName).Debug("published task")
	return nil
}

// Consume starts consuming a queue with manual acknowledgement and the
// configured prefetch. The caller acks a delivery only after the job
// reached a terminal state, so an unacked task is redelivered if the
// worker dies mid-pipeline.
func (b *Broker) Consume(queueName, consumer string) (<-chan amqp.Delivery, error) {
	prefetch := b.config.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := b.channel.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}

	deliveries, err := b.channel.Consume(
		queueName, // queue
		consumer,  // consumer tag
		false,     // auto-ack off: ack after terminal job state
		false,     // exclusive
		false,     // no-local
		false,     // no-wait
		nil,       // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume %s: %w", queueName, err)
	}
	return deliveries, nil
}

// Depth reports the current message count of a queue, used by health
// reporting.
func (b *Broker) Depth(queueName string) (int, error) {
	q, err := b.channel.QueueInspect(queueName)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect %s: %w", queueName, err)
	}
	return q.Messages, nil
}

// Ping verifies the channel is still usable.
func (b *Broker) Ping() error {
	_, err := b.channel.QueueInspect(QueueDocumentProcessing)
	return err
}

// Close closes the channel and connection, tolerating nil members.
func (b *Broker) Close() error {
	if b.channel != nil {
		b.channel.Close()
	}
	if b.connection != nil {
		b.connection.Close()
	}
	return nil
}
