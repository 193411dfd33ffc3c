package queue

import (
	"time"

	"github.com/barokg/backend/internal/config"
	"github.com/barokg/backend/pkg/logger"

	"github.com/rabbitmq/amqp091-go"
)

const (
	UpdateQueue = "update_queue"

	TopicExchange     = "pubsub_exchange"
	GraphUpdatedTopic = "graph.updated"

	// MaxRetries is how often a message goes through the retry queue before
	// it is parked in the dead-letter queue.
	MaxRetries = 10
)

// Queues lists every work queue the worker consumes.
var Queues = []string{UpdateQueue}

// Publisher is the part of *amqp091.Channel used for publishing.
type Publisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
}

func Init(cfg config.RabbitMQConfig) *amqp091.Connection {
	conn, err := amqp091.Dial(cfg.URL())
	if err != nil {
		logger.Fatal("Failed to connect to RabbitMQ", "err", err)
	}

	return conn
}

// SetupQueues declares the topic exchange and, per queue, the queue itself,
// its dead-letter queue and a retry queue that hands messages back after
// ten seconds.
func SetupQueues(ch *amqp091.Channel, queueNames []string) error {
	err := ch.ExchangeDeclare(
		TopicExchange,
		"topic",
		false,
		true,
		false,
		false,
		nil,
	)
	if err != nil {
		return err
	}

	for _, name := range queueNames {
		_, err := ch.QueueDeclare(
			name,
			true,  // durable
			false, // autoDelete
			false, // exclusive
			false, // noWait
			nil,   // args
		)
		if err != nil {
			return err
		}

		dlqName := name + "_dlq"
		_, err = ch.QueueDeclare(
			dlqName,
			true,
			false,
			false,
			false,
			nil,
		)
		if err != nil {
			return err
		}

		retryName := name + "_retry"
		_, err = ch.QueueDeclare(
			retryName,
			true,
			false,
			false,
			false,
			amqp091.Table{
				"x-message-ttl":             int32(10000),
				"x-dead-letter-exchange":    "",
				"x-dead-letter-routing-key": name,
			},
		)
		if err != nil {
			return err
		}
	}

	return nil
}

// PublishFIFO publishes to a queue declared by SetupQueues.
func PublishFIFO(ch Publisher, queueName string, data []byte) error {
	publishing := amqp091.Publishing{
		ContentType:  "application/json",
		Body:         data,
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
	}

	return ch.Publish(
		"",
		queueName,
		false,
		false,
		publishing,
	)
}

func PublishTopic(ch Publisher, topic string, data []byte) error {
	publishing := amqp091.Publishing{
		ContentType:  "application/json",
		Body:         data,
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
	}

	return ch.Publish(
		TopicExchange,
		topic,
		false,
		false,
		publishing,
	)
}
