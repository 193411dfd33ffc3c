package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/barokg/backend/pkg/logger"

	"github.com/rabbitmq/amqp091-go"
)

// Handler processes one message body.
type Handler func(ctx context.Context, body []byte) error

// ErrInvalidMessage marks messages that can never succeed. They skip the
// retry queue and go straight to the dead-letter queue.
var ErrInvalidMessage = errors.New("invalid message")

// Consume delivers messages of every queue in handlers to its handler, one
// at a time across all queues, until ctx is done.
func Consume(ctx context.Context, conn *amqp091.Connection, handlers map[string]Handler) error {
	// a single consumer channel with prefetch=1 makes sure only one message
	// is in flight across all queues
	consumerCh, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open consumer channel: %w", err)
	}
	defer consumerCh.Close()

	if err := consumerCh.Qos(1, 0, true); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	type queuedMessage struct {
		msg       amqp091.Delivery
		queueName string
	}
	messageChan := make(chan queuedMessage)

	for queueName := range handlers {
		msgs, err := consumerCh.Consume(
			queueName,
			queueName+"_consumer",
			false, // autoAck
			false, // exclusive
			false, // noLocal
			false, // noWait
			nil,   // args
		)
		if err != nil {
			return fmt.Errorf("failed to start consuming %s: %w", queueName, err)
		}

		go func(qName string, msgs <-chan amqp091.Delivery) {
			for {
				select {
				case <-ctx.Done():
					logger.Info("[Queue] Stopping consumer", "queue", qName)
					return
				case msg, ok := <-msgs:
					if !ok {
						logger.Info("[Queue] Message channel closed", "queue", qName)
						return
					}
					select {
					case messageChan <- queuedMessage{msg: msg, queueName: qName}:
					case <-ctx.Done():
						_ = msg.Nack(false, true)
						return
					}
				}
			}
		}(queueName, msgs)
	}

	logger.Info("[Queue] Listening for messages")
	for {
		select {
		case <-ctx.Done():
			logger.Info("[Queue] Stopping message processor")
			return nil
		case qm := <-messageChan:
			Dispatch(ctx, consumerCh, qm.msg, qm.queueName, handlers[qm.queueName])
		}
	}
}

// Dispatch runs handler on msg and acks it, or hands it to the retry or
// dead-letter queue when the handler fails.
func Dispatch(ctx context.Context, ch Publisher, msg amqp091.Delivery, queueName string, handler Handler) {
	startTime := time.Now()
	logger.Info("[Queue] Received message", "queue", queueName)

	err := handler(ctx, msg.Body)
	if err != nil {
		logger.Error("[Queue] Error processing message", "queue", queueName, "err", err)
		HandleProcessingError(ch, msg, queueName, errors.Is(err, ErrInvalidMessage))
		return
	}

	if err := msg.Ack(false); err != nil {
		logger.Error("[Queue] Failed to ack message", "err", err)
	}
	logger.Info("[Queue] Message processed successfully",
		"queue", queueName,
		"duration", time.Since(startTime).Round(time.Millisecond).String(),
	)
}

// HandleProcessingError republishes a failed message to the retry queue
// with an incremented x-retries header. After MaxRetries attempts, or right
// away when permanent is set, it goes to the dead-letter queue instead.
func HandleProcessingError(ch Publisher, msg amqp091.Delivery, queueName string, permanent bool) {
	retries := 0
	if val, ok := msg.Headers["x-retries"]; ok {
		switch v := val.(type) {
		case int32:
			retries = int(v)
		case int64:
			retries = int(v)
		case int:
			retries = v
		}
	}

	if permanent || retries >= MaxRetries {
		dlqName := queueName + "_dlq"
		logger.Info("[Queue] Sending message to DLQ", "dlq", dlqName, "retries", retries)
		pubErr := ch.Publish(
			"",
			dlqName,
			false,
			false,
			amqp091.Publishing{
				ContentType: msg.ContentType,
				Body:        msg.Body,
				Headers:     msg.Headers,
			},
		)
		if pubErr != nil {
			logger.Error("[Queue] Failed to publish to DLQ", "dlq", dlqName, "err", pubErr)
			_ = msg.Nack(false, true)
			return
		}
		_ = msg.Ack(false)
		return
	}

	retryName := queueName + "_retry"
	headers := amqp091.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers["x-retries"] = int32(retries + 1)

	pubErr := ch.Publish(
		"",
		retryName,
		false,
		false,
		amqp091.Publishing{
			ContentType: msg.ContentType,
			Body:        msg.Body,
			Headers:     headers,
		},
	)
	if pubErr != nil {
		logger.Error("[Queue] Failed to publish to retry queue", "retry_queue", retryName, "err", pubErr)
		_ = msg.Nack(false, true)
		return
	}
	_ = msg.Ack(false)
}
