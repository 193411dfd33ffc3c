package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/barokg/backend/pkg/common"
	"github.com/barokg/backend/pkg/scheduler"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	exchange string
	key      string
	msg      amqp091.Publishing
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (f *fakePublisher) Publish(exchange, key string, _, _ bool, msg amqp091.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, published{exchange: exchange, key: key, msg: msg})
	return nil
}

type fakeAck struct {
	acks, nacks int
}

func (a *fakeAck) Ack(uint64, bool) error        { a.acks++; return nil }
func (a *fakeAck) Nack(uint64, bool, bool) error { a.nacks++; return nil }
func (a *fakeAck) Reject(uint64, bool) error     { return nil }

func delivery(body string, retries any) (amqp091.Delivery, *fakeAck) {
	ack := &fakeAck{}
	d := amqp091.Delivery{Acknowledger: ack, Body: []byte(body), ContentType: "application/json"}
	if retries != nil {
		d.Headers = amqp091.Table{"x-retries": retries}
	}
	return d, ack
}

type fakeRunner struct {
	modes  []scheduler.Mode
	report scheduler.RunReport
	err    error
}

func (r *fakeRunner) Run(_ context.Context, mode scheduler.Mode) (scheduler.RunReport, error) {
	r.modes = append(r.modes, mode)
	return r.report, r.err
}

func TestUpdateHandler(t *testing.T) {
	ctx := context.Background()
	r := &fakeRunner{}
	h := UpdateHandler(r)

	require.NoError(t, h(ctx, []byte(`{"mode":"full"}`)))
	require.NoError(t, h(ctx, nil))
	assert.Equal(t, []scheduler.Mode{scheduler.ModeFull, scheduler.ModeIncremental}, r.modes)

	assert.ErrorIs(t, h(ctx, []byte(`{"mode":"sideways"}`)), ErrInvalidMessage)
	assert.ErrorIs(t, h(ctx, []byte(`not json`)), ErrInvalidMessage)

	r.report = scheduler.RunReport{AlreadyRunning: true, RunID: "run-1"}
	require.NoError(t, h(ctx, nil))

	r.err = common.ErrLockUnavailable
	err := h(ctx, nil)
	require.ErrorIs(t, err, common.ErrLockUnavailable)
	assert.NotErrorIs(t, err, ErrInvalidMessage)
}

func TestDispatchRetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	failing := func(context.Context, []byte) error { return errors.New("boom") }

	pub := &fakePublisher{}
	msg, ack := delivery(`{}`, nil)
	Dispatch(ctx, pub, msg, UpdateQueue, failing)
	require.Len(t, pub.sent, 1)
	assert.Equal(t, "update_queue_retry", pub.sent[0].key)
	assert.Equal(t, int32(1), pub.sent[0].msg.Headers["x-retries"])
	assert.Equal(t, 1, ack.acks)

	pub = &fakePublisher{}
	msg, _ = delivery(`{}`, int32(MaxRetries))
	Dispatch(ctx, pub, msg, UpdateQueue, failing)
	require.Len(t, pub.sent, 1)
	assert.Equal(t, "update_queue_dlq", pub.sent[0].key)

	pub = &fakePublisher{}
	msg, _ = delivery(`{"mode":"x"}`, nil)
	Dispatch(ctx, pub, msg, UpdateQueue, UpdateHandler(&fakeRunner{}))
	require.Len(t, pub.sent, 1)
	assert.Equal(t, "update_queue_dlq", pub.sent[0].key, "invalid messages are not retried")
}

func TestDispatchRequeuesWhenPublishFails(t *testing.T) {
	pub := &fakePublisher{err: errors.New("channel closed")}
	msg, ack := delivery(`{}`, nil)
	Dispatch(context.Background(), pub, msg, UpdateQueue, func(context.Context, []byte) error {
		return errors.New("boom")
	})
	assert.Equal(t, 0, ack.acks)
	assert.Equal(t, 1, ack.nacks)
}

func TestDispatchAcksSuccess(t *testing.T) {
	pub := &fakePublisher{}
	msg, ack := delivery(`{}`, nil)
	Dispatch(context.Background(), pub, msg, UpdateQueue, func(context.Context, []byte) error { return nil })
	assert.Empty(t, pub.sent)
	assert.Equal(t, 1, ack.acks)
}

func TestGraphNotifier(t *testing.T) {
	pub := &fakePublisher{}
	n := NewGraphNotifier(pub)
	update := scheduler.GraphUpdate{
		RunID:      "run-1",
		Mode:       scheduler.ModeIncremental,
		Documents:  []string{"doc-1"},
		FinishedAt: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, n.GraphUpdated(context.Background(), update))

	require.Len(t, pub.sent, 1)
	assert.Equal(t, TopicExchange, pub.sent[0].exchange)
	assert.Equal(t, GraphUpdatedTopic, pub.sent[0].key)

	var got scheduler.GraphUpdate
	require.NoError(t, json.Unmarshal(pub.sent[0].msg.Body, &got))
	assert.Equal(t, update, got)
}

func TestRequestUpdate(t *testing.T) {
	pub := &fakePublisher{}
	require.NoError(t, RequestUpdate(pub, scheduler.ModeFull, "kgctl"))
	require.Len(t, pub.sent, 1)
	assert.Equal(t, UpdateQueue, pub.sent[0].key)
	assert.JSONEq(t, `{"mode":"full","requested_by":"kgctl"}`, string(pub.sent[0].msg.Body))
}
