package mq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type ackRecord struct {
	tag     uint64
	ack     bool
	requeue bool
}

type fakeAcknowledger struct {
	mu      sync.Mutex
	records []ackRecord
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, ackRecord{tag: tag, ack: true})
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, ackRecord{tag: tag, requeue: requeue})
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

func (f *fakeAcknowledger) snapshot() []ackRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ackRecord(nil), f.records...)
}

type fakeConsumeChannel struct {
	deliveries chan amqp.Delivery
	consumeErr error
	closed     bool
}

func (f *fakeConsumeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if f.consumeErr != nil {
		return nil, f.consumeErr
	}
	return f.deliveries, nil
}

func (f *fakeConsumeChannel) Close() error {
	f.closed = true
	return nil
}

var errBadCommand = errors.New("bad command")

func rejectingHandler(ctx context.Context, body []byte) error {
	if string(body) == "bad" {
		return errBadCommand
	}
	return nil
}

func TestConsumer_HandleAcksOnSuccess(t *testing.T) {
	ack := &fakeAcknowledger{}
	c := &Consumer{logger: zap.NewNop(), handler: rejectingHandler}

	c.handle(context.Background(), amqp.Delivery{Acknowledger: ack, DeliveryTag: 3, Body: []byte("ok")})

	assert.Equal(t, []ackRecord{{tag: 3, ack: true}}, ack.snapshot())
}

func TestConsumer_HandleDeadLettersOnError(t *testing.T) {
	ack := &fakeAcknowledger{}
	c := &Consumer{logger: zap.NewNop(), handler: rejectingHandler}

	c.handle(context.Background(), amqp.Delivery{Acknowledger: ack, DeliveryTag: 4, Body: []byte("bad")})

	// requeue=false routes the message to the DLQ
	assert.Equal(t, []ackRecord{{tag: 4, ack: false, requeue: false}}, ack.snapshot())
}

func TestConsumer_StartDeliversUntilClose(t *testing.T) {
	ch := &fakeConsumeChannel{deliveries: make(chan amqp.Delivery, 2)}
	var mu sync.Mutex
	var bodies []string
	c := &Consumer{
		channel: ch,
		queue:   "alarm.commands",
		logger:  zap.NewNop(),
		handler: func(ctx context.Context, body []byte) error {
			mu.Lock()
			defer mu.Unlock()
			bodies = append(bodies, string(body))
			return rejectingHandler(ctx, body)
		},
	}
	require.NoError(t, c.Start(context.Background()))

	ack := &fakeAcknowledger{}
	ch.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte("ok")}
	ch.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 2, Body: []byte("bad")}

	require.Eventually(t, func() bool {
		return len(ack.snapshot()) == 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Close())
	assert.True(t, ch.closed)
	assert.Equal(t, []ackRecord{
		{tag: 1, ack: true},
		{tag: 2, ack: false, requeue: false},
	}, ack.snapshot())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"ok", "bad"}, bodies)
}

func TestConsumer_StartStopsWhenDeliveriesClose(t *testing.T) {
	ch := &fakeConsumeChannel{deliveries: make(chan amqp.Delivery)}
	c := &Consumer{channel: ch, logger: zap.NewNop(), handler: rejectingHandler}
	require.NoError(t, c.Start(context.Background()))

	close(ch.deliveries)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("delivery loop did not exit after the broker closed the channel")
	}
	require.NoError(t, c.Close())
}

func TestConsumer_StartConsumeError(t *testing.T) {
	brokerErr := errors.New("queue not found")
	c := &Consumer{channel: &fakeConsumeChannel{consumeErr: brokerErr}, logger: zap.NewNop()}

	err := c.Start(context.Background())
	assert.ErrorIs(t, err, brokerErr)
}

func TestNewConsumer_Disabled(t *testing.T) {
	_, err := NewConsumer(ConsumerConfig{Logger: zap.NewNop()})
	assert.ErrorIs(t, err, ErrDisabled)
}
