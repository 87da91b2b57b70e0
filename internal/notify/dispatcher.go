package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/septivank/alarm-gateway/internal/db"
	"go.uber.org/zap"
)

const defaultPublishTimeout = 5 * time.Second

// Sink delivers events to one external channel
type Sink interface {
	Name() string
	Publish(ctx context.Context, event Event) error
}

// Dispatcher queues notifications and publishes them to every sink from a
// single goroutine. Enqueueing never blocks: a full queue drops the event.
type Dispatcher struct {
	events         chan Event
	sinks          []Sink
	logger         *zap.Logger
	publishTimeout time.Duration

	quit     chan struct{}
	done     chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
	dropped  atomic.Uint64
}

// NewDispatcher creates a dispatcher with a queue of bufferSize events
func NewDispatcher(bufferSize int, logger *zap.Logger, sinks ...Sink) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &Dispatcher{
		events:         make(chan Event, bufferSize),
		sinks:          sinks,
		logger:         logger,
		publishTimeout: defaultPublishTimeout,
		quit:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// Start launches the publishing goroutine
func (d *Dispatcher) Start() {
	if !d.started.CompareAndSwap(false, true) {
		return
	}

	names := make([]string, 0, len(d.sinks))
	for _, s := range d.sinks {
		names = append(names, s.Name())
	}
	d.logger.Info("notification dispatcher started", zap.Strings("sinks", names))

	go d.run()
}

// Stop stops accepting events, publishes whatever is queued and waits for the
// goroutine to exit or ctx to expire
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.stopOnce.Do(func() { close(d.quit) })
	if !d.started.Load() {
		return nil
	}

	select {
	case <-d.done:
		d.logger.Info("notification dispatcher stopped", zap.Uint64("dropped", d.dropped.Load()))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped returns how many events were discarded because the queue was full
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case e := <-d.events:
			d.publish(e)
		case <-d.quit:
			for {
				select {
				case e := <-d.events:
					d.publish(e)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) publish(e Event) {
	for _, sink := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), d.publishTimeout)
		err := sink.Publish(ctx, e)
		cancel()
		if err != nil {
			d.logger.Error("failed to publish notification",
				zap.Error(err),
				zap.String("sink", sink.Name()),
				zap.String("event_type", string(e.Type)),
				zap.String("client_id", e.ClientID),
			)
		}
	}
}

func (d *Dispatcher) enqueue(e Event) {
	select {
	case <-d.quit:
		d.dropped.Add(1)
		return
	default:
	}

	select {
	case d.events <- e:
	default:
		d.dropped.Add(1)
		d.logger.Warn("notification queue full, dropping event",
			zap.String("event_type", string(e.Type)),
			zap.String("client_id", e.ClientID),
		)
	}
}

func (d *Dispatcher) OnNewAlarm(device *db.Device, alarm *db.AlarmEvent) {
	d.enqueue(newEvent(EventAlarmNew, device, AlarmPayload{
		AlarmID:   alarm.AlarmID,
		Title:     alarm.Title,
		Message:   alarm.Message,
		Type:      alarm.Type,
		Severity:  alarm.Severity,
		AlarmTime: alarm.AlarmTime,
		Zone:      alarm.Zone,
		Value:     alarm.NumericValue,
		Unit:      alarm.Unit,
	}))
}

func (d *Dispatcher) OnClientConnected(device *db.Device, identity db.DeviceIdentity) {
	d.enqueue(newEvent(EventClientConnected, device, ConnectedPayload{
		IP:          identity.IP,
		Port:        identity.Port,
		ConnectedAt: identity.ConnectedAt,
	}))
}

func (d *Dispatcher) OnClientDisconnected(device *db.Device, status db.ConnectionStatus, reason string) {
	d.enqueue(newEvent(EventClientDisconnected, device, DisconnectedPayload{
		Status: string(status),
		Reason: reason,
	}))
}

func (d *Dispatcher) OnClientError(device *db.Device, message, detail string) {
	d.enqueue(newEvent(EventClientError, device, ErrorPayload{
		Message: message,
		Detail:  detail,
	}))
}
