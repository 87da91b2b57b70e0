package notify

import "context"

// EventPublisher publishes a JSON body under a routing key
type EventPublisher interface {
	PublishEvent(ctx context.Context, routingKey string, body any) error
}

// AMQPSink publishes each event with its type as routing key
type AMQPSink struct {
	publisher EventPublisher
}

// NewAMQPSink creates a sink on top of publisher
func NewAMQPSink(publisher EventPublisher) *AMQPSink {
	return &AMQPSink{publisher: publisher}
}

func (s *AMQPSink) Name() string { return "amqp" }

func (s *AMQPSink) Publish(ctx context.Context, event Event) error {
	return s.publisher.PublishEvent(ctx, string(event.Type), event)
}
