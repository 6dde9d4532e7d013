package queue

// DefaultMaxRetries bounds redeliveries of a failing message.
const DefaultMaxRetries = 3

// Queue is the publish/subscribe surface EventService and the ingest
// subscriber depend on. AMQPQueue is the implementation; tests use fakes.
type Queue interface {
	Publish(topic string, payload any) error
	Subscribe(topic string, handler func(payload any) error) error
}
