package pubsub

// Call-lifecycle events emitted by the orchestration client.
const (
	EventPublished = "call.published"
	EventCompleted = "call.completed"
	EventFailed    = "call.failed"
	EventTimedOut  = "call.timedout"
)

type Publisher interface {
	Publish(namespace string, eventName string, event []byte) error
}

type CancelFunc func()

type Subscriber interface {
	Subscribe(namespace string, eventName string, callback func(event []byte) error) (CancelFunc, error)
	Unsubscribe(namespace string, eventName string)
}

type PubSub interface {
	Publisher
	Subscriber
}
