package kafka

import (
	"context"
	"sync"

	"github.com/Shopify/sarama"

	"github.com/flowmesh/brokerrpc/interfaces/logger"
	"github.com/flowmesh/brokerrpc/pubsub"
)

// Events publishes and consumes call-lifecycle events through Kafka.
// One topic per (namespace, event) pair, created on first publish.
type Events struct {
	consumerGroup      sarama.ConsumerGroup
	syncProducer       sarama.SyncProducer
	client             sarama.Client
	admin              sarama.ClusterAdmin
	subscribeCancelMap map[string][]*pubsub.CancelFunc
	m                  sync.Mutex
	topics             map[string]bool
	logger             logger.Logger
}

func New(config *sarama.Config, brokers []string, consumerGroup string, log logger.Logger) (*Events, error) {
	if log == nil {
		log = &logger.DefaultLogger{}
	}
	client, err := sarama.NewClient(brokers, config)
	if err != nil {
		return nil, err
	}
	cg, err := sarama.NewConsumerGroupFromClient(consumerGroup, client)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		return nil, err
	}
	admin, err := sarama.NewClusterAdminFromClient(client)
	if err != nil {
		return nil, err
	}
	return &Events{
		consumerGroup:      cg,
		client:             client,
		syncProducer:       producer,
		admin:              admin,
		subscribeCancelMap: map[string][]*pubsub.CancelFunc{},
		topics:             map[string]bool{},
		logger:             log,
	}, nil
}

func (r *Events) Close() {
	r.m.Lock()
	for _, cancels := range r.subscribeCancelMap {
		for _, cancel := range cancels {
			if cancel != nil {
				(*cancel)()
			}
		}
	}
	r.subscribeCancelMap = map[string][]*pubsub.CancelFunc{}
	r.m.Unlock()
	_ = r.syncProducer.Close()
	_ = r.consumerGroup.Close()
	_ = r.client.Close()
}

func (r *Events) ensureTopic(topic string) error {
	r.m.Lock()
	defer r.m.Unlock()
	if r.topics[topic] {
		return nil
	}
	existing, err := r.admin.ListTopics()
	if err != nil {
		return err
	}
	if _, ok := existing[topic]; !ok {
		detail := &sarama.TopicDetail{
			NumPartitions:     1,
			ReplicationFactor: 1,
			ConfigEntries:     map[string]*string{},
		}
		if err := r.admin.CreateTopic(topic, detail, false); err != nil {
			if terr, ok := err.(*sarama.TopicError); !ok || terr.Err != sarama.ErrTopicAlreadyExists {
				return err
			}
		}
	}
	r.topics[topic] = true
	return nil
}

func (r *Events) Publish(namespace string, eventName string, eventData []byte) (err error) {
	topic := namespace + "." + eventName
	if err = r.ensureTopic(topic); err != nil {
		return err
	}
	_, _, err = r.syncProducer.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(eventData),
	})
	return err
}

func (r *Events) Unsubscribe(namespace string, eventName string) {
	topic := namespace + "." + eventName
	r.m.Lock()
	for i := range r.subscribeCancelMap[topic] {
		if r.subscribeCancelMap[topic][i] != nil {
			(*r.subscribeCancelMap[topic][i])()
		}
	}
	r.subscribeCancelMap[topic] = r.subscribeCancelMap[topic][0:0]
	r.m.Unlock()
}

func (r *Events) Subscribe(namespace string, eventName string, callback func(event []byte) error) (cancel pubsub.CancelFunc, err error) {
	topic := namespace + "." + eventName
	if err = r.ensureTopic(topic); err != nil {
		return nil, err
	}
	ctx, ctxcancel := context.WithCancel(context.Background())
	cancel = func() {
		ctxcancel()
	}
	c := consumer{
		cb:    callback,
		ready: make(chan bool),
	}
	go func() {
		for {
			// Consume must be re-entered after every server-side
			// rebalance until the subscription is cancelled.
			if err := r.consumerGroup.Consume(ctx, []string{topic}, &c); err != nil {
				r.logger.Error(err, "consumer group stopped", topic, "", "")
				return
			}
			if ctx.Err() != nil {
				return
			}
			c.ready = make(chan bool)
		}
	}()

	<-c.ready // Await till the consumer has been set up
	r.m.Lock()
	if r.subscribeCancelMap[topic] == nil {
		r.subscribeCancelMap[topic] = make([]*pubsub.CancelFunc, 0)
	}
	i := len(r.subscribeCancelMap[topic])
	r.subscribeCancelMap[topic] = append(r.subscribeCancelMap[topic], &cancel)
	r.m.Unlock()
	return func() {
		r.m.Lock()
		cancel()
		if i < len(r.subscribeCancelMap[topic]) && r.subscribeCancelMap[topic][i] == &cancel {
			r.subscribeCancelMap[topic][i] = nil
		}
		r.m.Unlock()
	}, nil
}

// consumer represents a Sarama consumer group consumer
type consumer struct {
	ready chan bool
	cb    func(event []byte) error
}

// Setup is run at the beginning of a new session, before ConsumeClaim
func (c *consumer) Setup(sarama.ConsumerGroupSession) error {
	close(c.ready)
	return nil
}

// Cleanup is run at the end of a session, once all ConsumeClaim goroutines have exited
func (c *consumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim must start a consumer loop of ConsumerGroupClaim's Messages().
func (c *consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		if err := c.cb(message.Value); err != nil {
			return err
		}
		session.MarkMessage(message, "")
	}
	return nil
}
