package amqp

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/flowmesh/brokerrpc/interfaces/logger"
	"github.com/flowmesh/brokerrpc/rpc"
)

// Config is the broker-facing surface of one client. Zero values fall back
// to the usual RabbitMQ defaults.
type Config struct {
	Host        string
	Port        int
	User        string
	Password    string
	VirtualHost string

	// Exchange is the request exchange. Empty means the broker's default
	// exchange, which routes by queue name without an explicit binding.
	Exchange string
	// Topic is the routing key requests are published under; the remote
	// dispatcher consumes the queue of the same name.
	Topic string

	DurableQueue bool
	AutoDelete   bool

	// Timeout bounds every synchronous call.
	Timeout time.Duration
	// Producers bounds the number of concurrent in-flight publishes.
	Producers int

	Codec  rpc.Codec
	Logger logger.Logger
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 5672
	}
	if c.User == "" {
		c.User = "guest"
	}
	if c.Password == "" {
		c.Password = "guest"
	}
	if c.VirtualHost == "" {
		c.VirtualHost = "/"
	}
	if c.Topic == "" {
		c.Topic = "workflow"
	}
	if c.Timeout == 0 {
		c.Timeout = 60 * time.Second
	}
	if c.Producers == 0 {
		c.Producers = 8
	}
	if c.Codec == nil {
		c.Codec = rpc.JSONCodec{}
	}
	if c.Logger == nil {
		c.Logger = &logger.DefaultLogger{}
	}
	return c
}

func (c Config) uri() string {
	vhost := c.VirtualHost
	if vhost != "/" {
		vhost = "/" + vhost
	}
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   vhost,
	}
	return u.String()
}

// Rpc is an RPC client over one shared RabbitMQ connection. Each instance
// owns a private exclusive reply queue bound under its own generated name,
// a single background consumer routing replies by correlation id, and a
// bounded pool of publish channels.
type Rpc struct {
	cfg       Config
	conn      *amqp091.Connection
	consumeCh *amqp091.Channel
	producers chan *amqp091.Channel
	queueName string
	calls     *rpc.Calls

	closed    chan struct{}
	closeOnce sync.Once
}

func New(cfg Config) (*Rpc, error) {
	cfg = cfg.withDefaults()
	conn, err := amqp091.Dial(cfg.uri())
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	r := &Rpc{
		cfg:    cfg,
		conn:   conn,
		calls:  rpc.NewCalls(),
		closed: make(chan struct{}),
	}
	if err := r.setup(); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Rpc) setup() (err error) {
	r.consumeCh, err = r.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}

	if r.cfg.Exchange != "" {
		err = r.consumeCh.ExchangeDeclare(
			r.cfg.Exchange, "direct", r.cfg.DurableQueue, r.cfg.AutoDelete,
			false, false, nil,
		)
		if err != nil {
			return fmt.Errorf("declare exchange %q: %w", r.cfg.Exchange, err)
		}
	}

	// The reply queue exists only for this instance's lifetime. Its name
	// doubles as the routing key remote dispatchers answer to.
	r.queueName = uuid.New().String()
	q, err := r.consumeCh.QueueDeclare(r.queueName, false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("declare reply queue: %w", err)
	}
	if r.cfg.Exchange != "" {
		if err = r.consumeCh.QueueBind(q.Name, q.Name, r.cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind reply queue: %w", err)
		}
	}
	deliveries, err := r.consumeCh.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume reply queue: %w", err)
	}
	go r.listenResponses(deliveries)

	r.producers = make(chan *amqp091.Channel, r.cfg.Producers)
	for i := 0; i < r.cfg.Producers; i++ {
		ch, err := r.conn.Channel()
		if err != nil {
			return fmt.Errorf("open producer channel: %w", err)
		}
		r.producers <- ch
	}
	return nil
}

// listenResponses is the single background loop demultiplexing replies.
// Nothing in here may end the loop except the broker closing the queue.
func (r *Rpc) listenResponses(deliveries <-chan amqp091.Delivery) {
	for msg := range deliveries {
		resp, err := r.cfg.Codec.DecodeResponse(msg.Body)
		if err != nil {
			r.cfg.Logger.Error(err, "dropped undecodable response", r.cfg.Topic, "", string(msg.Body))
			continue
		}
		id := msg.CorrelationId
		if id == "" {
			id = resp.CorrelationID
		}
		if !r.calls.Fulfil(id, resp) {
			// Late reply after a timeout, or an answer to an async
			// call. Dropping it is the contract.
			r.cfg.Logger.Debug("dropped unmatched response "+id, r.cfg.Topic, "")
		}
	}
}

func (r *Rpc) acquireProducer() (*amqp091.Channel, error) {
	select {
	case ch := <-r.producers:
		return ch, nil
	case <-r.closed:
		return nil, rpc.ErrClosed()
	}
}

func (r *Rpc) releaseProducer(ch *amqp091.Channel) {
	select {
	case r.producers <- ch:
	case <-r.closed:
		ch.Close()
	}
}

func (r *Rpc) publish(routingKey, correlationID string, body []byte) error {
	producer, err := r.acquireProducer()
	if err != nil {
		return err
	}
	defer r.releaseProducer(producer)

	err = producer.Publish(r.cfg.Exchange, routingKey, false, false, amqp091.Publishing{
		ContentType:   "application/json",
		CorrelationId: correlationID,
		ReplyTo:       r.queueName,
		DeliveryMode:  amqp091.Persistent,
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("publish request: %w", err)
	}
	return nil
}

// SyncCall publishes one request and blocks until its correlated response
// arrives or the configured timeout elapses. The pending slot is registered
// before publishing and removed on every exit path.
func (r *Rpc) SyncCall(ctx []byte, method string, args map[string]interface{}) (interface{}, error) {
	return r.call(ctx, method, args, false)
}

// AsyncCall publishes a fire-and-forget request. A reply the remote side
// still sends is dropped by the listener.
func (r *Rpc) AsyncCall(ctx []byte, method string, args map[string]interface{}) error {
	_, err := r.call(ctx, method, args, true)
	return err
}

func (r *Rpc) call(ctx []byte, method string, args map[string]interface{}, async bool) (interface{}, error) {
	body, err := r.cfg.Codec.EncodeRequest(&rpc.Request{
		Context:   ctx,
		Method:    method,
		Arguments: args,
		Async:     async,
	})
	if err != nil {
		return nil, err
	}

	correlationID := uuid.New().String()
	if !async {
		r.calls.Add(correlationID)
		defer r.calls.Remove(correlationID)
	}

	if err := r.publish(r.cfg.Topic, correlationID, body); err != nil {
		return nil, err
	}
	if async {
		return nil, nil
	}

	resp, err := r.calls.Wait(correlationID, r.cfg.Timeout)
	if err != nil {
		return nil, err
	}
	if resp.Kind == rpc.KindError {
		return nil, resp.RemoteError()
	}
	return resp.Result, nil
}

// Close releases the consumer, the producer pool and the connection.
func (r *Rpc) Close() {
	r.closeOnce.Do(func() {
		close(r.closed)
		if r.producers != nil {
			for {
				select {
				case ch := <-r.producers:
					ch.Close()
					continue
				default:
				}
				break
			}
		}
		if r.consumeCh != nil {
			r.consumeCh.Close()
		}
		r.conn.Close()
	})
}

// Pending reports outstanding synchronous calls. Used by tests to check
// nothing leaks after timeouts.
func (r *Rpc) Pending() int {
	return r.calls.Pending()
}

func (r *Rpc) GetRPCAddress() string {
	return fmt.Sprintf("amqp://%s", r.queueName)
}

// Listen runs the dispatcher side: consume the topic queue, execute each
// request, and answer sync requests on their reply_to routing key with the
// received correlation id. Async requests get no reply.
func (r *Rpc) Listen(onListen rpc.Handler) (context.CancelFunc, error) {
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	q, err := ch.QueueDeclare(r.cfg.Topic, r.cfg.DurableQueue, r.cfg.AutoDelete, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare topic queue: %w", err)
	}
	if r.cfg.Exchange != "" {
		if err = ch.QueueBind(q.Name, r.cfg.Topic, r.cfg.Exchange, false, nil); err != nil {
			ch.Close()
			return nil, fmt.Errorf("bind topic queue: %w", err)
		}
	}
	deliveries, err := ch.Consume(q.Name, "", true, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("consume topic queue: %w", err)
	}

	go func() {
		for msg := range deliveries {
			req, err := r.cfg.Codec.DecodeRequest(msg.Body)
			if err != nil {
				r.cfg.Logger.Error(err, "dropped undecodable request", r.cfg.Topic, "", string(msg.Body))
				continue
			}
			go r.dispatch(msg.ReplyTo, msg.CorrelationId, req, onListen)
		}
	}()

	return func() { ch.Close() }, nil
}

func (r *Rpc) dispatch(replyTo, correlationID string, req *rpc.Request, onListen rpc.Handler) {
	result, err := onListen(req.Method, req.Context, req.Arguments)
	if req.Async || replyTo == "" {
		return
	}
	body, encErr := r.cfg.Codec.EncodeResponse(rpc.NewResponse(correlationID, result, err))
	if encErr != nil {
		r.cfg.Logger.Error(encErr, "encode response", r.cfg.Topic, req.Method, "")
		return
	}

	producer, perr := r.acquireProducer()
	if perr != nil {
		r.cfg.Logger.Error(perr, "respond", r.cfg.Topic, req.Method, "")
		return
	}
	defer r.releaseProducer(producer)

	// The reply queue is bound under its own name, so reply_to is the
	// routing key whether or not a named exchange is configured.
	pubErr := producer.Publish(r.cfg.Exchange, replyTo, false, false, amqp091.Publishing{
		ContentType:   "application/json",
		CorrelationId: correlationID,
		Body:          body,
	})
	if pubErr != nil {
		r.cfg.Logger.Error(pubErr, "publish response", r.cfg.Topic, req.Method, "")
	}
}
