package redis

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mediocregopher/radix/v3"

	"github.com/flowmesh/brokerrpc/interfaces/logger"
	"github.com/flowmesh/brokerrpc/rpc"
)

// Rpc carries the call/response protocol over redis: requests travel
// through a list per topic with a pubsub wake-up channel, replies come back
// on a private pubsub channel named after the client, matched by
// correlation id. Redis has no message properties, so the correlation id
// and reply address ride in a thin wrapper around the encoded envelope.
type Rpc struct {
	pool      *radix.Pool
	pubsub    radix.PubSubConn
	timeout   time.Duration
	topic     string
	queueName string
	codec     rpc.Codec
	logger    logger.Logger
	calls     *rpc.Calls
	msgCh     chan radix.PubSubMessage

	cancelfuncs []context.CancelFunc
	mutex       sync.Mutex
	closed      chan struct{}
	closeOnce   sync.Once
}

type requestMsg struct {
	CorrelationID string `json:"correlation_id"`
	ReplyTo       string `json:"reply_to"`
	Body          []byte `json:"body"`
}

func New(network, addr, topic string, poolsize int, timeout time.Duration) (inst *Rpc, err error) {
	inst = &Rpc{
		timeout: timeout,
		topic:   topic,
		codec:   rpc.JSONCodec{},
		logger:  &logger.DefaultLogger{},
		calls:   rpc.NewCalls(),
		closed:  make(chan struct{}),
	}
	inst.pool, err = radix.NewPool(network, addr, poolsize)
	if err != nil {
		return nil, err
	}
	inst.pubsub, err = radix.PersistentPubSubWithOpts(network, addr)
	if err != nil {
		inst.pool.Close()
		return nil, err
	}
	inst.queueName = uuid.New().String()
	inst.msgCh = make(chan radix.PubSubMessage, 10000)
	if err = inst.pubsub.Subscribe(inst.msgCh, inst.queueName); err != nil {
		inst.pubsub.Close()
		inst.pool.Close()
		return nil, err
	}
	go inst.listenResponses()
	return inst, nil
}

func (r *Rpc) listenResponses() {
	for {
		select {
		case <-r.closed:
			return
		case msg := <-r.msgCh:
			resp, err := r.codec.DecodeResponse(msg.Message)
			if err != nil {
				r.logger.Error(err, "dropped undecodable response", r.topic, "", string(msg.Message))
				continue
			}
			if !r.calls.Fulfil(resp.CorrelationID, resp) {
				r.logger.Debug("dropped unmatched response "+resp.CorrelationID, r.topic, "")
			}
		}
	}
}

func (r *Rpc) SyncCall(ctx []byte, method string, args map[string]interface{}) (interface{}, error) {
	return r.call(ctx, method, args, false)
}

func (r *Rpc) AsyncCall(ctx []byte, method string, args map[string]interface{}) error {
	_, err := r.call(ctx, method, args, true)
	return err
}

func (r *Rpc) call(ctx []byte, method string, args map[string]interface{}, async bool) (interface{}, error) {
	body, err := r.codec.EncodeRequest(&rpc.Request{
		Context:   ctx,
		Method:    method,
		Arguments: args,
		Async:     async,
	})
	if err != nil {
		return nil, err
	}
	correlationID := uuid.New().String()
	wrapped, err := json.Marshal(requestMsg{
		CorrelationID: correlationID,
		ReplyTo:       r.queueName,
		Body:          body,
	})
	if err != nil {
		return nil, err
	}

	if !async {
		r.calls.Add(correlationID)
		defer r.calls.Remove(correlationID)
	}

	if err = r.pool.Do(radix.FlatCmd(nil, "RPUSH", r.topic+":queue", wrapped)); err != nil {
		return nil, err
	}
	if err = r.pool.Do(radix.Cmd(nil, "PUBLISH", r.topic+":wake", "1")); err != nil {
		return nil, err
	}
	if async {
		return nil, nil
	}

	resp, err := r.calls.Wait(correlationID, r.timeout)
	if err != nil {
		return nil, err
	}
	if resp.Kind == rpc.KindError {
		return nil, resp.RemoteError()
	}
	return resp.Result, nil
}

func (r *Rpc) Listen(onListen rpc.Handler) (context.CancelFunc, error) {
	ctx, cancel := context.WithCancel(context.Background())
	wakeCh := make(chan radix.PubSubMessage, 10000)
	if err := r.pubsub.Subscribe(wakeCh, r.topic+":wake"); err != nil {
		cancel()
		return nil, err
	}

	r.mutex.Lock()
	r.cancelfuncs = append(r.cancelfuncs, cancel)
	r.mutex.Unlock()

	go func() {
		defer r.pubsub.Unsubscribe(wakeCh, r.topic+":wake")
		for {
			var raw []byte
			err := r.pool.Do(radix.Cmd(&raw, "LPOP", r.topic+":queue"))
			if err != nil && err != io.EOF {
				r.logger.Error(err, "pop request", r.topic, "", "")
			}
			if len(raw) > 0 {
				r.handleRequest(raw, onListen)
				continue
			}
			// queue drained, block until the next publish wakes us
			select {
			case <-ctx.Done():
				return
			case <-r.closed:
				return
			case <-wakeCh:
			}
		}
	}()
	return cancel, nil
}

func (r *Rpc) handleRequest(raw []byte, onListen rpc.Handler) {
	wrapped := requestMsg{}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		r.logger.Error(err, "dropped undecodable request", r.topic, "", string(raw))
		return
	}
	req, err := r.codec.DecodeRequest(wrapped.Body)
	if err != nil {
		r.logger.Error(err, "dropped undecodable request", r.topic, "", string(wrapped.Body))
		return
	}
	go func() {
		result, err := onListen(req.Method, req.Context, req.Arguments)
		if req.Async || wrapped.ReplyTo == "" {
			return
		}
		body, encErr := r.codec.EncodeResponse(rpc.NewResponse(wrapped.CorrelationID, result, err))
		if encErr != nil {
			r.logger.Error(encErr, "encode response", r.topic, req.Method, "")
			return
		}
		if pubErr := r.pool.Do(radix.FlatCmd(nil, "PUBLISH", wrapped.ReplyTo, body)); pubErr != nil {
			r.logger.Error(pubErr, "publish response", r.topic, req.Method, "")
		}
	}()
}

func (r *Rpc) Pending() int {
	return r.calls.Pending()
}

func (r *Rpc) GetRPCAddress() string {
	return "redis://" + r.queueName
}

func (r *Rpc) Close() {
	r.closeOnce.Do(func() {
		close(r.closed)
		r.mutex.Lock()
		for _, cancelfunc := range r.cancelfuncs {
			cancelfunc()
		}
		r.cancelfuncs = nil
		r.mutex.Unlock()
		_ = r.pubsub.Unsubscribe(r.msgCh, r.queueName)
		r.pubsub.Close()
		r.pool.Close()
	})
}
