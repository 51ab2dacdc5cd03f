package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/flowmesh/brokerrpc/interfaces/logger"
	"github.com/flowmesh/brokerrpc/rpc"
)

// RPCTransport is an in-process broker with the same envelope, correlation
// and reply-queue semantics as the real transports. Requests and replies
// cross channel boundaries as encoded bytes so the full codec/listener path
// is exercised.
type RPCTransport struct {
	id      uuid.UUID
	timeout time.Duration
	codec   rpc.Codec
	logger  logger.Logger

	requests chan delivery
	replies  chan delivery
	calls    *rpc.Calls

	cancelfuncs []context.CancelFunc
	mutex       sync.Mutex
	closed      chan struct{}
	closeOnce   sync.Once
}

type delivery struct {
	correlationID string
	replyTo       string
	body          []byte
}

func New(timeout time.Duration) *RPCTransport {
	inst := &RPCTransport{
		id:       uuid.New(),
		timeout:  timeout,
		codec:    rpc.JSONCodec{},
		logger:   &logger.DefaultLogger{},
		requests: make(chan delivery, 10000),
		replies:  make(chan delivery, 10000),
		calls:    rpc.NewCalls(),
		closed:   make(chan struct{}),
	}
	go inst.listenResponses()
	return inst
}

func (r *RPCTransport) GetRPCAddress() string {
	return "memory://" + r.id.String()
}

func (r *RPCTransport) listenResponses() {
	for {
		select {
		case <-r.closed:
			return
		case msg := <-r.replies:
			resp, err := r.codec.DecodeResponse(msg.body)
			if err != nil {
				r.logger.Error(err, "dropped undecodable response", r.GetRPCAddress(), "", string(msg.body))
				continue
			}
			id := msg.correlationID
			if id == "" {
				id = resp.CorrelationID
			}
			if !r.calls.Fulfil(id, resp) {
				r.logger.Debug("dropped unmatched response "+id, r.GetRPCAddress(), "")
			}
		}
	}
}

func (r *RPCTransport) SyncCall(ctx []byte, method string, args map[string]interface{}) (interface{}, error) {
	return r.call(ctx, method, args, false)
}

func (r *RPCTransport) AsyncCall(ctx []byte, method string, args map[string]interface{}) error {
	_, err := r.call(ctx, method, args, true)
	return err
}

func (r *RPCTransport) call(ctx []byte, method string, args map[string]interface{}, async bool) (interface{}, error) {
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
	if !async {
		r.calls.Add(correlationID)
		defer r.calls.Remove(correlationID)
	}

	// if queue is full - drop request and return ResourceExhausted status.
	select {
	case r.requests <- delivery{correlationID: correlationID, replyTo: r.id.String(), body: body}:
	default:
		return nil, status.New(codes.ResourceExhausted, "queue is full").Err()
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

func (r *RPCTransport) Listen(onListen rpc.Handler) (context.CancelFunc, error) {
	ctx, cancel := context.WithCancel(context.Background())

	r.mutex.Lock()
	r.cancelfuncs = append(r.cancelfuncs, cancel)
	r.mutex.Unlock()

	go func() {
		for {
			select {
			case msg := <-r.requests:
				req, err := r.codec.DecodeRequest(msg.body)
				if err != nil {
					r.logger.Error(err, "dropped undecodable request", r.GetRPCAddress(), "", string(msg.body))
					continue
				}
				go r.dispatch(msg, req, onListen)
			case <-ctx.Done():
				return
			}
		}
	}()

	return cancel, nil
}

func (r *RPCTransport) dispatch(msg delivery, req *rpc.Request, onListen rpc.Handler) {
	result, err := onListen(req.Method, req.Context, req.Arguments)
	if req.Async {
		return
	}
	body, encErr := r.codec.EncodeResponse(rpc.NewResponse(msg.correlationID, result, err))
	if encErr != nil {
		r.logger.Error(encErr, "encode response", r.GetRPCAddress(), req.Method, "")
		return
	}
	select {
	case r.replies <- delivery{correlationID: msg.correlationID, body: body}:
	case <-r.closed:
	}
}

func (r *RPCTransport) Pending() int {
	return r.calls.Pending()
}

func (r *RPCTransport) Close() {
	r.closeOnce.Do(func() {
		close(r.closed)
		r.mutex.Lock()
		for _, cancelfunc := range r.cancelfuncs {
			cancelfunc()
		}
		r.cancelfuncs = nil
		r.mutex.Unlock()
	})
}
