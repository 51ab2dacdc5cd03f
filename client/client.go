package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowmesh/brokerrpc/interfaces/contextmarshaller"
	"github.com/flowmesh/brokerrpc/interfaces/logger"
	"github.com/flowmesh/brokerrpc/pubsub"
	"github.com/flowmesh/brokerrpc/rpc"
)

type Config struct {
	RPC               rpc.RPC
	ContextMarshaller contextmarshaller.ContextMarshaller
	Logger            logger.Logger
	// Events, when set, receives one call-lifecycle event per finished
	// invocation under Namespace.
	Events    pubsub.Publisher
	Namespace string
}

// Client is what the orchestration engine talks to: it serializes the
// caller's context into the request envelope, delegates to the transport
// and reports call outcomes.
type Client struct {
	config Config
}

func NewClient(config Config) (*Client, error) {
	if config.RPC == nil {
		return nil, fmt.Errorf("rpc must be set")
	}
	if config.ContextMarshaller == nil {
		config.ContextMarshaller = &contextmarshaller.DefaultCtxMarshaller{}
	}
	if config.Logger == nil {
		config.Logger = &logger.DefaultLogger{}
	}
	if config.Namespace == "" {
		config.Namespace = "rpc"
	}
	return &Client{config: config}, nil
}

// SyncCall invokes method remotely and blocks for its result. The returned
// error is either the remote-reported error, a timeout, or a publish
// failure; none of them is retried here.
func (c *Client) SyncCall(ctx context.Context, method string, args map[string]interface{}) (interface{}, error) {
	ctxData, err := c.config.ContextMarshaller.Marshal(ctx)
	if err != nil {
		return nil, err
	}
	started := time.Now()
	result, err := c.config.RPC.SyncCall(ctxData, method, args)
	if err != nil {
		c.config.Logger.Error(err, "sync call failed", c.config.Namespace, method, "")
	}
	if requestPublished(err) {
		c.publishEvent(pubsub.EventPublished, method, started, "")
	}
	c.emit(method, started, err)
	return result, err
}

// requestPublished reports whether the request made it onto the broker.
// A timeout or a remote error both mean the publish itself succeeded.
func requestPublished(err error) bool {
	if err == nil || rpc.IsTimeout(err) {
		return true
	}
	_, remote := err.(*rpc.RemoteError)
	return remote
}

// AsyncCall publishes method fire-and-forget. Remote outcomes are
// unobservable by design.
func (c *Client) AsyncCall(ctx context.Context, method string, args map[string]interface{}) error {
	ctxData, err := c.config.ContextMarshaller.Marshal(ctx)
	if err != nil {
		return err
	}
	started := time.Now()
	err = c.config.RPC.AsyncCall(ctxData, method, args)
	if err != nil {
		c.config.Logger.Error(err, "async call failed", c.config.Namespace, method, "")
		c.emit(method, started, err)
		return err
	}
	c.publishEvent(pubsub.EventPublished, method, started, "")
	return nil
}

func (c *Client) emit(method string, started time.Time, err error) {
	switch {
	case err == nil:
		c.publishEvent(pubsub.EventCompleted, method, started, "")
	case rpc.IsTimeout(err):
		c.publishEvent(pubsub.EventTimedOut, method, started, err.Error())
	default:
		c.publishEvent(pubsub.EventFailed, method, started, err.Error())
	}
}

type callEvent struct {
	Method    string `json:"method"`
	ElapsedMs int64  `json:"elapsed_ms"`
	Error     string `json:"error,omitempty"`
}

func (c *Client) publishEvent(eventName, method string, started time.Time, errText string) {
	if c.config.Events == nil {
		return
	}
	data, err := json.Marshal(callEvent{
		Method:    method,
		ElapsedMs: time.Since(started).Milliseconds(),
		Error:     errText,
	})
	if err != nil {
		return
	}
	if err := c.config.Events.Publish(c.config.Namespace, eventName, data); err != nil {
		c.config.Logger.Error(err, "publish call event", c.config.Namespace, method, eventName)
	}
}

func (c *Client) GetConfig() Config {
	return c.config
}
