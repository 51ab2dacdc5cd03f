package rpc

import (
	"context"
)

// Do not call any of this methods directly from application code.
// Methods must be wrapped inside the orchestration client/dispatcher.

// Caller issues remote calls over a broker transport. The context argument
// is the marshalled caller context, carried opaquely to the remote side.
type Caller interface {
	// SyncCall publishes a request and blocks until the correlated
	// response arrives or the transport's timeout elapses.
	SyncCall(ctx []byte, method string, args map[string]interface{}) (result interface{}, err error)

	// AsyncCall publishes a fire-and-forget request. Only publish
	// failures are observable; the remote outcome is not.
	AsyncCall(ctx []byte, method string, args map[string]interface{}) error
}

// Handler executes one remote method on the dispatcher side.
type Handler func(method string, ctx []byte, args map[string]interface{}) (result interface{}, err error)

type Listener interface {
	Listen(onListen Handler) (context.CancelFunc, error)
}

// RPC is the common contract every broker transport implements.
type RPC interface {
	Caller
	Listener
	Close()
}
