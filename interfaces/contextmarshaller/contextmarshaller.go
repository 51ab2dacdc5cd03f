package contextmarshaller

import "context"

// ContextMarshaller moves call metadata across the wire: Marshal on the
// caller side, Unmarshal inside the dispatcher before the handler runs.
type ContextMarshaller interface {
	Marshal(ctx context.Context) ([]byte, error)
	Unmarshal([]byte) (context.Context, context.CancelFunc, error)
}
