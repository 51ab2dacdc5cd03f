package rpc

import (
	"encoding/json"
)

// Response kinds.
const (
	KindResult = "result"
	KindError  = "error"
)

// Request is the wire envelope of one invocation.
type Request struct {
	Context   json.RawMessage        `json:"context"`
	Method    string                 `json:"method"`
	Arguments map[string]interface{} `json:"arguments"`
	Async     bool                   `json:"async"`
}

// Response is the wire envelope of one reply. CorrelationID duplicates the
// broker message property for transports that have no per-message properties.
type Response struct {
	CorrelationID string      `json:"correlation_id"`
	Kind          string      `json:"type"`
	Result        interface{} `json:"result"`
}

// NewResponse builds the reply envelope for a finished invocation.
func NewResponse(correlationID string, result interface{}, err error) *Response {
	if err == nil {
		return &Response{CorrelationID: correlationID, Kind: KindResult, Result: result}
	}
	re, ok := err.(*RemoteError)
	if !ok {
		re = &RemoteError{Message: err.Error()}
	}
	return &Response{CorrelationID: correlationID, Kind: KindError, Result: re}
}

// RemoteError reconstructs the error descriptor carried in an error reply.
func (r *Response) RemoteError() *RemoteError {
	re := &RemoteError{}
	switch v := r.Result.(type) {
	case *RemoteError:
		return v
	case map[string]interface{}:
		re.Kind, _ = v["type"].(string)
		re.Message, _ = v["message"].(string)
		re.Details, _ = v["details"].(map[string]interface{})
	case string:
		re.Message = v
	}
	if re.Kind == "" && re.Message == "" {
		re.Message = "remote call failed"
	}
	return re
}

// Codec (de)serializes envelopes. Decode failures must be reported as
// *DecodeError so listeners can drop the message instead of dying.
type Codec interface {
	EncodeRequest(req *Request) ([]byte, error)
	DecodeRequest(data []byte) (*Request, error)
	EncodeResponse(resp *Response) ([]byte, error)
	DecodeResponse(data []byte) (*Response, error)
}

type JSONCodec struct{}

func (JSONCodec) EncodeRequest(req *Request) ([]byte, error) {
	return json.Marshal(req)
}

func (JSONCodec) DecodeRequest(data []byte) (*Request, error) {
	req := Request{}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &DecodeError{Err: err}
	}
	return &req, nil
}

func (JSONCodec) EncodeResponse(resp *Response) ([]byte, error) {
	return json.Marshal(resp)
}

func (JSONCodec) DecodeResponse(data []byte) (*Response, error) {
	resp := Response{}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, &DecodeError{Err: err}
	}
	return &resp, nil
}
