package memory

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/brokerrpc/rpc"
)

func sumHandler(method string, ctx []byte, args map[string]interface{}) (interface{}, error) {
	if method != "add" {
		return nil, &rpc.RemoteError{Kind: "MethodNotFound", Message: method}
	}
	a, _ := args["a"].(float64)
	b, _ := args["b"].(float64)
	return a + b, nil
}

func TestMemoryRpc_SyncCallNoCrossDelivery(t *testing.T) {
	r := New(5 * time.Second)
	defer r.Close()
	_, err := r.Listen(sumHandler)
	require.NoError(t, err)

	wg := sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		res, err := r.SyncCall(nil, "add", map[string]interface{}{"a": float64(1), "b": float64(2)})
		require.NoError(t, err)
		require.Equal(t, float64(3), res)
	}()
	go func() {
		defer wg.Done()
		res, err := r.SyncCall(nil, "add", map[string]interface{}{"a": float64(10), "b": float64(20)})
		require.NoError(t, err)
		require.Equal(t, float64(30), res)
	}()
	wg.Wait()
	require.Equal(t, 0, r.Pending())
}

func TestMemoryRpc_ManyConcurrentCalls(t *testing.T) {
	r := New(10 * time.Second)
	defer r.Close()
	_, err := r.Listen(func(method string, ctx []byte, args map[string]interface{}) (interface{}, error) {
		return args["payload"], nil
	})
	require.NoError(t, err)

	wg := sync.WaitGroup{}
	for i := 0; i < 100; i++ {
		wg.Add(1)
		payload := fmt.Sprintf("payload-%d", i)
		go func(payload string) {
			defer wg.Done()
			res, err := r.SyncCall(nil, "echo", map[string]interface{}{"payload": payload})
			require.NoError(t, err)
			require.Equal(t, payload, res)
		}(payload)
	}
	wg.Wait()
	require.Equal(t, 0, r.Pending())
}

func TestMemoryRpc_RemoteErrorKindPreserved(t *testing.T) {
	r := New(5 * time.Second)
	defer r.Close()
	_, err := r.Listen(func(method string, ctx []byte, args map[string]interface{}) (interface{}, error) {
		return nil, &rpc.RemoteError{Kind: "ValueError", Message: "bad arg"}
	})
	require.NoError(t, err)

	res, err := r.SyncCall(nil, "validate", nil)
	require.Nil(t, res)
	require.Error(t, err)
	re, ok := err.(*rpc.RemoteError)
	require.True(t, ok)
	require.Equal(t, "ValueError", re.Kind)
	require.Equal(t, "bad arg", re.Message)
	require.False(t, rpc.IsTimeout(err))
	require.Equal(t, 0, r.Pending())
}

func TestMemoryRpc_TimeoutWithoutDispatcher(t *testing.T) {
	r := New(1 * time.Second)
	defer r.Close()

	started := time.Now()
	_, err := r.SyncCall(nil, "add", map[string]interface{}{"a": float64(1)})
	elapsed := time.Since(started)
	require.Error(t, err)
	require.True(t, rpc.IsTimeout(err))
	require.GreaterOrEqual(t, elapsed, 900*time.Millisecond)
	require.Less(t, elapsed, 3*time.Second)
	require.Equal(t, 0, r.Pending())
}

func TestMemoryRpc_AsyncCallNeverBlocks(t *testing.T) {
	r := New(5 * time.Second)
	defer r.Close()

	received := make(chan string, 1)
	_, err := r.Listen(func(method string, ctx []byte, args map[string]interface{}) (interface{}, error) {
		time.Sleep(200 * time.Millisecond)
		received <- method
		return "ignored", nil
	})
	require.NoError(t, err)

	started := time.Now()
	require.NoError(t, r.AsyncCall(nil, "fire", nil))
	require.Less(t, time.Since(started), 100*time.Millisecond)
	require.Equal(t, 0, r.Pending())

	select {
	case m := <-received:
		require.Equal(t, "fire", m)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher never saw the async request")
	}
}

func TestMemoryRpc_StrayAndMalformedRepliesIgnored(t *testing.T) {
	r := New(5 * time.Second)
	defer r.Close()
	_, err := r.Listen(sumHandler)
	require.NoError(t, err)

	// a reply for a correlation id nobody waits on, and plain garbage
	stray, err := r.codec.EncodeResponse(rpc.NewResponse("ghost-id", "orphan", nil))
	require.NoError(t, err)
	r.replies <- delivery{correlationID: "ghost-id", body: stray}
	r.replies <- delivery{body: []byte("garbage, not an envelope")}

	res, err := r.SyncCall(nil, "add", map[string]interface{}{"a": float64(2), "b": float64(2)})
	require.NoError(t, err)
	require.Equal(t, float64(4), res)
	require.Equal(t, 0, r.Pending())
}

func TestMemoryRpc_CloseStopsListeners(t *testing.T) {
	r := New(time.Second)
	cancel, err := r.Listen(sumHandler)
	require.NoError(t, err)
	cancel()
	r.Close()
	r.Close()
}
