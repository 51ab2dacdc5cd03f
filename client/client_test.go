package client_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/brokerrpc/client"
	"github.com/flowmesh/brokerrpc/interfaces/contextmarshaller"
	"github.com/flowmesh/brokerrpc/internal/testlogger"
	"github.com/flowmesh/brokerrpc/pkg/metadata"
	"github.com/flowmesh/brokerrpc/pubsub"
	events_memory "github.com/flowmesh/brokerrpc/pubsub/memory"
	rpc_memory "github.com/flowmesh/brokerrpc/rpc/memory"
)

func TestClient_RequiresRPC(t *testing.T) {
	_, err := client.NewClient(client.Config{})
	require.Error(t, err)
}

func TestClient_ContextTravelsWithCall(t *testing.T) {
	r := rpc_memory.New(5 * time.Second)
	defer r.Close()

	cm := contextmarshaller.DefaultCtxMarshaller{}
	_, err := r.Listen(func(method string, ctxData []byte, args map[string]interface{}) (interface{}, error) {
		callCtx, cancel, err := cm.Unmarshal(ctxData)
		if err != nil {
			return nil, err
		}
		defer cancel()
		user, _ := metadata.Get(callCtx, "user")
		return user, nil
	})
	require.NoError(t, err)

	c, err := client.NewClient(client.Config{RPC: r, Logger: testlogger.New(t)})
	require.NoError(t, err)

	ctx := metadata.Set(context.Background(), "user", "alice")
	res, err := c.SyncCall(ctx, "whoami", nil)
	require.NoError(t, err)
	require.Equal(t, "alice", res)
}

func TestClient_EmitsCompletedEvent(t *testing.T) {
	r := rpc_memory.New(5 * time.Second)
	defer r.Close()
	_, err := r.Listen(func(method string, ctxData []byte, args map[string]interface{}) (interface{}, error) {
		return "ok", nil
	})
	require.NoError(t, err)

	events := events_memory.New()
	got := make(chan []byte, 1)
	_, err = events.Subscribe("rpc", pubsub.EventCompleted, func(event []byte) error {
		got <- event
		return nil
	})
	require.NoError(t, err)

	c, err := client.NewClient(client.Config{RPC: r, Events: events, Logger: testlogger.New(t)})
	require.NoError(t, err)

	_, err = c.SyncCall(context.Background(), "ping", nil)
	require.NoError(t, err)

	select {
	case data := <-got:
		ev := struct {
			Method string `json:"method"`
		}{}
		require.NoError(t, json.Unmarshal(data, &ev))
		require.Equal(t, "ping", ev.Method)
	case <-time.After(2 * time.Second):
		t.Fatal("no completed event published")
	}
}

func TestClient_SyncCallEmitsPublishedEvent(t *testing.T) {
	r := rpc_memory.New(5 * time.Second)
	defer r.Close()
	_, err := r.Listen(func(method string, ctxData []byte, args map[string]interface{}) (interface{}, error) {
		return "ok", nil
	})
	require.NoError(t, err)

	events := events_memory.New()
	published := make(chan []byte, 1)
	_, err = events.Subscribe("rpc", pubsub.EventPublished, func(event []byte) error {
		published <- event
		return nil
	})
	require.NoError(t, err)

	c, err := client.NewClient(client.Config{RPC: r, Events: events, Logger: testlogger.New(t)})
	require.NoError(t, err)

	_, err = c.SyncCall(context.Background(), "ping", nil)
	require.NoError(t, err)

	select {
	case data := <-published:
		ev := struct {
			Method string `json:"method"`
		}{}
		require.NoError(t, json.Unmarshal(data, &ev))
		require.Equal(t, "ping", ev.Method)
	case <-time.After(2 * time.Second):
		t.Fatal("no published event on the sync path")
	}
}

func TestClient_EmitsTimedOutEvent(t *testing.T) {
	r := rpc_memory.New(200 * time.Millisecond)
	defer r.Close()

	events := events_memory.New()
	got := make(chan []byte, 1)
	_, err := events.Subscribe("rpc", pubsub.EventTimedOut, func(event []byte) error {
		got <- event
		return nil
	})
	require.NoError(t, err)
	published := make(chan []byte, 1)
	_, err = events.Subscribe("rpc", pubsub.EventPublished, func(event []byte) error {
		published <- event
		return nil
	})
	require.NoError(t, err)

	c, err := client.NewClient(client.Config{RPC: r, Events: events, Logger: testlogger.New(t)})
	require.NoError(t, err)

	_, err = c.SyncCall(context.Background(), "ping", nil)
	require.Error(t, err)

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("no timed-out event published")
	}
	// the request did reach the broker, so published is reported too
	select {
	case <-published:
	case <-time.After(2 * time.Second):
		t.Fatal("no published event for the timed-out call")
	}
}

func TestClient_AsyncCallReturnsImmediately(t *testing.T) {
	r := rpc_memory.New(5 * time.Second)
	defer r.Close()

	c, err := client.NewClient(client.Config{RPC: r, Logger: testlogger.New(t)})
	require.NoError(t, err)

	started := time.Now()
	require.NoError(t, c.AsyncCall(context.Background(), "fire", nil))
	require.Less(t, time.Since(started), 100*time.Millisecond)
}
