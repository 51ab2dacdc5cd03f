package redis

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mediocregopher/radix/v3"

	"github.com/flowmesh/brokerrpc/pubsub"
)

type subscription struct {
	lastEl    int64
	callbacks map[int64]func(event []byte) error
	done      int32
	msgChan   chan radix.PubSubMessage
}

// Events carries call-lifecycle events over redis pubsub, one channel per
// (namespace, event) pair. Event payloads travel as-is; fan-out to multiple
// subscribers of the same pair happens client-side.
type Events struct {
	pool           *radix.Pool
	pubsub         radix.PubSubConn
	subscribeMap   map[string]map[string]*subscription
	subscribeMutex sync.Mutex
}

func New(network, addr string) (inst *Events, err error) {
	inst = &Events{
		subscribeMap: map[string]map[string]*subscription{},
	}
	inst.pubsub, err = radix.PersistentPubSubWithOpts(network, addr)
	if err != nil {
		return nil, fmt.Errorf("radix pubsub create error: %w", err)
	}
	inst.pool, err = radix.NewPool(network, addr, 8)
	if err != nil {
		inst.pubsub.Close()
		return nil, fmt.Errorf("radix pool create error: %w", err)
	}
	return
}

func (r *Events) Close() {
	r.pool.Close()
	r.pubsub.Close()
}

func (r *Events) Publish(namespace string, eventName string, eventData []byte) (err error) {
	return r.pool.Do(radix.FlatCmd(nil, "PUBLISH", namespace+":"+eventName, eventData))
}

func (r *Events) Unsubscribe(namespace string, eventName string) {
	r.subscribeMutex.Lock()
	defer r.subscribeMutex.Unlock()

	el, ok := r.subscribeMap[namespace][eventName]
	if !ok {
		return
	}
	atomic.AddInt32(&el.done, 1)
	_ = r.pubsub.Unsubscribe(el.msgChan, namespace+":"+eventName)
	delete(r.subscribeMap[namespace], eventName)
	close(el.msgChan)
}

func (r *Events) Subscribe(namespace string, eventName string, callback func(event []byte) error) (cancel pubsub.CancelFunc, err error) {
	r.subscribeMutex.Lock()
	defer r.subscribeMutex.Unlock()
	if _, ok := r.subscribeMap[namespace]; !ok {
		r.subscribeMap[namespace] = map[string]*subscription{}
	}
	el, ok := r.subscribeMap[namespace][eventName]
	if !ok {
		el = &subscription{
			callbacks: map[int64]func(event []byte) error{},
			msgChan:   make(chan radix.PubSubMessage, 10000),
		}
		r.subscribeMap[namespace][eventName] = el
	}
	i := el.lastEl
	el.lastEl++

	if len(el.callbacks) == 0 {
		// first subscriber of this pair owns the redis subscription
		if err = r.pubsub.Subscribe(el.msgChan, namespace+":"+eventName); err != nil {
			return nil, err
		}

		go func() {
			for evt := range el.msgChan {
				if atomic.LoadInt32(&el.done) != 0 {
					return
				}
				if len(evt.Message) == 0 {
					continue
				}
				r.subscribeMutex.Lock()
				for j := range el.callbacks {
					go el.callbacks[j](evt.Message)
				}
				r.subscribeMutex.Unlock()
			}
		}()
	}
	el.callbacks[i] = callback

	return func() {
		r.subscribeMutex.Lock()
		defer r.subscribeMutex.Unlock()
		delete(el.callbacks, i)
		if len(el.callbacks) == 0 {
			if cur, ok := r.subscribeMap[namespace][eventName]; ok && cur == el {
				atomic.AddInt32(&el.done, 1)
				_ = r.pubsub.Unsubscribe(el.msgChan, namespace+":"+eventName)
				delete(r.subscribeMap[namespace], eventName)
				close(el.msgChan)
			}
		}
	}, nil
}
