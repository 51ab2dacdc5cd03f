package memory

import (
	"sync"

	"github.com/flowmesh/brokerrpc/pubsub"
)

type subscribers struct {
	lastEl    int64
	callbacks map[int64]func(event []byte) error
	sync.Mutex
}

type Events struct {
	subscribeMap   map[string]map[string]*subscribers
	subscribeMutex sync.Mutex
}

func New() (inst *Events) {
	return &Events{
		subscribeMap: map[string]map[string]*subscribers{},
	}
}

func (r *Events) Close() {
}

func (r *Events) initSubscribeMap(namespace string, eventName string) {
	if _, ok := r.subscribeMap[namespace]; !ok {
		r.subscribeMap[namespace] = map[string]*subscribers{}
	}
	if _, ok := r.subscribeMap[namespace][eventName]; !ok {
		r.subscribeMap[namespace][eventName] = &subscribers{callbacks: map[int64]func(event []byte) error{}}
	}
}

func (r *Events) Publish(namespace string, eventName string, eventData []byte) (err error) {
	r.subscribeMutex.Lock()
	r.initSubscribeMap(namespace, eventName)
	el := r.subscribeMap[namespace][eventName]
	r.subscribeMutex.Unlock()

	el.Lock()
	for _, cb := range el.callbacks {
		// Need new variable cause callback will be run in go routine
		f := cb
		go f(eventData)
	}
	el.Unlock()
	return
}

func (r *Events) Unsubscribe(namespace string, eventName string) {
	r.subscribeMutex.Lock()
	defer r.subscribeMutex.Unlock()

	el, ok := r.subscribeMap[namespace][eventName]
	if !ok {
		return
	}
	el.Lock()
	el.callbacks = map[int64]func(event []byte) error{}
	delete(r.subscribeMap[namespace], eventName)
	el.Unlock()
}

func (r *Events) Subscribe(namespace string, eventName string, callback func(event []byte) error) (cancel pubsub.CancelFunc, err error) {
	r.subscribeMutex.Lock()
	defer r.subscribeMutex.Unlock()
	r.initSubscribeMap(namespace, eventName)
	el := r.subscribeMap[namespace][eventName]
	i := el.lastEl
	el.lastEl++
	el.callbacks[i] = callback

	return func() {
		r.subscribeMutex.Lock()
		defer r.subscribeMutex.Unlock()
		el.Lock()
		delete(el.callbacks, i)
		if len(el.callbacks) == 0 {
			delete(r.subscribeMap[namespace], eventName)
		}
		el.Unlock()
	}, nil
}
