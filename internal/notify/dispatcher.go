package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Topic names a class of data change
type Topic string

const (
	TopicReadings Topic = "reading-changed"
	TopicEvents   Topic = "event-changed"
	TopicEntities Topic = "entity-changed"
)

// AllTopics lists every topic a subscriber may register for.
var AllTopics = []Topic{TopicReadings, TopicEvents, TopicEntities}

func (t Topic) Valid() bool {
	switch t {
	case TopicReadings, TopicEvents, TopicEntities:
		return true
	}
	return false
}

// Publisher accepts change notifications. Publish never blocks on subscribers.
type Publisher interface {
	Publish(topic Topic)
}

// Multi fans a notification out to several publishers.
type Multi []Publisher

func (m Multi) Publish(topic Topic) {
	for _, p := range m {
		if p != nil {
			p.Publish(topic)
		}
	}
}

// Handler refreshes a subscriber after a change. Notifications carry no
// payload; handlers re-query what they need.
type Handler func(ctx context.Context, topic Topic) error

var ErrStopped = errors.New("dispatcher stopped")

// Stats is a snapshot of dispatcher counters
type Stats struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Delivered   uint64 `json:"delivered"`
	Coalesced   uint64 `json:"coalesced"`
	Failed      uint64 `json:"failed"`
}

type subscriber struct {
	id      uint64
	name    string
	topic   Topic
	handler Handler
	signal  chan struct{}
	done    chan struct{}
	once    sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

// Dispatcher delivers change notifications to subscribers. Each subscriber
// runs on its own goroutine with a single pending slot, so a burst of
// publishes collapses into one refresh and a slow subscriber never delays
// the publisher or other subscribers.
type Dispatcher struct {
	mu      sync.RWMutex
	subs    map[Topic]map[uint64]*subscriber
	nextID  uint64
	stopped bool

	window time.Duration
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	published atomic.Uint64
	delivered atomic.Uint64
	coalesced atomic.Uint64
	failed    atomic.Uint64
}

// NewDispatcher creates a dispatcher. A positive window delays each delivery
// by that long so bursts inside it produce a single handler call.
func NewDispatcher(window time.Duration, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		subs:   make(map[Topic]map[uint64]*subscriber),
		window: window,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Subscribe registers handler for topic and returns a function that removes it.
func (d *Dispatcher) Subscribe(topic Topic, name string, handler Handler) (func(), error) {
	if !topic.Valid() {
		return nil, fmt.Errorf("unknown topic %q", topic)
	}
	if handler == nil {
		return nil, fmt.Errorf("nil handler for subscriber %q", name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return nil, ErrStopped
	}

	d.nextID++
	sub := &subscriber{
		id:      d.nextID,
		name:    name,
		topic:   topic,
		handler: handler,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if d.subs[topic] == nil {
		d.subs[topic] = make(map[uint64]*subscriber)
	}
	d.subs[topic][sub.id] = sub

	d.wg.Add(1)
	go d.run(sub)

	d.logger.Debug("subscriber added", zap.String("subscriber", name), zap.String("topic", string(topic)))

	return func() { d.unsubscribe(sub) }, nil
}

func (d *Dispatcher) unsubscribe(sub *subscriber) {
	d.mu.Lock()
	if subs, ok := d.subs[sub.topic]; ok {
		delete(subs, sub.id)
	}
	d.mu.Unlock()
	sub.close()
}

// Publish signals every subscriber of topic. Unknown topics and publishes
// after Stop are ignored.
func (d *Dispatcher) Publish(topic Topic) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.stopped {
		return
	}
	d.published.Add(1)

	for _, sub := range d.subs[topic] {
		select {
		case sub.signal <- struct{}{}:
		default:
			d.coalesced.Add(1)
		}
	}
}

func (d *Dispatcher) run(sub *subscriber) {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-sub.done:
			return
		case <-sub.signal:
		}

		if d.window > 0 {
			timer := time.NewTimer(d.window)
			select {
			case <-d.ctx.Done():
				timer.Stop()
				return
			case <-sub.done:
				timer.Stop()
				return
			case <-timer.C:
			}
			// absorb anything published while waiting
			select {
			case <-sub.signal:
				d.coalesced.Add(1)
			default:
			}
		}

		d.deliver(sub)
	}
}

func (d *Dispatcher) deliver(sub *subscriber) {
	defer func() {
		if r := recover(); r != nil {
			d.failed.Add(1)
			d.logger.Error("subscriber panicked",
				zap.String("subscriber", sub.name),
				zap.String("topic", string(sub.topic)),
				zap.Any("panic", r))
		}
	}()

	if err := sub.handler(d.ctx, sub.topic); err != nil {
		d.failed.Add(1)
		d.logger.Warn("subscriber refresh failed",
			zap.String("subscriber", sub.name),
			zap.String("topic", string(sub.topic)),
			zap.Error(err))
		return
	}
	d.delivered.Add(1)
}

// Stop terminates all subscriber goroutines and waits for running handlers.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	for _, subs := range d.subs {
		for _, sub := range subs {
			sub.close()
		}
	}
	d.subs = make(map[Topic]map[uint64]*subscriber)
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) Stats() Stats {
	d.mu.RLock()
	count := 0
	for _, subs := range d.subs {
		count += len(subs)
	}
	d.mu.RUnlock()

	return Stats{
		Subscribers: count,
		Published:   d.published.Load(),
		Delivered:   d.delivered.Load(),
		Coalesced:   d.coalesced.Load(),
		Failed:      d.failed.Load(),
	}
}
