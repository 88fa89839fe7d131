// Package service provides the components that fan engine output out to
// rendering collaborators.
//
// The dispatcher component implements a fan-out message distribution system that
// delivers topic updates to multiple subscribers while handling slow clients
// gracefully.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"finstream/internal/model"
	"finstream/internal/utils"
)

const (
	defaultSubscriberBuffer = 100
	publishBuffer           = 256
	controlBuffer           = 10
)

// Subscriber represents a client subscription to a set of update topics.
//
// Each subscriber maintains its own buffered channel and the set of topics it
// is interested in for filtering.
type Subscriber struct {
	id     string              // unique identifier for the subscriber
	ch     chan model.Update   // Buffered channel for update delivery
	topics map[string]struct{} // Set of subscribed topics
}

// ID returns the subscriber identifier.
func (s *Subscriber) ID() string { return s.id }

// Updates is closed when the subscriber is removed or the dispatcher stops.
func (s *Subscriber) Updates() <-chan model.Update { return s.ch }

// Wants reports whether the subscriber asked for topic.
func (s *Subscriber) Wants(topic string) bool {
	_, ok := s.topics[topic]
	return ok
}

// DispatcherConfig holds configuration parameters for the Dispatcher.
type DispatcherConfig struct {
	MaxTopicsAllowed int // Maximum topics per subscription
	BufferSize       int // Per-subscriber buffer; zero selects the default
}

// Dispatcher implements a fan-out message distribution system for updates.
//
// The dispatcher uses the actor model pattern where a single goroutine owns
// the subscribers map and the latest update per topic. External interactions
// happen through channels.
type Dispatcher struct {
	cfg              DispatcherConfig
	subscribers      map[string]*Subscriber  // owned by dispatch goroutine
	latest           map[string]model.Update // owned by dispatch goroutine
	subscriptionCh   chan *Subscriber
	unsubscriptionCh chan *Subscriber
	updateCh         chan model.Update
	started          atomic.Bool
	dropped          atomic.Int64

	mu   sync.Mutex
	done chan struct{} // closed when the dispatch goroutine exits
}

// NewDispatcher creates a new Dispatcher instance with the provided configuration.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultSubscriberBuffer
	}
	return &Dispatcher{
		cfg:              cfg,
		subscribers:      make(map[string]*Subscriber),
		latest:           make(map[string]model.Update),
		subscriptionCh:   make(chan *Subscriber, controlBuffer),
		unsubscriptionCh: make(chan *Subscriber, controlBuffer),
		updateCh:         make(chan model.Update, publishBuffer),
	}
}

// Subscribe creates a new subscription for the given topics.
//
// The request is handed to the dispatcher goroutine through a channel. The new
// subscriber first receives the latest update of each topic it asked for.
func (b *Dispatcher) Subscribe(topics []string) (*Subscriber, error) {
	if !b.started.Load() {
		return nil, errors.New("dispatcher not started")
	}

	if err := utils.ValidateTopics(topics, b.cfg.MaxTopicsAllowed); err != nil {
		return nil, err
	}

	set := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		set[strings.ToLower(t)] = struct{}{}
	}

	sub := &Subscriber{
		id:     uuid.NewString(),
		ch:     make(chan model.Update, b.cfg.BufferSize),
		topics: set,
	}

	select {
	case b.subscriptionCh <- sub:
	default:
		return nil, fmt.Errorf("subscription channel is full")
	}

	return sub, nil
}

// Unsubscribe removes a subscriber from the dispatcher. It waits for room in
// the control queue; once the dispatcher has stopped every subscriber is
// already released and the call returns immediately.
func (b *Dispatcher) Unsubscribe(sub *Subscriber) error {
	b.mu.Lock()
	done := b.done
	b.mu.Unlock()
	if done == nil {
		return errors.New("dispatcher not started")
	}

	select {
	case b.unsubscriptionCh <- sub:
	case <-done:
	}
	return nil
}

// Publish queues an update for distribution. It never blocks; when the queue
// is full the update is dropped and counted.
func (b *Dispatcher) Publish(update model.Update) {
	select {
	case b.updateCh <- update:
	default:
		b.dropped.Add(1)
		log.Warn().Str("topic", update.Topic).Msg("dispatcher queue full, dropping update")
	}
}

// Dropped reports how many published updates were dropped.
func (b *Dispatcher) Dropped() int64 {
	return b.dropped.Load()
}

// StartDispatching starts the goroutine that owns subscriber management and
// message distribution. It processes, until ctx is done:
//  1. Subscription/unsubscription requests
//  2. Published updates
func (b *Dispatcher) StartDispatching(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return errors.New("dispatcher already started")
	}

	done := make(chan struct{})
	b.mu.Lock()
	b.done = done
	b.mu.Unlock()

	go func() {
		defer func() {
			for _, sub := range b.subscribers {
				close(sub.ch)
			}
			b.subscribers = make(map[string]*Subscriber)
			b.started.Store(false)
			close(done)
		}()

		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("dispatcher stopped")
				return
			case sub := <-b.subscriptionCh:
				b.subscribe(sub)
			case sub := <-b.unsubscriptionCh:
				b.unsubscribe(sub)
			case update := <-b.updateCh:
				b.latest[update.Topic] = update
				b.dispatch(update)
			}
		}
	}()
	return nil
}

func (b *Dispatcher) subscribe(sub *Subscriber) {
	b.subscribers[sub.id] = sub
	for topic := range sub.topics {
		if update, ok := b.latest[topic]; ok {
			b.deliver(sub, update)
		}
	}
	log.Debug().Str("subscriber", sub.id).Int("active", len(b.subscribers)).Msg("subscriber added")
}

func (b *Dispatcher) unsubscribe(sub *Subscriber) {
	if _, ok := b.subscribers[sub.id]; ok {
		delete(b.subscribers, sub.id)
		close(sub.ch)
	}
}

// dispatch distributes an update to all interested subscribers. Only called
// from the dispatcher goroutine.
func (b *Dispatcher) dispatch(update model.Update) {
	for _, sub := range b.subscribers {
		if sub.Wants(update.Topic) {
			b.deliver(sub, update)
		}
	}
}

// deliver never blocks: a full subscriber loses its oldest buffered update.
func (b *Dispatcher) deliver(sub *Subscriber, update model.Update) {
	select {
	case sub.ch <- update:
	default:
		log.Debug().Str("subscriber", sub.id).Msg("subscriber is too slow, dropping oldest buffered update")
		select {
		case <-sub.ch:
		default:
		}
		sub.ch <- update
	}
}
