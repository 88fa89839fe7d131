package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"finstream/internal/model"
	"finstream/internal/utils"
)

// Session is the streaming session driven by the service.
type Session interface {
	Start(ctx context.Context) bool
	Stop()
	Clear()
	SetFrequency(ctx context.Context, d time.Duration) bool
	Snapshot() model.Snapshot
	Status() model.StreamStatus
	Charts() []model.ChartSpec
	DatasetInfo() model.DatasetInfo
	IsConnected() bool
}

// SubscriptionManager defines the interface for managing client subscriptions
// and distributing updates to multiple subscribers.
type SubscriptionManager interface {
	// Subscribe creates a new subscription for the specified topics.
	Subscribe(topics []string) (*Subscriber, error)

	// Unsubscribe removes a subscriber and cleans up associated resources.
	Unsubscribe(sub *Subscriber) error

	// StartDispatching begins the message distribution process.
	StartDispatching(ctx context.Context) error
}

// StreamService orchestrates a streaming session and the distribution of its
// updates to subscribers.
//
// The service coordinates between:
//   - Session: fetches, aggregates and recommends
//   - SubscriptionManager: manages client subscriptions and distribution
//   - clients: stream updates via Subscribe
type StreamService struct {
	subscriptionManager SubscriptionManager // Handles client subscription lifecycle
	session             Session             // Produces updates
	started             atomic.Bool         // Atomic flag tracking service state
	cancel              context.CancelFunc  // Function to cancel service context
}

// NewStreamService creates a new StreamService instance with the provided dependencies.
//
// The service is created in a stopped state and must be started with the Start method
// before it can accept client subscriptions.
func NewStreamService(manager SubscriptionManager, session Session) *StreamService {
	return &StreamService{
		subscriptionManager: manager,
		session:             session,
	}
}

// Start begins dispatching. With autoStream the session is started as well; a
// session that cannot reach its feed is logged and left stopped.
func (s *StreamService) Start(ctx context.Context, autoStream bool) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("stream service has already started")
	}

	ctx, cancel := context.WithCancel(ctx)

	if err := s.subscriptionManager.StartDispatching(ctx); err != nil {
		cancel()
		s.started.Store(false)
		return fmt.Errorf("failed to start dispatching: %w", err)
	}

	s.cancel = cancel

	if autoStream && !s.session.Start(ctx) {
		log.Warn().Msg("stream did not start, feed unreachable")
	}
	return nil
}

// Stop stops the session and shuts the dispatcher down.
func (s *StreamService) Stop() error {
	if !s.started.CompareAndSwap(true, false) {
		return errors.New("service not started")
	}

	s.session.Stop()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}

	log.Info().Msg("StreamService stopped")
	return nil
}

// StartStream starts the session. It reports whether the feed was reachable.
func (s *StreamService) StartStream(ctx context.Context) bool {
	return s.session.Start(ctx)
}

func (s *StreamService) StopStream() {
	s.session.Stop()
}

func (s *StreamService) ClearStream() {
	s.session.Clear()
}

func (s *StreamService) SetFrequency(ctx context.Context, d time.Duration) bool {
	return s.session.SetFrequency(ctx, d)
}

func (s *StreamService) Snapshot() model.Snapshot {
	return s.session.Snapshot()
}

func (s *StreamService) Status() model.StreamStatus {
	return s.session.Status()
}

func (s *StreamService) Charts() []model.ChartSpec {
	return s.session.Charts()
}

func (s *StreamService) DatasetInfo() model.DatasetInfo {
	return s.session.DatasetInfo()
}

// Healthy reports whether the service is started and the feed reachable.
func (s *StreamService) Healthy() bool {
	return s.started.Load() && s.session.IsConnected()
}

// Subscribe streams updates for the requested topics through send until ctx
// is done, the subscription closes or send fails.
func (s *StreamService) Subscribe(ctx context.Context, topics []string, send func(model.Update) error) error {
	if !s.started.Load() {
		return errors.New("stream service not started")
	}

	if len(topics) == 0 {
		return errors.New("no topics provided")
	}

	for i, topic := range topics {
		if err := utils.ValidateTopic(topic); err != nil {
			return fmt.Errorf("invalid topic at index %d (%q): %w", i, topic, err)
		}
	}

	sub, err := s.subscriptionManager.Subscribe(topics)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	defer func() {
		if err := s.subscriptionManager.Unsubscribe(sub); err != nil {
			log.Error().Err(err).Strs("topics", topics).Msg("failed to unsubscribe")
		}
	}()

	log.Info().Str("subscriber", sub.ID()).Strs("topics", topics).Msg("new client subscription")

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("subscriber", sub.ID()).Msg("client disconnected")
			return nil
		case update, ok := <-sub.Updates():
			if !ok {
				log.Info().Str("subscriber", sub.ID()).Msg("subscription channel closed")
				return nil
			}

			if err := send(update); err != nil {
				log.Error().Err(err).Str("subscriber", sub.ID()).Str("topic", update.Topic).Msg("failed to send update to client")
				return fmt.Errorf("failed to send update: %w", err)
			}
		}
	}
}
