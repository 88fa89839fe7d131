package feed

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"finstream/internal/model"
)

// AMQPSource receives inserted rows from a RabbitMQ topic exchange.
type AMQPSource struct {
	cfg    AMQPConfig
	logger zerolog.Logger
}

func NewAMQPSource(cfg AMQPConfig) *AMQPSource {
	return &AMQPSource{
		cfg: cfg,
		logger: log.With().
			Str("component", "amqp").
			Str("exchange", cfg.Exchange).
			Str("queue", cfg.Queue).
			Logger(),
	}
}

// Subscribe declares the exchange, queue and binding and starts consuming.
// The channel closes when ctx is done or the broker drops the connection.
func (s *AMQPSource) Subscribe(ctx context.Context) (<-chan model.RawRow, error) {
	conn, err := amqp.Dial(s.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	closeAll := func() {
		ch.Close()
		conn.Close()
	}

	if err := ch.ExchangeDeclare(s.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		closeAll()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	queue, err := ch.QueueDeclare(s.cfg.Queue, true, false, false, false, nil)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.QueueBind(queue.Name, s.cfg.RoutingKey, s.cfg.Exchange, false, nil); err != nil {
		closeAll()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	deliveries, err := ch.Consume(queue.Name, "", false, false, false, false, nil)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("failed to register consumer: %w", err)
	}

	out := make(chan model.RawRow, liveBuffer)
	go func() {
		defer close(out)
		defer closeAll()
		s.consume(ctx, deliveries, out)
	}()

	s.logger.Info().Str("routing_key", s.cfg.RoutingKey).Msg("consumer started")
	return out, nil
}

// acknowledger is the subset of amqp.Delivery the consumer settles with.
type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

func (s *AMQPSource) consume(ctx context.Context, deliveries <-chan amqp.Delivery, out chan<- model.RawRow) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				s.logger.Warn().Msg("delivery channel closed")
				return
			}
			if !s.handle(ctx, d.Body, &d, out) {
				return
			}
		}
	}
}

// handle forwards one message and settles it. Undecodable messages are
// rejected without requeue since redelivery cannot fix them. It returns false
// when ctx ended before the row could be forwarded.
func (s *AMQPSource) handle(ctx context.Context, body []byte, ack acknowledger, out chan<- model.RawRow) bool {
	row, err := decodeInsert(body)
	if err != nil {
		if errors.Is(err, errNotInsert) {
			ack.Ack(false)
			return true
		}
		s.logger.Warn().Err(err).Msg("rejecting message")
		ack.Nack(false, false)
		return true
	}

	select {
	case out <- row:
		ack.Ack(false)
		return true
	case <-ctx.Done():
		ack.Nack(false, true)
		return false
	}
}
