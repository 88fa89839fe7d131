// Package websocket provides a WebSocket client that decodes incoming frames
// into typed events.
//
// The client owns the connection lifecycle: dial, optional subscription
// frames, keepalive pings, a read loop that hands every frame to a decoder,
// and graceful shutdown. It is used both for upstream INSERT feeds and by the
// command line subscriber.
package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultPingPeriod       = 15 * time.Second
	defaultSendTimeout      = 5 * time.Second
	defaultReadLimit        = 1 << 20 // 1MB
	defaultHandshakeTimeout = 10 * time.Second
	defaultEventBuffer      = 1000
)

// ErrClientShuttingDown is reported on ErrChan once the read loop exits.
var ErrClientShuttingDown = errors.New("client is shutting down")

// Handler decodes one frame and pushes zero or more events to out.
type Handler[T any] func(data []byte, out chan<- T) error

// Config defines settings for the WebSocket client.
type Config[T any] struct {
	// Endpoint is the WebSocket URL to connect to. Required.
	Endpoint string

	// Handler decodes every incoming frame. Required.
	Handler Handler[T]

	// Header is sent with the handshake, e.g. for bearer tokens.
	Header http.Header

	TLSInsecureSkip bool
	PingPeriod      time.Duration
	SendTimeout     time.Duration

	// EventBuffer sizes the Events channel.
	EventBuffer int

	// SubscriptionMessages are written right after the handshake.
	SubscriptionMessages [][]byte
}

// Client wraps a websocket.Conn and delivers decoded events on Events.
type Client[T any] struct {
	conn atomic.Value // *websocket.Conn

	// Events is closed when the read loop exits.
	Events chan T

	disconnect chan struct{}
	errChan    chan error

	cfg    *Config[T]
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

// NewClient dials the endpoint, sends the subscription frames and starts the
// read, ping and shutdown goroutines. The client closes itself when ctx is done.
func NewClient[T any](ctx context.Context, cfg Config[T]) (*Client[T], error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint URL is required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("message handler is required")
	}

	if cfg.SubscriptionMessages == nil {
		cfg.SubscriptionMessages = [][]byte{}
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = defaultPingPeriod
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if cfg.Header == nil {
		cfg.Header = make(http.Header)
	}

	ctx, cancel := context.WithCancel(ctx)

	client := &Client[T]{
		cfg:        &cfg,
		ctx:        ctx,
		cancel:     cancel,
		disconnect: make(chan struct{}),
		errChan:    make(chan error, 1),
		Events:     make(chan T, cfg.EventBuffer),
	}

	if err := client.run(cfg.SubscriptionMessages); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start client: %w", err)
	}

	return client, nil
}

func (c *Client[T]) logger(component string) zerolog.Logger {
	return log.With().
		Str("endpoint", c.cfg.Endpoint).
		Str("component", component).
		Logger()
}

func (c *Client[T]) run(subMsgs [][]byte) (err error) {
	logger := c.logger("run")
	logger.Info().Msg("starting WebSocket client")

	conn, err := c.dial(c.ctx)
	if err != nil {
		return fmt.Errorf("initial dial failed: %w", err)
	}

	defer func() {
		if err != nil {
			if closeErr := conn.Close(); closeErr != nil {
				logger.Warn().Err(closeErr).Msg("error closing connection during cleanup")
			}
		}
	}()

	c.conn.Store(conn)

	conn.SetReadLimit(defaultReadLimit)
	conn.SetPongHandler(func(string) error {
		if err := conn.SetReadDeadline(time.Now().Add(c.cfg.PingPeriod * 2)); err != nil {
			logger.Warn().Err(err).Msg("failed to set read deadline in pong handler")
		}
		return nil
	})

	for _, msg := range subMsgs {
		if err = conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			logger.Error().Err(err).Msg("subscription error")
			return err
		}
	}

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.readLoop()
	}()
	go func() {
		defer c.wg.Done()
		c.pingLoop()
	}()
	// not tracked by wg: it calls Close, which waits on wg
	go c.shutdownListener()

	return nil
}

func (c *Client[T]) readLoop() {
	conn := c.conn.Load().(*websocket.Conn)
	logger := c.logger("readLoop")

	logger.Info().Msg("starting read loop")
	defer func() {
		logger.Info().Msg("read loop exiting")
		close(c.disconnect)
		close(c.Events)

		select {
		case c.errChan <- ErrClientShuttingDown:
		default:
			logger.Debug().Msg("error channel full, skipping error send")
		}
	}()

	for {
		if c.ctx.Err() != nil {
			logger.Info().Msg("context cancelled, exiting read loop")
			return
		}

		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() != nil {
				logger.Debug().Err(err).Msg("read interrupted by shutdown")
				return
			}
			switch {
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				logger.Info().Err(err).Msg("websocket closed normally")
			case websocket.IsUnexpectedCloseError(err):
				logger.Warn().Err(err).Msg("unexpected websocket closure")
			default:
				logger.Error().Err(err).Msg("read error")
			}

			select {
			case c.errChan <- err:
			default:
				logger.Warn().Err(err).Msg("error channel full, dropping error")
			}
			return
		}

		logger.Debug().Int("messageType", messageType).Int("bytes", len(data)).Msg("received message")
		c.handle(logger, data)
	}
}

// handle runs the decoder, surviving panics so one bad frame cannot kill the loop.
func (c *Client[T]) handle(logger zerolog.Logger, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Any("recover", r).Msg("panic in message handler")
		}
	}()

	if err := c.cfg.Handler(data, c.Events); err != nil {
		logger.Warn().Err(err).Msg("error handling message")
	}
}

func (c *Client[T]) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()

	logger := c.logger("pingLoop")
	logger.Debug().Dur("period", c.cfg.PingPeriod).Msg("starting ping loop")
	defer logger.Debug().Msg("ping loop exiting")

	for {
		select {
		case <-ticker.C:
			conn, ok := c.conn.Load().(*websocket.Conn)
			if !ok {
				continue
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.SendTimeout)); err != nil {
				logger.Warn().Err(err).Msg("ping error")
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client[T]) shutdownListener() {
	<-c.ctx.Done()
	c.Close()
}

// Close sends a close frame, closes the connection and waits for the
// background goroutines. It is safe to call more than once.
func (c *Client[T]) Close() {
	c.once.Do(func() {
		logger := c.logger("close")
		logger.Info().Msg("initiating graceful shutdown")

		c.cancel()

		if ws, ok := c.conn.Load().(*websocket.Conn); ok {
			if err := ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			); err != nil {
				logger.Debug().Err(err).Msg("failed to send close frame")
			}
			if err := ws.Close(); err != nil {
				logger.Warn().Err(err).Msg("error closing websocket connection")
			}
		}

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			logger.Warn().Msg("timeout waiting for goroutines to complete")
		}

		logger.Info().Msg("shutdown complete")
	})
}

func (c *Client[T]) dial(ctx context.Context) (*websocket.Conn, error) {
	logger := log.With().
		Str("endpoint", c.cfg.Endpoint).
		Bool("tlsInsecureSkip", c.cfg.TLSInsecureSkip).
		Logger()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: c.cfg.TLSInsecureSkip},
		HandshakeTimeout: defaultHandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, c.cfg.Endpoint, c.cfg.Header)
	if err != nil {
		if resp != nil {
			logger.Error().Err(err).Int("statusCode", resp.StatusCode).Msg("connection failed")
		} else {
			logger.Error().Err(err).Msg("connection failed")
		}
		return nil, err
	}

	logger.Info().Msg("websocket connection established")
	return conn, nil
}

// DisconnectChan is closed when the connection is lost for any reason.
func (c *Client[T]) DisconnectChan() <-chan struct{} {
	return c.disconnect
}

// ErrChan emits the terminal read error.
func (c *Client[T]) ErrChan() <-chan error {
	return c.errChan
}
