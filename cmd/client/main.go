/*
Package main implements a websocket client for the finstream server.

The client subscribes to one or more update topics and logs a summary of every
update it receives. It is meant for watching a running server from a terminal.

Usage:

	go run ./cmd/client -addr=ws://localhost:8080/ws -topics=status,charts,anomalies

The client keeps receiving until the server closes the connection or the
process is interrupted.
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"finstream/internal/model"
	"finstream/internal/utils"
	"finstream/internal/websocket"
)

var (
	serverAddr = flag.String("addr", "ws://localhost:8080/ws", "The server websocket URL")
	topics     = flag.String("topics", "status,charts,anomalies", "Comma-separated list of topics to subscribe to")
)

// envelope keeps the payload raw until the topic is known.
type envelope struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

func main() {
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		Level(zerolog.InfoLevel).With().Timestamp().Logger()

	topicList, err := parseTopics(*topics)
	if err != nil {
		log.Fatal().Err(err).Msg("configuration error")
	}
	endpoint, err := endpointURL(*serverAddr, topicList)
	if err != nil {
		log.Fatal().Err(err).Msg("configuration error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("received shutdown signal")
		cancel()
	}()

	client, err := websocket.NewClient(ctx, websocket.Config[envelope]{
		Endpoint: endpoint,
		Handler:  decodeEnvelope,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("did not connect")
	}
	defer client.Close()

	log.Info().Strs("topics", topicList).Msg("subscribed")

	for update := range client.Events {
		logUpdate(log, update)
	}

	select {
	case err := <-client.ErrChan():
		if !errors.Is(err, websocket.ErrClientShuttingDown) {
			log.Warn().Err(err).Msg("connection closed")
			return
		}
	default:
	}
	log.Info().Msg("stream has closed")
}

func decodeEnvelope(data []byte, out chan<- envelope) error {
	var e envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return fmt.Errorf("invalid update: %w", err)
	}
	out <- e
	return nil
}

func logUpdate(log zerolog.Logger, e envelope) {
	switch e.Topic {
	case model.TopicStatus:
		var s model.StreamStatus
		if err := json.Unmarshal(e.Payload, &s); err != nil {
			log.Error().Err(err).Msg("bad status payload")
			return
		}
		log.Info().
			Str("state", s.State).
			Bool("connected", s.IsConnected).
			Int64("interval_ms", s.Interval).
			Int64("position", s.Dataset.CurrentPosition).
			Int64("total", s.Dataset.TotalRecords).
			Float64("processed_pct", s.Dataset.PercentageProcessed).
			Msg("status")

	case model.TopicCharts:
		var charts []struct {
			Type     string `json:"type"`
			Title    string `json:"title"`
			Priority int    `json:"priority"`
		}
		if err := json.Unmarshal(e.Payload, &charts); err != nil {
			log.Error().Err(err).Msg("bad charts payload")
			return
		}
		titles := make([]string, 0, len(charts))
		for _, c := range charts {
			titles = append(titles, fmt.Sprintf("%d:%s(%s)", c.Priority, c.Title, c.Type))
		}
		log.Info().Strs("charts", titles).Msg("charts")

	case model.TopicAnomalies:
		var anomalies []model.Anomaly
		if err := json.Unmarshal(e.Payload, &anomalies); err != nil {
			log.Error().Err(err).Msg("bad anomalies payload")
			return
		}
		if len(anomalies) == 0 {
			log.Info().Msg("no anomalies")
			return
		}
		latest := anomalies[len(anomalies)-1]
		log.Info().
			Int("count", len(anomalies)).
			Str("latest_type", latest.Type).
			Str("latest_severity", string(latest.Severity)).
			Str("latest_event", latest.EventID).
			Msg("anomalies")

	case model.TopicTable:
		var rows []json.RawMessage
		if err := json.Unmarshal(e.Payload, &rows); err != nil {
			log.Error().Err(err).Msg("bad table payload")
			return
		}
		log.Info().Int("rows", len(rows)).Msg("table")

	default:
		log.Warn().Str("topic", e.Topic).Msg("unknown topic")
	}
}

func parseTopics(raw string) ([]string, error) {
	var out []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	if err := utils.ValidateTopics(out, len(utils.TopicSet)); err != nil {
		return nil, err
	}
	return out, nil
}

func endpointURL(addr string, topics []string) (string, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return "", fmt.Errorf("invalid server address: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("server address must use ws or wss, got %q", u.Scheme)
	}
	q := u.Query()
	q.Set("topics", strings.Join(topics, ","))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
