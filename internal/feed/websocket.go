package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"finstream/internal/model"
	"finstream/internal/websocket"
)

// WebsocketSource receives insert notifications from a websocket endpoint.
type WebsocketSource struct {
	endpoint      string
	token         string
	subscriptions [][]byte
}

func NewWebsocketSource(endpoint, token string, subscriptions ...[]byte) *WebsocketSource {
	return &WebsocketSource{
		endpoint:      endpoint,
		token:         token,
		subscriptions: subscriptions,
	}
}

// Subscribe connects and returns the client's event channel. The channel
// closes when the connection is lost or ctx is done.
func (s *WebsocketSource) Subscribe(ctx context.Context) (<-chan model.RawRow, error) {
	header := make(http.Header)
	if s.token != "" {
		header.Set("Authorization", "Bearer "+s.token)
	}

	client, err := websocket.NewClient(ctx, websocket.Config[model.RawRow]{
		Endpoint:             s.endpoint,
		Handler:              handleInsertFrame,
		Header:               header,
		EventBuffer:          liveBuffer,
		SubscriptionMessages: s.subscriptions,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", s.endpoint, err)
	}
	return client.Events, nil
}

// handleInsertFrame never blocks the read loop; a full buffer drops the row.
func handleInsertFrame(data []byte, out chan<- model.RawRow) error {
	row, err := decodeInsert(data)
	if err != nil {
		if errors.Is(err, errNotInsert) {
			return nil
		}
		return err
	}

	select {
	case out <- row:
	default:
		log.Warn().Str("component", "wsfeed").Str("id", row.ID).Msg("live buffer full, dropping row")
	}
	return nil
}
