package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"finstream/internal/model"
)

func newRealtimeServer(t *testing.T, frames ...string) (*httptest.Server, func() http.Header) {
	t.Helper()

	var (
		mu     sync.Mutex
		header http.Header
	)
	upgrader := gorilla.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		header = r.Header.Clone()
		mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for _, f := range frames {
			if err := conn.WriteMessage(gorilla.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		// hold the connection until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)

	return server, func() http.Header {
		mu.Lock()
		defer mu.Unlock()
		return header
	}
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestWebsocketSource_Subscribe(t *testing.T) {
	server, header := newRealtimeServer(t,
		`{"type":"INSERT","record":{"id":"r1","type":"PAYMENT","time":1,"properties":{"amount":10}}}`,
		`{"type":"UPDATE","record":{"id":"r1","type":"PAYMENT","time":1}}`,
		`garbage`,
		`{"id":"r2","type":"TRANSFER","time":2,"properties":"{\"amount\":\"20\"}"}`,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := NewWebsocketSource(wsURL(server), "secret")
	ch, err := src.Subscribe(ctx)
	require.NoError(t, err)

	var got []model.RawRow
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case row := <-ch:
			got = append(got, row)
		case <-timeout:
			t.Fatalf("received %d rows", len(got))
		}
	}

	assert.Equal(t, []string{"r1", "r2"}, rowIDs(got))
	assert.Equal(t, "10", got[0].Properties.Amount)
	assert.Equal(t, "20", got[1].Properties.Amount)
	assert.Equal(t, "Bearer secret", header().Get("Authorization"))

	cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, open := <-ch:
			return !open
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebsocketSource_Unreachable(t *testing.T) {
	src := NewWebsocketSource("ws://127.0.0.1:1/realtime", "")
	_, err := src.Subscribe(context.Background())
	assert.Error(t, err)
}

func TestHandleInsertFrame_FullBuffer(t *testing.T) {
	out := make(chan model.RawRow, 1)

	require.NoError(t, handleInsertFrame([]byte(`{"id":"a","type":"DEBIT","time":1}`), out))
	require.NoError(t, handleInsertFrame([]byte(`{"id":"b","type":"DEBIT","time":2}`), out))
	assert.Len(t, out, 1)
	assert.Equal(t, "a", (<-out).ID)

	assert.NoError(t, handleInsertFrame([]byte(`{"eventType":"DELETE","new":{"id":"c","type":"DEBIT","time":3}}`), out))
	assert.Error(t, handleInsertFrame([]byte(`{"id":"d"}`), out))
	assert.Empty(t, out)
}

type MockAcknowledger struct {
	mock.Mock
}

func (m *MockAcknowledger) Ack(multiple bool) error {
	args := m.Called(multiple)
	return args.Error(0)
}

func (m *MockAcknowledger) Nack(multiple, requeue bool) error {
	args := m.Called(multiple, requeue)
	return args.Error(0)
}

func TestAMQPSource_Handle(t *testing.T) {
	src := NewAMQPSource(DefaultConfig().AMQP)

	tests := []struct {
		name        string
		body        string
		setupMock   func(*MockAcknowledger)
		expectRow   bool
		cancelFirst bool
		expectMore  bool
	}{
		{
			name: "valid row is forwarded and acked",
			body: `{"id":"a","type":"CASH_IN","time":1}`,
			setupMock: func(m *MockAcknowledger) {
				m.On("Ack", false).Return(nil).Once()
			},
			expectRow:  true,
			expectMore: true,
		},
		{
			name: "invalid row is rejected without requeue",
			body: `{"type":"CASH_IN"}`,
			setupMock: func(m *MockAcknowledger) {
				m.On("Nack", false, false).Return(nil).Once()
			},
			expectMore: true,
		},
		{
			name: "non insert is acked and skipped",
			body: `{"type":"DELETE","record":{"id":"a","type":"CASH_IN","time":1}}`,
			setupMock: func(m *MockAcknowledger) {
				m.On("Ack", false).Return(nil).Once()
			},
			expectMore: true,
		},
		{
			name: "shutdown requeues",
			body: `{"id":"a","type":"CASH_IN","time":1}`,
			setupMock: func(m *MockAcknowledger) {
				m.On("Nack", false, true).Return(nil).Once()
			},
			cancelFirst: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack := new(MockAcknowledger)
			tt.setupMock(ack)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			// unbuffered so a cancelled context is the only way out
			out := make(chan model.RawRow)
			if tt.cancelFirst {
				cancel()
			}

			received := make(chan model.RawRow, 1)
			if tt.expectRow {
				go func() { received <- <-out }()
			}

			more := src.handle(ctx, []byte(tt.body), ack, out)
			assert.Equal(t, tt.expectMore, more)

			if tt.expectRow {
				select {
				case row := <-received:
					assert.Equal(t, "a", row.ID)
				case <-time.After(time.Second):
					t.Fatal("row not forwarded")
				}
			}
			ack.AssertExpectations(t)
		})
	}
}
