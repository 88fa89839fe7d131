// Package web serves the control API and pushes stream updates to browsers
// over websockets.
package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"finstream/internal/model"
	"finstream/internal/utils"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxFrequencyBody = 1 << 10
)

// StreamAPI is what the server exposes.
type StreamAPI interface {
	Subscribe(ctx context.Context, topics []string, send func(model.Update) error) error
	StartStream(ctx context.Context) bool
	StopStream()
	ClearStream()
	SetFrequency(ctx context.Context, d time.Duration) bool
	Snapshot() model.Snapshot
	Status() model.StreamStatus
	Charts() []model.ChartSpec
	DatasetInfo() model.DatasetInfo
	Healthy() bool
}

// Server is the HTTP front end.
type Server struct {
	api      StreamAPI
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	srv      *http.Server
}

func NewServer(addr string, api StreamAPI) *Server {
	s := &Server{
		api: api,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: log.With().Str("component", "web").Logger(),
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler wrapped in middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ws", s.handleWebsocket)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /api/stream/start", s.handleStart)
	mux.HandleFunc("POST /api/stream/stop", s.handleStop)
	mux.HandleFunc("POST /api/stream/clear", s.handleClear)
	mux.HandleFunc("POST /api/stream/frequency", s.handleFrequency)

	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.api.Status())
	})
	mux.HandleFunc("GET /api/dataset", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.api.DatasetInfo())
	})
	mux.HandleFunc("GET /api/charts", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.api.Charts())
	})
	mux.HandleFunc("GET /api/snapshot", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.api.Snapshot())
	})

	var h http.Handler = mux
	h = CORS(h)
	h = Recovery(s.logger)(h)
	h = Logger(s.logger)(h)
	return h
}

func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.srv.Addr).Msg("http server starting")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections. Hijacked websocket connections are
// not tracked by http.Server; they end when their subscriptions close.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type actionResponse struct {
	OK     bool               `json:"ok"`
	Status model.StreamStatus `json:"status"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	// the stream outlives the request
	ok := s.api.StartStream(context.WithoutCancel(r.Context()))
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, actionResponse{OK: ok, Status: s.api.Status()})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.api.StopStream()
	writeJSON(w, http.StatusOK, actionResponse{OK: true, Status: s.api.Status()})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	s.api.ClearStream()
	writeJSON(w, http.StatusOK, actionResponse{OK: true, Status: s.api.Status()})
}

type frequencyRequest struct {
	// IntervalMs is the new poll period in milliseconds.
	IntervalMs int64 `json:"intervalMs"`
}

func (s *Server) handleFrequency(w http.ResponseWriter, r *http.Request) {
	var req frequencyRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxFrequencyBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.IntervalMs <= 0 {
		writeError(w, http.StatusBadRequest, "intervalMs must be positive")
		return
	}

	ok := s.api.SetFrequency(context.WithoutCancel(r.Context()), time.Duration(req.IntervalMs)*time.Millisecond)
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, actionResponse{OK: ok, Status: s.api.Status()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.api.Healthy() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// parseTopics splits ?topics=a,b and repeated ?topics= parameters.
func parseTopics(r *http.Request) []string {
	var topics []string
	for _, v := range r.URL.Query()["topics"] {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				topics = append(topics, strings.ToLower(t))
			}
		}
	}
	return topics
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	topics := parseTopics(r)
	if len(topics) == 0 {
		writeError(w, http.StatusBadRequest, "no topics provided")
		return
	}
	for i, topic := range topics {
		if err := utils.ValidateTopic(topic); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid topic at index %d: %v", i, err))
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	logger := s.logger.With().Str("remote_addr", r.RemoteAddr).Strs("topics", topics).Logger()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.readPump(conn, cancel, logger)
	go s.pingPump(ctx, conn, logger)

	send := func(update model.Update) error {
		data, err := json.Marshal(update)
		if err != nil {
			return fmt.Errorf("failed to encode update: %w", err)
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	err = s.api.Subscribe(ctx, topics, send)
	closeCode, reason := websocket.CloseNormalClosure, ""
	if err != nil {
		logger.Warn().Err(err).Msg("subscription ended with error")
		closeCode, reason = websocket.CloseTryAgainLater, err.Error()
	}
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, truncate(reason, 120)), time.Now().Add(time.Second))
}

// readPump drains client frames so pongs and close frames are processed.
func (s *Server) readPump(conn *websocket.Conn, cancel context.CancelFunc, logger zerolog.Logger) {
	defer cancel()

	conn.SetReadLimit(maxFrequencyBody)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Err(err).Msg("client read error")
			}
			return
		}
	}
}

func (s *Server) pingPump(ctx context.Context, conn *websocket.Conn, logger zerolog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				logger.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

// close reasons must fit in a control frame
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
