package simbackend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/tidwall/sjson"

	"github.com/dshills/taskwatch/internal/logging"
	"github.com/dshills/taskwatch/internal/task"
)

const (
	// clientSendBuffer is the per-subscriber frame queue. A
	// subscriber that falls this far behind is dropped.
	clientSendBuffer = 64

	// heartbeatInterval is how often idle subscribers get a
	// heartbeat frame.
	heartbeatInterval = 15 * time.Second

	writeTimeout = 10 * time.Second
)

// ErrorResponse is the JSON body for rejected requests.
type ErrorResponse struct {
	Error string `json:"error"`
}

type processList struct {
	Processes []task.ProcessSnapshot `json:"processes"`
}

type statsPayload struct {
	Stats task.AggregateStats `json:"stats"`
}

type killResponse struct {
	Status string `json:"status"`
}

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
}

// Server exposes a fleet over the REST and websocket surface the
// monitor consumes: process and stats snapshots, a kill endpoint,
// and the live log stream.
type Server struct {
	fleet    *Fleet
	logger   *logging.Logger
	router   *mux.Router
	upgrader websocket.Upgrader

	mu      sync.Mutex
	subs    map[*subscriber]struct{}
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger.
func WithServerLogger(l *logging.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer wires the routes for a fleet. Start must be called
// before the log stream delivers frames.
func NewServer(fleet *Fleet, opts ...ServerOption) *Server {
	s := &Server{
		fleet:  fleet,
		logger: logging.NullLogger,
		subs:   make(map[*subscriber]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/processes", s.handleProcesses).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{taskId}/kill", s.handleKill).Methods(http.MethodPost)
	api.HandleFunc("/logs/stream", s.handleStream).Methods(http.MethodGet)
	s.router = r

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start launches the broadcast pump that fans fleet frames out to
// stream subscribers. It returns immediately.
func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.pump(runCtx)
}

// Stop halts the pump and disconnects all stream subscribers.
func (s *Server) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	s.mu.Lock()
	for sub := range s.subs {
		delete(s.subs, sub)
		close(sub.send)
	}
	s.mu.Unlock()
}

// pump moves frames from the fleet to every subscriber and emits
// periodic heartbeats.
func (s *Server) pump(ctx context.Context) {
	defer close(s.done)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-s.fleet.Frames():
			s.broadcast(frame)
		case now := <-heartbeat.C:
			s.broadcast(heartbeatFrame(now))
		}
	}
}

// broadcast queues a frame on every subscriber, dropping subscribers
// that cannot keep up.
func (s *Server) broadcast(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for sub := range s.subs {
		select {
		case sub.send <- frame:
		default:
			s.logger.Warn("subscriber too slow, dropping")
			delete(s.subs, sub)
			close(sub.send)
		}
	}
}

// SubscriberCount reports how many stream clients are connected.
func (s *Server) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Server) register(sub *subscriber) {
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	n := len(s.subs)
	s.mu.Unlock()
	s.logger.Info("stream subscriber connected (%d active)", n)
}

// unregister removes the subscriber if still present. Only the
// remover closes the send channel.
func (s *Server) unregister(sub *subscriber) {
	s.mu.Lock()
	_, ok := s.subs[sub]
	if ok {
		delete(s.subs, sub)
		close(sub.send)
	}
	s.mu.Unlock()
	if ok {
		s.logger.Info("stream subscriber disconnected")
	}
}

// handleStream upgrades the request and streams frames until the
// client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("stream upgrade failed: %v", err)
		return
	}

	sub := &subscriber{conn: conn, send: make(chan []byte, clientSendBuffer)}
	s.register(sub)
	go s.writeLoop(sub)

	// Reads are discarded; an error means the client is gone.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.unregister(sub)
}

func (s *Server) writeLoop(sub *subscriber) {
	defer sub.conn.Close()

	for frame := range sub.send {
		_ = sub.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := sub.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			s.unregister(sub)
			// Drain so the closer never blocks.
			for range sub.send {
			}
			return
		}
	}

	_ = sub.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutting down"),
		time.Now().Add(time.Second))
}

func (s *Server) handleProcesses(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, processList{Processes: s.fleet.Processes()})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	days := 7
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.writeError(w, http.StatusBadRequest, "days must be a positive integer")
			return
		}
		days = parsed
	}
	s.writeJSON(w, http.StatusOK, statsPayload{Stats: s.fleet.Stats(days)})
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["taskId"]

	err := s.fleet.Kill(taskID)
	switch {
	case err == nil:
		s.logger.Info("kill accepted for task %s", taskID)
		s.writeJSON(w, http.StatusOK, killResponse{Status: "terminating"})
	case errors.Is(err, ErrTaskNotFound):
		s.writeError(w, http.StatusNotFound, "unknown task "+taskID)
	case errors.Is(err, ErrTaskNotRunning):
		s.writeError(w, http.StatusConflict, "task "+taskID+" is not running")
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("encoding response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, ErrorResponse{Error: msg})
}

func heartbeatFrame(now time.Time) []byte {
	frame, _ := sjson.SetBytes([]byte(`{"type":"heartbeat"}`), "timestamp", now.UnixMilli())
	return frame
}
