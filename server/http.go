package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/ddr4869/flowsim/common/logger"
	"github.com/ddr4869/flowsim/common/types"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	readTimeout    = 15 * time.Second
	shutdownPeriod = 5 * time.Second
)

// HTTPServer serves the REST API and the websocket event stream
type HTTPServer struct {
	backend  Backend
	router   *mux.Router
	server   *http.Server
	upgrader websocket.Upgrader
	log      *zap.SugaredLogger
}

// NewHTTPServer builds the router for backend. Start binds it to address.
func NewHTTPServer(backend Backend, address string, log *zap.SugaredLogger) *HTTPServer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &HTTPServer{
		backend: backend,
		router:  mux.NewRouter(),
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.routes()
	s.server = &http.Server{
		Addr:              address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readTimeout,
	}
	return s
}

func (s *HTTPServer) routes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/transactions", s.handleSubmit).Methods(http.MethodPost)
	api.HandleFunc("/transactions/{id}", s.handleTransaction).Methods(http.MethodGet)
	api.HandleFunc("/chain", s.handleChain).Methods(http.MethodGet)
	api.HandleFunc("/chain/verify", s.handleVerify).Methods(http.MethodGet)
	api.HandleFunc("/chain/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/blocks/{height:[0-9]+}", s.handleBlock).Methods(http.MethodGet)
	api.HandleFunc("/logs", s.handleLogs).Methods(http.MethodGet)
	api.HandleFunc("/pending", s.handlePending).Methods(http.MethodGet)
	api.HandleFunc("/reset", s.handleReset).Methods(http.MethodPost)
	api.HandleFunc("/speed", s.handleGetSpeed).Methods(http.MethodGet)
	api.HandleFunc("/speed", s.handleSetSpeed).Methods(http.MethodPut)
	api.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
}

// Handler returns the router wrapped with CORS and access logging
func (s *HTTPServer) Handler() http.Handler {
	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)
	return handlers.CombinedLoggingHandler(logger.StdLog("http").Writer(), cors(s.router))
}

// Start listens until Shutdown is called
func (s *HTTPServer) Start() error {
	s.log.Infof("HTTP server listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server failed")
	}
	return nil
}

// StartWithContext serves until ctx is done, then shuts down gracefully
func (s *HTTPServer) StartWithContext(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("Shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownPeriod)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// Shutdown stops accepting requests and waits for active ones
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "failed to shut down http server")
	}
	return nil
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var draft types.Draft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.Wrap(err, "invalid request body"))
		return
	}
	tx, err := s.backend.Submit(draft)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, tx)
}

func (s *HTTPServer) handleTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := s.backend.Transaction(mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tx)
}

func (s *HTTPServer) handleChain(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.backend.ChainState())
}

func (s *HTTPServer) handleVerify(w http.ResponseWriter, _ *http.Request) {
	result, err := verifyResult(s.backend.Verify())
	if err != nil {
		s.fail(w, err)
		return
	}
	status := http.StatusOK
	if !result.Valid {
		status = http.StatusConflict
	}
	s.writeJSON(w, status, result)
}

func (s *HTTPServer) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.backend.Stats())
}

func (s *HTTPServer) handleBlock(w http.ResponseWriter, r *http.Request) {
	height, err := strconv.ParseUint(mux.Vars(r)["height"], 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errors.Wrap(err, "invalid block height"))
		return
	}
	block, err := s.backend.Block(height)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, block)
}

func (s *HTTPServer) handleLogs(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.backend.Logs())
}

func (s *HTTPServer) handlePending(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.backend.Pending())
}

func (s *HTTPServer) handleReset(w http.ResponseWriter, _ *http.Request) {
	s.backend.Reset()
	w.WriteHeader(http.StatusNoContent)
}

type speedBody struct {
	Delay   string `json:"delay"`
	DelayMs int64  `json:"delayMs"`
}

func newSpeedBody(d time.Duration) speedBody {
	return speedBody{Delay: d.String(), DelayMs: d.Milliseconds()}
}

func (s *HTTPServer) handleGetSpeed(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, newSpeedBody(s.backend.Speed()))
}

func (s *HTTPServer) handleSetSpeed(w http.ResponseWriter, r *http.Request) {
	var body speedBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.Wrap(err, "invalid request body"))
		return
	}
	delay := time.Duration(body.DelayMs) * time.Millisecond
	if body.Delay != "" {
		d, err := time.ParseDuration(body.Delay)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, errors.Wrap(err, "invalid delay"))
			return
		}
		delay = d
	}
	if err := s.backend.SetSpeed(delay); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newSpeedBody(s.backend.Speed()))
}

// handleEvents upgrades to a websocket and streams engine events as JSON
// text frames until either side goes away.
func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	// subscribe first so a client sees every event published after its
	// handshake completes
	sub := s.backend.Subscribe(0)
	defer sub.Close()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("Websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	// the client never sends anything, reading only surfaces the close
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "engine closed")
				if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
					s.log.Debugf("Failed to send close frame: %v", err)
				}
				return
			}
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				s.log.Debugf("Event stream closed: %v", err)
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				s.log.Debugf("Event stream closed: %v", err)
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	status := httpStatus(err)
	if status == http.StatusInternalServerError {
		s.log.Errorf("Request failed: %v", err)
	}
	s.writeError(w, status, err)
}

func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debugf("Failed to write response: %v", err)
	}
}

func (s *HTTPServer) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
