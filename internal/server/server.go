// Package server exposes the agent over a small JSON HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"pprog/internal/agent"
	"pprog/internal/llm"
	"pprog/internal/logging"
	"pprog/internal/state"
)

// DefaultSession is used when a request names no session.
const DefaultSession = "default"

// statusClientClosed is reported when the caller went away mid-turn.
const statusClientClosed = 499

// Conversations is the part of the agent the HTTP layer drives.
type Conversations interface {
	SubmitUserMessage(ctx context.Context, sessionID string, msg state.Message) (state.Message, error)
	GetMessages(sessionID string) ([]state.Message, error)
	Clear(sessionID string) error
	Sessions() []state.Summary
}

var _ Conversations = (*agent.Agent)(nil)

// Server routes HTTP requests to Conversations.
type Server struct {
	conv   Conversations
	log    *logging.StructuredLogger
	mux    *http.ServeMux
	addrCh chan string
}

func New(conv Conversations, logger *logging.StructuredLogger) *Server {
	s := &Server{
		conv:   conv,
		log:    logger.WithComponent("server"),
		mux:    http.NewServeMux(),
		addrCh: make(chan string, 1),
	}
	s.mux.HandleFunc("/chat", s.handleChat)
	s.mux.HandleFunc("/clear", s.handleClear)
	s.mux.HandleFunc("/messages", s.handleMessages)
	s.mux.HandleFunc("/sessions", s.handleSessions)
	s.mux.HandleFunc("/healthz", s.handleHealth)
	return s
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.mux)
}

// Addr delivers the bound address once Run is listening.
func (s *Server) Addr() <-chan string {
	return s.addrCh
}

// Run serves on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	clean := strings.TrimSpace(addr)
	if clean == "" {
		clean = "127.0.0.1:3737"
	}
	listener, err := net.Listen("tcp", clean)
	if err != nil {
		return fmt.Errorf("listen %s: %w", clean, err)
	}
	actual := listener.Addr().String()
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.addrCh <- actual
	logging.UserLog("pprog listening on http://%s", actual)
	err = server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Info("request", map[string]interface{}{
			"remote":      r.RemoteAddr,
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
		})
	})
}

type errorPayload struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, status int, kind, message string) {
	s.log.Warn("request failed", map[string]interface{}{
		"status": status,
		"kind":   kind,
		"method": r.Method,
		"path":   r.URL.Path,
		"error":  message,
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorPayload{Error: message, Kind: kind})
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("encode response", map[string]interface{}{"path": r.URL.Path, "error": err.Error()})
	}
}

// statusForKind maps a turn failure to an HTTP status.
func statusForKind(kind llm.Kind) int {
	switch kind {
	case llm.KindBudgetExceeded:
		return http.StatusRequestEntityTooLarge
	case llm.KindLoopLimit:
		return http.StatusUnprocessableEntity
	case llm.KindProtocol, llm.KindProvider:
		return http.StatusBadGateway
	case llm.KindNetwork:
		return http.StatusServiceUnavailable
	case llm.KindCancelled:
		return statusClientClosed
	default:
		return http.StatusInternalServerError
	}
}

func sessionOrDefault(id string) string {
	if id = strings.TrimSpace(id); id != "" {
		return id
	}
	return DefaultSession
}

type chatRequest struct {
	Session string `json:"session"`
	Message string `json:"message"`
}

type chatResponse struct {
	Session string        `json:"session"`
	Message state.Message `json:"message"`
	Text    string        `json:"text"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, r, http.StatusMethodNotAllowed, "", "method not allowed")
		return
	}
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, r, http.StatusBadRequest, "", "invalid payload")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.respondError(w, r, http.StatusBadRequest, "", "message is required")
		return
	}
	session := sessionOrDefault(req.Session)
	reply, err := s.conv.SubmitUserMessage(r.Context(), session, state.UserText(req.Message))
	if err != nil {
		if errors.Is(err, agent.ErrInvalidMessage) {
			s.respondError(w, r, http.StatusBadRequest, "", err.Error())
			return
		}
		kind := llm.KindOf(err)
		s.respondError(w, r, statusForKind(kind), string(kind), err.Error())
		return
	}
	s.writeJSON(w, r, chatResponse{Session: session, Message: reply, Text: reply.Text()})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		s.respondError(w, r, http.StatusMethodNotAllowed, "", "method not allowed")
		return
	}
	session := r.URL.Query().Get("session")
	if r.Method == http.MethodPost {
		var req struct {
			Session string `json:"session"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			s.respondError(w, r, http.StatusBadRequest, "", "invalid payload")
			return
		}
		if req.Session != "" {
			session = req.Session
		}
	}
	if err := s.conv.Clear(sessionOrDefault(session)); err != nil {
		s.respondError(w, r, http.StatusInternalServerError, string(llm.KindInternal), fmt.Sprintf("clear failed: %v", err))
		return
	}
	s.writeJSON(w, r, map[string]bool{"cleared": true})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, r, http.StatusMethodNotAllowed, "", "method not allowed")
		return
	}
	session := sessionOrDefault(r.URL.Query().Get("session"))
	msgs, err := s.conv.GetMessages(session)
	if errors.Is(err, state.ErrUnknownSession) {
		s.respondError(w, r, http.StatusNotFound, "", err.Error())
		return
	}
	if err != nil {
		s.respondError(w, r, http.StatusInternalServerError, string(llm.KindInternal), err.Error())
		return
	}
	if msgs == nil {
		msgs = []state.Message{}
	}
	s.writeJSON(w, r, map[string]any{"session": session, "messages": msgs})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, r, http.StatusMethodNotAllowed, "", "method not allowed")
		return
	}
	s.writeJSON(w, r, map[string]any{"sessions": s.conv.Sessions()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, map[string]string{"status": "ok"})
}
