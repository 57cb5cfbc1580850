// Package devserver is an in-memory poll server speaking the same REST and
// websocket protocol as the production backend. It backs the client's tests
// and local development.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/pollsync/internal/pollstore"
)

// TokenHeader may carry the poll token on PUT and DELETE
const TokenHeader = "X-Poll-Token"

var errTokenMissing = errors.New("token required")

// Config configures a Server
type Config struct {
	// TokenSecret signs poll capability tokens
	TokenSecret string
	// ReturnPoll includes the created poll in the POST /polls response
	ReturnPoll bool
	// PingPeriod is the websocket keepalive interval
	PingPeriod time.Duration
	RateLimit  RateLimit
}

// Server holds dependencies for HTTP handlers
type Server struct {
	cfg     Config
	polls   *pollTable
	hub     *Hub
	tokens  *TokenIssuer
	limiter *rateLimiter
}

// New creates a server with an empty poll table
func New(cfg Config) *Server {
	if cfg.TokenSecret == "" {
		cfg.TokenSecret = uuid.NewString()
	}
	s := &Server{
		cfg:    cfg,
		polls:  newPollTable(),
		hub:    NewHub(cfg.PingPeriod),
		tokens: NewTokenIssuer(cfg.TokenSecret),
	}
	if cfg.RateLimit.MaxRequests > 0 {
		s.limiter = newRateLimiter(cfg.RateLimit)
	}
	return s
}

// Hub returns the push hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// Close disconnects push clients and stops background work
func (s *Server) Close() {
	s.hub.Close()
	if s.limiter != nil {
		s.limiter.stop()
	}
}

// Routes creates the HTTP router
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(correlationMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/ws", s.hub.ServeHTTP)

	r.Group(func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.middleware)
		}
		r.Get("/polls", s.listPolls)
		r.Post("/polls", s.createPoll)
		r.Post("/polls/{id}/vote", s.vote)
		r.Post("/polls/{id}/like", s.like)
		r.Put("/polls/{id}", s.editPoll)
		r.Delete("/polls/{id}", s.deletePoll)
	})

	log.Info().Msg("HTTP routes registered")
	return r
}

// correlationMiddleware echoes X-Correlation-ID (generating one if absent)
// and attaches it to the request logger
func correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		w.Header().Set("X-Correlation-ID", correlationID)

		logger := log.With().Str("correlation_id", correlationID).Logger()
		r = r.WithContext(logger.WithContext(r.Context()))

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request served")
	})
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// writeError writes {"detail": msg}
func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"detail": msg})
}

func pollIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid poll id")
		return 0, false
	}
	return id, true
}

// writeTableError maps poll table errors onto HTTP statuses
func writeTableError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrPollNotFound):
		writeError(w, http.StatusNotFound, "Poll not found")
	case errors.Is(err, ErrOptionNotFound):
		writeError(w, http.StatusNotFound, "Option not found")
	case errors.Is(err, errTokenMissing):
		writeError(w, http.StatusUnauthorized, "Token required")
	case errors.Is(err, ErrTokenInvalid), errors.Is(err, ErrTokenWrongPoll):
		writeError(w, http.StatusForbidden, "Invalid token")
	default:
		log.Ctx(r.Context()).Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// verifier checks a request token against the stored one
func (s *Server) verifier(pollID int64, token string) func(stored string) error {
	return func(stored string) error {
		if token == "" {
			return errTokenMissing
		}
		if token != stored {
			return ErrTokenInvalid
		}
		return s.tokens.Verify(token, pollID)
	}
}

func (s *Server) listPolls(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.polls.list())
}

type createPollReq struct {
	Question string `json:"question"`
	Options  []struct {
		Text string `json:"text"`
	} `json:"options"`
}

type createPollResp struct {
	OK     bool            `json:"ok"`
	PollID int64           `json:"poll_id"`
	Token  string          `json:"token"`
	Poll   *pollstore.Poll `json:"poll,omitempty"`
}

func (s *Server) createPoll(w http.ResponseWriter, r *http.Request) {
	var req createPollReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	question := strings.TrimSpace(req.Question)
	var options []string
	for _, o := range req.Options {
		if text := strings.TrimSpace(o.Text); text != "" {
			options = append(options, text)
		}
	}
	if question == "" || len(options) < 2 {
		writeError(w, http.StatusBadRequest, "question and at least 2 options required")
		return
	}

	poll, token, err := s.polls.create(question, options, s.tokens.Mint)
	if err != nil {
		writeTableError(w, r, err)
		return
	}
	log.Ctx(r.Context()).Info().Int64("pollId", poll.ID).Msg("poll created")

	s.hub.Broadcast(map[string]any{"type": "poll_created", "poll": poll})

	resp := createPollResp{OK: true, PollID: poll.ID, Token: token}
	if s.cfg.ReturnPoll {
		resp.Poll = &poll
	}
	writeJSON(w, http.StatusOK, resp)
}

type voteCount struct {
	ID    int64 `json:"id"`
	Votes int   `json:"votes"`
}

func (s *Server) vote(w http.ResponseWriter, r *http.Request) {
	pollID, ok := pollIDParam(w, r)
	if !ok {
		return
	}
	optionID, err := strconv.ParseInt(r.URL.Query().Get("option_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "option_id is required")
		return
	}

	poll, err := s.polls.vote(pollID, optionID)
	if err != nil {
		writeTableError(w, r, err)
		return
	}

	counts := make([]voteCount, len(poll.Options))
	for i, o := range poll.Options {
		counts[i] = voteCount{ID: o.ID, Votes: o.Votes}
	}
	s.hub.Broadcast(map[string]any{
		"type": "vote",
		"poll": map[string]any{"id": poll.ID, "options": counts},
	})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) like(w http.ResponseWriter, r *http.Request) {
	pollID, ok := pollIDParam(w, r)
	if !ok {
		return
	}

	poll, err := s.polls.like(pollID)
	if err != nil {
		writeTableError(w, r, err)
		return
	}

	s.hub.Broadcast(map[string]any{
		"type": "like",
		"poll": map[string]any{"id": poll.ID, "likes": poll.Likes},
	})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type editPollReq struct {
	Question string       `json:"question"`
	Options  []editOption `json:"options"`
	Token    string       `json:"token"`
}

func (s *Server) editPoll(w http.ResponseWriter, r *http.Request) {
	pollID, ok := pollIDParam(w, r)
	if !ok {
		return
	}
	var req editPollReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	question := strings.TrimSpace(req.Question)
	var options []editOption
	for _, o := range req.Options {
		if text := strings.TrimSpace(o.Text); text != "" {
			options = append(options, editOption{ID: o.ID, Text: text})
		}
	}
	if question == "" || len(options) < 2 {
		writeError(w, http.StatusBadRequest, "Invalid payload")
		return
	}

	token := req.Token
	if token == "" {
		token = r.Header.Get(TokenHeader)
	}
	poll, err := s.polls.edit(pollID, question, options, s.verifier(pollID, token))
	if err != nil {
		writeTableError(w, r, err)
		return
	}
	log.Ctx(r.Context()).Info().Int64("pollId", pollID).Msg("poll edited")

	s.hub.Broadcast(map[string]any{"type": "poll_edited", "poll": poll})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "poll": poll})
}

func (s *Server) deletePoll(w http.ResponseWriter, r *http.Request) {
	pollID, ok := pollIDParam(w, r)
	if !ok {
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get(TokenHeader)
	}
	if err := s.polls.remove(pollID, s.verifier(pollID, token)); err != nil {
		writeTableError(w, r, err)
		return
	}
	log.Ctx(r.Context()).Info().Int64("pollId", pollID).Msg("poll deleted")

	s.hub.Broadcast(map[string]any{"type": "poll_deleted", "poll_id": pollID})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ListenAndServe runs the server on addr until ctx is done
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      s.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down gracefully...")
	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
