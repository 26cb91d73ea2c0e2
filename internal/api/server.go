// Package api exposes sessions, forks and room connections over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"collabtext/internal/fork"
	"collabtext/internal/metrics"
	"collabtext/internal/room"
	"collabtext/internal/session"
	"collabtext/internal/updatelog"
)

// Sessions is the part of the session registry the API uses.
type Sessions interface {
	NegotiateSession(ctx context.Context, p, format, docType string) (session.Session, error)
	Attach(ctx context.Context, id, sessionID string, c *room.Client) (*room.Room, error)
}

// Forks is the part of the fork manager the API uses.
type Forks interface {
	CreateFork(ctx context.Context, rootID string, synchronize bool, title, description string) (fork.Fork, error)
	ListForks(rootID string) ([]fork.Fork, error)
	DeleteFork(ctx context.Context, forkID string, merge bool) error
}

type Options struct {
	Sessions Sessions
	Forks    Forks
	// Ready gates /healthz. Nil means always healthy.
	Ready      *updatelog.Ready
	Logger     *slog.Logger
	SendBuffer int
}

// Server routes the collaboration endpoints.
type Server struct {
	opts     Options
	logger   *slog.Logger
	router   *mux.Router
	validate *validator.Validate
	upgrader websocket.Upgrader
}

type sessionRequest struct {
	Format string `json:"format" validate:"required,oneof=text json base64"`
	Type   string `json:"type" validate:"required,oneof=file notebook"`
}

type forkRequest struct {
	Synchronize bool   `json:"synchronize"`
	Title       string `json:"title" validate:"max=256"`
	Description string `json:"description" validate:"max=4096"`
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		opts:     opts,
		logger:   opts.Logger,
		router:   mux.NewRouter(),
		validate: validator.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	api := s.router.PathPrefix("/api/collaboration").Subrouter()
	api.HandleFunc("/session/{path:.+}", s.putSession).Methods(http.MethodPut)
	api.HandleFunc("/fork/{id}", s.listForks).Methods(http.MethodGet)
	api.HandleFunc("/fork/{id}", s.createFork).Methods(http.MethodPut)
	api.HandleFunc("/fork/{id}", s.deleteFork).Methods(http.MethodDelete)
	api.HandleFunc("/room/{id}", s.serveRoom).Methods(http.MethodGet)
	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) putSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if !s.decode(w, r, &req) {
		return
	}
	sess, err := s.opts.Sessions.NegotiateSession(r.Context(), mux.Vars(r)["path"], req.Format, req.Type)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) listForks(w http.ResponseWriter, r *http.Request) {
	forks, err := s.opts.Forks.ListForks(mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, forks)
}

func (s *Server) createFork(w http.ResponseWriter, r *http.Request) {
	var req forkRequest
	if !s.decode(w, r, &req) {
		return
	}
	fk, err := s.opts.Forks.CreateFork(r.Context(), mux.Vars(r)["id"], req.Synchronize, req.Title, req.Description)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, fk)
}

func (s *Server) deleteFork(w http.ResponseWriter, r *http.Request) {
	merge := false
	if v := r.URL.Query().Get("merge"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "merge must be true or false")
			return
		}
		merge = b
	}
	if err := s.opts.Forks.DeleteFork(r.Context(), mux.Vars(r)["id"], merge); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if ready := s.opts.Ready; ready != nil {
		select {
		case <-ready.Done():
			if err := ready.Err(); err != nil {
				writeError(w, http.StatusServiceUnavailable, err.Error())
				return
			}
		default:
			writeError(w, http.StatusServiceUnavailable, "update log starting")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decode reads a JSON body into v and validates it, answering 400 itself
// on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// status maps domain errors to HTTP status codes.
func status(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidExtension):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNotReadable):
		return http.StatusForbidden
	case errors.Is(err, session.ErrPathNotFound),
		errors.Is(err, session.ErrRoomNotFound),
		errors.Is(err, fork.ErrForkNotFound),
		errors.Is(err, fork.ErrRootNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrClosed), errors.Is(err, room.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := status(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = http.StatusText(code)
	}
	writeError(w, code, msg)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
