// Package httpapi serves the call-side HTTP surface: the booking collaborator
// reads sessions and writes bookings here, and operators inspect or reset the
// quota guard.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/harunnryd/callpilot/pkg/logging"
	"github.com/harunnryd/callpilot/pkg/manager"
	"github.com/harunnryd/callpilot/pkg/quota"
	"github.com/harunnryd/callpilot/pkg/session"
)

const maxBookingBytes = 64 << 10

// Sessions is the part of the session manager the API reads and writes.
type Sessions interface {
	Snapshot(callID string) (session.Snapshot, bool)
	RecordBooking(callID string, raw json.RawMessage) (session.ActivityEntry, error)
	Guard() *quota.Guard
}

// Mount registers extra routes, such as the telephony webhooks.
type Mount func(r chi.Router)

type Config struct {
	Addr string
	// AdminToken, when set, must be sent as a bearer token on write endpoints.
	AdminToken        string
	ReadHeaderTimeout time.Duration
}

type Server struct {
	cfg      Config
	sessions Sessions
	mounts   []Mount
	log      *slog.Logger
	srv      *http.Server
}

func New(cfg Config, sessions Sessions, log *slog.Logger, mounts ...Mount) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		mounts:   mounts,
		log:      logging.NewComponentLogger(log, "http_api"),
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Route("/calls/{callID}", func(r chi.Router) {
		r.Get("/", s.handleGetCall)
		r.With(s.requireToken).Post("/booking", s.handleBooking)
	})
	r.Get("/quota", s.handleQuota)
	r.With(s.requireToken).Post("/quota/reset", s.handleQuotaReset)

	for _, mount := range s.mounts {
		mount(r)
	}
	return r
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}
	s.log.Info("http_listening", "addr", ln.Addr().String())
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http_server_failed", "error", err)
		}
	}()
	return nil
}

// Shutdown stops accepting connections. Hijacked media sockets are not
// tracked by the server and must be closed by their owner.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	snap, ok := s.sessions.Snapshot(callID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown call")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleBooking(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBookingBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}
	if len(body) > maxBookingBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "booking too large")
		return
	}
	entry, err := s.sessions.RecordBooking(callID, json.RawMessage(body))
	switch {
	case errors.Is(err, manager.ErrUnknownCall):
		writeError(w, http.StatusNotFound, "unknown call")
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.log.Info("booking_recorded", "call_id", callID)
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleQuota(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.Guard().Snapshot())
}

func (s *Server) handleQuotaReset(w http.ResponseWriter, _ *http.Request) {
	g := s.sessions.Guard()
	g.Reset()
	writeJSON(w, http.StatusOK, g.Snapshot())
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.AdminToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
