// Package webapi implements the HTTP/SSE surface of SPEC_FULL.md §4.9:
// the domain collaborator that exposes the Registry and Supervisors
// over `net/http`.
//
// Grounded on agent-deck's internal/web/server.go (http.Server wiring,
// base-context cancellation, panic recovery middleware) and auth.go
// (the zero-cost bearer-token gate applied only when a token is
// configured).
package webapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/lineforge/lineforge/internal/inputmux"
	"github.com/lineforge/lineforge/internal/logging"
	"github.com/lineforge/lineforge/internal/registry"
	"github.com/lineforge/lineforge/internal/session"
	"github.com/lineforge/lineforge/internal/supervisor"
)

// Config configures the HTTP server.
type Config struct {
	ListenAddr string
	Token      string
	DefaultTool session.ToolKind
	YoloMode    bool

	// CrashDumpDir, if set, receives a crash-<unix-nano>.log snapshot of
	// recent structured log history whenever a handler panics.
	CrashDumpDir string
}

// Server wraps an http.Server exposing the Registry.
type Server struct {
	cfg        Config
	registry   *registry.Registry
	httpServer *http.Server
	baseCtx    context.Context
	cancelBase context.CancelFunc
	log        *slog.Logger
}

// New builds a Server routing the endpoints in spec.md §6.
func New(cfg Config, reg *registry.Registry) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:42067"
	}
	s := &Server{cfg: cfg, registry: reg, log: logging.ForComponent(logging.CompHTTP)}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/", s.handleSessionByID)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           withRecover(s.log, cfg.CrashDumpDir, mux),
		BaseContext:       func(net.Listener) context.Context { return s.baseCtx },
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.httpServer.Addr }

// Handler exposes the routed http.Handler for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// ListenAndServe starts the server and blocks until Shutdown or error.
func (s *Server) ListenAndServe() error {
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server, cancelling the base context so
// long-lived SSE handlers unblock promptly.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancelBase()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return s.httpServer.Close()
		}
		return err
	}
	return nil
}

// withRecover catches a panicking handler, logs it, and on a configured
// CrashDumpDir writes the tail of the structured log (via the package's
// in-memory RingBuffer) to a dump file so the crash has surrounding
// context even if the request that triggered it never got logged.
func withRecover(log *slog.Logger, crashDumpDir string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("panic", slog.Any("recover", rec), slog.String("path", r.URL.Path))
				if crashDumpDir != "" {
					dumpPath := filepath.Join(crashDumpDir, fmt.Sprintf("crash-%d.log", time.Now().UnixNano()))
					if err := logging.DumpRingBuffer(dumpPath); err != nil {
						log.Warn("crash_dump_failed", slog.String("error", err.Error()))
					} else {
						log.Info("crash_dump_written", slog.String("path", dumpPath))
					}
				}
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	if tok := strings.TrimSpace(r.URL.Query().Get("token")); tok != "" && secureEqual(tok, s.cfg.Token) {
		return true
	}
	if tok := bearerToken(r.Header.Get("Authorization")); tok != "" && secureEqual(tok, s.cfg.Token) {
		return true
	}
	return false
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}

func secureEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiErrorResponse{Error: apiError{Code: code, Message: message}})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "time": time.Now().UTC().Format(time.RFC3339)})
}

type spawnRequest struct {
	Label      string   `json:"label,omitempty"`
	Tool       string   `json:"tool"`
	WorkingDir string   `json:"working_dir,omitempty"`
	ExtraArgs  []string `json:"extra_args,omitempty"`
	Yolo       *bool    `json:"yolo,omitempty"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	switch r.Method {
	case http.MethodPost:
		s.handleSpawn(w, r)
	case http.MethodGet:
		s.handleList(w, r)
	default:
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	}
}

func (s *Server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var req spawnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}

	toolStr := req.Tool
	if toolStr == "" {
		toolStr = string(s.cfg.DefaultTool)
	}
	tool, err := session.ParseToolKind(toolStr)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "BAD_TOOL", err.Error())
		return
	}

	yolo := s.cfg.YoloMode
	if req.Yolo != nil {
		yolo = *req.Yolo
	}

	spec := supervisor.Spec{
		Label:      req.Label,
		Tool:       tool,
		WorkingDir: req.WorkingDir,
		ArgvTail:   req.ExtraArgs,
		Yolo:       yolo,
	}

	meta, err := s.registry.Create(s.baseCtx, spec)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "SPAWN_FAILED", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, meta)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	metas, err := s.registry.List()
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "LIST_FAILED", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, metas)
}

// handleSessionByID dispatches /api/sessions/{id}[/action].
func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.SplitN(rest, "/", 2)
	idOrPrefix := parts[0]
	if idOrPrefix == "" {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "missing session id")
		return
	}

	id, err := s.registry.Resolve(idOrPrefix)
	if err != nil {
		s.writeResolveError(w, err)
		return
	}

	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch action {
	case "":
		s.handleGet(w, r, id)
	case "input":
		s.handleInput(w, r, id)
	case "stop":
		s.handleStop(w, r, id)
	case "resize":
		s.handleResize(w, r, id)
	case "events":
		s.handleEvents(w, r, id)
	default:
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "unknown action")
	}
}

func (s *Server) writeResolveError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrAmbiguousPrefix):
		writeAPIError(w, http.StatusConflict, "AMBIGUOUS_PREFIX", err.Error())
	case errors.Is(err, registry.ErrNotFound):
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	default:
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, id session.ID) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	meta, err := s.registry.Get(id)
	if err != nil {
		s.writeResolveError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

type inputRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request, id session.ID) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	sup, err := s.registry.GetSupervisor(id)
	if err != nil {
		s.writeResolveError(w, err)
		return
	}
	var req inputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}

	err = sup.SubmitInput(r.Context(), []byte(req.Text))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case errors.Is(err, inputmux.ErrBackpressure):
		writeAPIError(w, http.StatusServiceUnavailable, "BACKPRESSURE", err.Error())
	case errors.Is(err, supervisor.ErrNotRunning):
		writeAPIError(w, http.StatusConflict, "NOT_RUNNING", err.Error())
	default:
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request, id session.ID) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if err := s.registry.Stop(id); err != nil {
		writeAPIError(w, http.StatusInternalServerError, "STOP_FAILED", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type resizeRequest struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request, id session.ID) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	sup, err := s.registry.GetSupervisor(id)
	if err != nil {
		s.writeResolveError(w, err)
		return
	}
	var req resizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	if err := sup.Resize(req.Cols, req.Rows); err != nil {
		writeAPIError(w, http.StatusInternalServerError, "RESIZE_FAILED", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type logEvent struct {
	Sequence uint64 `json:"sequence"`
	Data     string `json:"data"`
}

type resizeEvent struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, id session.ID) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	sup, err := s.registry.GetSupervisor(id)
	if err != nil {
		s.writeResolveError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "stream unavailable")
		return
	}

	ring := sup.Ring()
	live, unsubscribe := ring.Subscribe()
	defer unsubscribe()

	resizes, unsubscribeResize := sup.SubscribeResize()
	defer unsubscribeResize()

	firstAvail, entries := ring.Snapshot()
	lastDelivered := firstAvail - 1

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	for _, e := range entries {
		if err := writeSSEEvent(w, flusher, "log", logEvent{Sequence: e.Sequence, Data: string(e.Bytes)}); err != nil {
			return
		}
		lastDelivered = e.Sequence
	}

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := writeSSEComment(w, flusher, "keepalive"); err != nil {
				return
			}
		case size, ok := <-resizes:
			if !ok {
				resizes = nil
				continue
			}
			if err := writeSSEEvent(w, flusher, "resize", resizeEvent{Cols: size[0], Rows: size[1]}); err != nil {
				return
			}
		case msg, ok := <-live:
			if !ok {
				return
			}
			if msg.Gap != nil {
				if err := writeSSERaw(w, flusher, "gap", fmt.Sprintf("missed %d entries", msg.Gap.Missed)); err != nil {
					return
				}
				continue
			}
			if msg.Entry.Sequence <= lastDelivered {
				continue
			}
			lastDelivered = msg.Entry.Sequence
			if err := writeSSEEvent(w, flusher, "log", logEvent{Sequence: msg.Entry.Sequence, Data: string(msg.Entry.Bytes)}); err != nil {
				return
			}
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func writeSSERaw(w http.ResponseWriter, flusher http.Flusher, event, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func writeSSEComment(w http.ResponseWriter, flusher http.Flusher, comment string) error {
	if _, err := fmt.Fprintf(w, ": %s\n\n", comment); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
