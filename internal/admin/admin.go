// Package admin serves the optional operator HTTP surface: health, live
// connections, loaded packs and a websocket tail of the server log.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sheerbytes/cafiine/internal/logtail"
	"github.com/sheerbytes/cafiine/internal/session"
	"github.com/sheerbytes/cafiine/internal/storage"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	idleTimeout  = 2 * pingInterval
)

// PackLister reports the packs known to the storage system.
type PackLister interface {
	Packs() []storage.PackInfo
}

// Handler exposes server state over HTTP.
type Handler struct {
	sessions *session.Store
	packs    PackLister
	hub      *logtail.Hub
	logger   *slog.Logger
	upgrader websocket.Upgrader
	mux      *http.ServeMux
}

// NewHandler builds the admin routes. hub may be nil, which disables /ws/logs.
func NewHandler(sessions *session.Store, packs PackLister, hub *logtail.Hub, logger *slog.Logger) *Handler {
	h := &Handler{
		sessions: sessions,
		packs:    packs,
		hub:      hub,
		logger:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins
			},
		},
		mux: http.NewServeMux(),
	}
	h.mux.HandleFunc("/health", h.handleHealth)
	h.mux.HandleFunc("/sessions", h.handleSessions)
	h.mux.HandleFunc("/packs", h.handlePacks)
	h.mux.HandleFunc("/ws/logs", h.handleLogs)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"connections": h.sessions.Len(),
	})
}

func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	h.writeJSON(w, http.StatusOK, h.sessions.List())
}

func (h *Handler) handlePacks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	h.writeJSON(w, http.StatusOK, h.packs.Packs())
}

func (h *Handler) handleLogs(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		sendError(w, http.StatusNotFound, "log tail disabled")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	conn.SetReadDeadline(time.Now().Add(idleTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		return nil
	})

	send := func(rec logtail.Record) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteJSON(rec)
	}
	subID := uuid.NewString()
	remove := h.hub.Subscribe(subID, send)
	defer remove()
	h.logger.Debug("log tail subscriber connected", "subscriber", subID, "remote", r.RemoteAddr)

	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopPing:
				return
			case <-ticker.C:
				writeMu.Lock()
				_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
				writeMu.Unlock()
			}
		}
	}()

	// Incoming messages are ignored; reading drives close and pong handling.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.logger.Debug("log tail subscriber gone", "subscriber", subID, "error", err)
			return
		}
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// Serve runs handler on ln until ctx is cancelled.
func Serve(ctx context.Context, ln net.Listener, handler http.Handler) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	})
	defer stop()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on addr and calls Serve.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return Serve(ctx, ln, handler)
}
