// Package api is the HTTP surface of the service: metrics scrape,
// websocket subscriptions and a small operational v1 API for issuing
// device commands and invalidating the topic cache.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ThingsPanel/telemetry-hub/internal/device"
	"github.com/ThingsPanel/telemetry-hub/internal/metrics"
)

// CommandSender issues a command and waits for the correlated response.
type CommandSender interface {
	Send(ctx context.Context, deviceCode, command string, params map[string]interface{}, timeout time.Duration) device.CommandResult
	PendingCount() int
}

// CacheInvalidator drops an owner's cached topic entries.
type CacheInvalidator interface {
	Invalidate(ownerID string)
}

// Subscriber upgrades a request to a live event subscription.
type Subscriber interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
}

type Options struct {
	Listen         string
	CommandTimeout time.Duration
}

type Server struct {
	httpServer *http.Server
	commands   CommandSender
	resolver   CacheInvalidator
	log        *zap.Logger
	opts       Options
}

func NewServer(opts Options, hub Subscriber, commands CommandSender, resolver CacheInvalidator, log *zap.Logger) *Server {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 30 * time.Second
	}
	s := &Server{
		commands: commands,
		resolver: resolver,
		log:      log,
		opts:     opts,
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/v1/commands", s.handleCommand)
	mux.HandleFunc("/v1/cache/invalidate", s.handleInvalidate)
	if hub != nil {
		mux.HandleFunc("/ws", hub.ServeWS)
	}
	s.httpServer = &http.Server{Addr: opts.Listen, Handler: mux}
	return s
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		err := s.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			s.log.Error("http server failed", zap.Error(err))
		}
	}()
	s.log.Info("http server listening", zap.String("addr", s.opts.Listen))
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "ok",
		"pending_commands": s.commands.PendingCount(),
	})
}

type commandRequest struct {
	DeviceCode string                 `json:"device_code"`
	Command    string                 `json:"command"`
	Params     map[string]interface{} `json:"params,omitempty"`
}

// handleCommand publishes a command and blocks until the device
// responds or the timeout fires. The body always carries a result,
// never a transport error: a timed-out command is a failed result with
// status 200.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.DeviceCode == "" || req.Command == "" {
		http.Error(w, "device_code and command are required", http.StatusBadRequest)
		return
	}
	result := s.commands.Send(r.Context(), req.DeviceCode, req.Command, req.Params, s.opts.CommandTimeout)
	writeJSON(w, http.StatusOK, result)
}

type invalidateRequest struct {
	OwnerID string `json:"owner_id"`
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req invalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.OwnerID == "" {
		http.Error(w, "owner_id is required", http.StatusBadRequest)
		return
	}
	s.resolver.Invalidate(req.OwnerID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
