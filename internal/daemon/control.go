package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"PowerSched/internal/pool"
)

// Control-channel wire types, shared with the client CLI.
type (
	OverrideRequest struct {
		Machine string `json:"machine"`
		State   string `json:"state"`
	}

	ErrorResponse struct {
		Error string `json:"error"`
	}

	OKResponse struct {
		OK bool `json:"ok"`
	}
)

// controlServer exposes the daemon over a local unix socket with JSON
// request/response bodies. Overrides only queue through the state
// manager; nothing here mutates machine state directly.
type controlServer struct {
	daemon *Daemon
	server *http.Server
}

func newControlServer(d *Daemon) *controlServer {
	mux := http.NewServeMux()
	c := &controlServer{
		daemon: d,
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
		},
	}
	mux.HandleFunc("/api/v1/override", c.handleOverride)
	mux.HandleFunc("/api/v1/status", c.handleStatus)
	mux.HandleFunc("/api/v1/shutdown", c.handleShutdown)
	return c
}

func (c *controlServer) Start(socketPath string) error {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	// A leftover socket from an unclean exit would block the bind.
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale socket %s: %w", socketPath, err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", socketPath, err)
	}

	go func() {
		if err := c.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Control server failed: %v", err)
		}
	}()
	log.Infof("Control server listening on %s", socketPath)
	return nil
}

func (c *controlServer) Close() {
	if err := c.server.Close(); err != nil {
		log.Errorf("Failed to close control server: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Errorf("Failed to write control response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, ErrorResponse{Error: fmt.Sprintf(format, args...)})
}

func (c *controlServer) handleOverride(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "override requires POST")
		return
	}

	var req OverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}

	target, err := pool.ParsePowerState(req.State)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	if err := c.daemon.manager.QueueOverride(req.Machine, target); err != nil {
		writeError(w, http.StatusNotFound, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

func (c *controlServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "status requires GET")
		return
	}
	writeJSON(w, http.StatusOK, c.daemon.manager.Status())
}

func (c *controlServer) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "shutdown requires POST")
		return
	}
	log.Info("Shutdown requested over control channel")
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
	c.daemon.Stop()
}
