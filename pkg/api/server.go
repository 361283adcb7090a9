// Package api exposes a small management endpoint for the server harness:
// a health probe, a stats snapshot, and a websocket stream of live stats.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duskmesh/duskmesh/pkg/logging"
)

// SessionInfo describes one tracked peer session
type SessionInfo struct {
	Peer  string `json:"peer"`
	State string `json:"state"`
}

// Stats is a point-in-time snapshot of the endpoint
type Stats struct {
	Uptime              string        `json:"uptime"`
	Peers               int           `json:"peers"`
	Sessions            []SessionInfo `json:"sessions"`
	HandshakesCompleted uint64        `json:"handshakes_completed"`
	HandshakesFailed    uint64        `json:"handshakes_failed"`
	RecordsDelivered    uint64        `json:"records_delivered"`
	BytesDelivered      uint64        `json:"bytes_delivered"`
}

// StatsFunc produces the current snapshot. It is invoked from HTTP handler
// goroutines and must be safe for concurrent use.
type StatsFunc func() Stats

// Server is the management HTTP server
type Server struct {
	addr       string
	statsFn    StatsFunc
	log        *logging.Logger
	httpServer *http.Server
	upgrader   websocket.Upgrader
	interval   time.Duration
}

// NewServer creates a management server bound to addr
func NewServer(addr string, statsFn StatsFunc, log *logging.Logger) *Server {
	s := &Server{
		addr:    addr,
		statsFn: statsFn,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		interval: 2 * time.Second,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/stats/live", s.handleStatsLive)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start runs the server in a background goroutine
func (s *Server) Start() {
	go func() {
		s.log.Info("management API listening", logging.Fields{"addr": s.addr})
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("management API failed", logging.Fields{"error": err.Error()})
		}
	}()
}

// Stop shuts the server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintln(w, `{"status":"ok"}`)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.statsFn()); err != nil {
		s.log.Error("failed to encode stats", logging.Fields{"error": err.Error()})
	}
}

// handleStatsLive upgrades to a websocket and pushes a stats snapshot on a
// fixed interval until the client goes away.
func (s *Server) handleStatsLive(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", logging.Fields{"error": err.Error()})
		return
	}
	defer conn.Close()

	// drain control frames so pings and close handshakes are processed
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if err := conn.WriteJSON(s.statsFn()); err != nil {
			return
		}
		<-ticker.C
	}
}
