// Package httpapi implements recordd's health and metrics HTTP surface,
// adapted from the teacher's HealthServer: a liveness check, a readiness
// check that reports peer message bus status, and the Prometheus scrape
// endpoint.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/deepstream-io/recordd/internal/metrics"
)

// ClusterStatus is the subset of peerbus.Bus the readiness check needs.
// Satisfied by *peerbus.Bus; a nil ClusterStatus degrades readiness to
// "always ready" for cache-only, single-node deployments.
type ClusterStatus interface {
	IsLeader() bool
	LeaderAddr() string
}

// Server serves /health, /ready and /metrics.
type Server struct {
	cluster ClusterStatus
	mux     *http.ServeMux
}

// New builds a Server. cluster may be nil.
func New(cluster ClusterStatus) *Server {
	mux := http.NewServeMux()
	s := &Server{cluster: cluster, mux: mux}

	mux.HandleFunc("/health", s.health)
	mux.HandleFunc("/ready", s.ready)
	mux.Handle("/metrics", metrics.Handler())

	return s
}

// Start runs the server, blocking until it exits or ctx-driven shutdown is
// added by the caller.
func (s *Server) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}

type healthResponse struct {
	Status string `json:"status"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(healthResponse{Status: "healthy"})
}

type readyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := map[string]string{}
	if s.cluster != nil {
		if s.cluster.IsLeader() {
			checks["peerbus"] = "leader"
		} else if addr := s.cluster.LeaderAddr(); addr != "" {
			checks["peerbus"] = "follower of " + addr
		} else {
			checks["peerbus"] = "no leader"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(readyResponse{Status: "ready", Checks: checks})
}
