// Package api exposes a read-only HTTP diagnostics surface over the
// cluster runtime. There are no mutation endpoints: a cluster node is
// discovered by the tend loop, never created or deleted through the API.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shardkv/goclient/internal/cluster"
	"github.com/shardkv/goclient/internal/metrics"
	"github.com/shardkv/goclient/internal/node"
)

// Server is the read-only diagnostics and metrics HTTP server.
type Server struct {
	cluster    *cluster.Cluster
	metrics    *metrics.Collector
	httpServer *http.Server
	startTime  time.Time
	logger     *slog.Logger
}

// NewServer creates a diagnostics server over the given cluster.
func NewServer(cl *cluster.Cluster, m *metrics.Collector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cluster: cl, metrics: m, startTime: time.Now(), logger: logger}
}

// Start starts the HTTP diagnostics server on the given bind:port.
func (s *Server) Start(bind string, port int) error {
	r := mux.NewRouter()

	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/nodes", s.listNodesHandler).Methods("GET")
	r.HandleFunc("/nodes/{name}", s.getNodeHandler).Methods("GET")
	r.HandleFunc("/partitions/{namespace}", s.partitionsHandler).Methods("GET")
	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}
	r.HandleFunc("/", s.dashboardHandler).Methods("GET")
	r.HandleFunc("/dashboard", s.dashboardHandler).Methods("GET")

	addr := fmt.Sprintf("%s:%d", bind, port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.logger.Info("diagnostics API listening", "addr", addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("api server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the diagnostics server.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	nodes := s.cluster.Nodes()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"num_nodes":      len(nodes),
		"invalid_hosts":  s.cluster.InvalidHostCount(),
	})
}

func (s *Server) listNodesHandler(w http.ResponseWriter, r *http.Request) {
	nodes := s.cluster.Nodes()
	stats := make([]nodeStatsOut, 0, len(nodes))
	for _, n := range nodes {
		stats = append(stats, toNodeStatsOut(n.Stats()))
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) getNodeHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	for _, n := range s.cluster.Nodes() {
		if n.Name() == name {
			writeJSON(w, http.StatusOK, toNodeStatsOut(n.Stats()))
			return
		}
	}
	writeError(w, http.StatusNotFound, "node not found")
}

func (s *Server) partitionsHandler(w http.ResponseWriter, r *http.Request) {
	namespace := mux.Vars(r)["namespace"]
	parts, ok := s.cluster.Topology().Load()[namespace]
	if !ok {
		writeError(w, http.StatusNotFound, "namespace not found")
		return
	}

	rows := make([][]string, len(parts.Replicas))
	for ri, row := range parts.Replicas {
		names := make([]string, len(row))
		for pi, ref := range row {
			if ref != nil {
				names[pi] = ref.Name()
			}
		}
		rows[ri] = names
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"namespace":     parts.Namespace,
		"replica_count": parts.ReplicaCount,
		"sc_mode":       parts.SCMode,
		"replicas":      rows,
		"regimes":       parts.Regimes,
	})
}

func (s *Server) dashboardHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(dashboardHTML))
}

type nodeStatsOut struct {
	Name                string `json:"name"`
	Active              bool   `json:"active"`
	PoolTotal           int    `json:"pool_total"`
	PoolIdle            int    `json:"pool_idle"`
	PoolActive          int    `json:"pool_active"`
	ErrorCount          int64  `json:"error_count"`
	TimeoutCount        int64  `json:"timeout_count"`
	ConnectionsOpened   int64  `json:"connections_opened"`
	ConnectionsClosed   int64  `json:"connections_closed"`
	BytesIn             int64  `json:"bytes_in"`
	BytesOut            int64  `json:"bytes_out"`
	PeersGeneration     uint64 `json:"peers_generation"`
	PartitionGeneration uint64 `json:"partition_generation"`
}

func toNodeStatsOut(st node.Stats) nodeStatsOut {
	return nodeStatsOut{
		Name:                st.Name,
		Active:              st.Active,
		PoolTotal:           st.Pool.Total,
		PoolIdle:            st.Pool.Idle,
		PoolActive:          st.Pool.Active,
		ErrorCount:          st.ErrorCount,
		TimeoutCount:        st.TimeoutCount,
		ConnectionsOpened:   st.ConnectionsOpened,
		ConnectionsClosed:   st.ConnectionsClosed,
		BytesIn:             st.BytesIn,
		BytesOut:            st.BytesOut,
		PeersGeneration:     st.PeersGeneration,
		PartitionGeneration: st.PartitionGeneration,
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
