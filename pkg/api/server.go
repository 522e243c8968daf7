package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowmusic/flow/pkg/cluster"
	"github.com/flowmusic/flow/pkg/log"
	"github.com/flowmusic/flow/pkg/metrics"
	"github.com/flowmusic/flow/pkg/storage"
)

// Source is the manager view served by the API.
type Source interface {
	ClusterInfos() []cluster.Info
	TotalShards() int
	TotalClusters() int
}

// ClusterStatus merges a cluster's live state with its last stats report.
type ClusterStatus struct {
	ID        int        `json:"id" yaml:"id"`
	Shards    []int      `json:"shards" yaml:"shards,flow"`
	State     string     `json:"state" yaml:"state"`
	Ready     bool       `json:"ready" yaml:"ready"`
	Restarts  int        `json:"restarts" yaml:"restarts"`
	Pid       int        `json:"pid,omitempty" yaml:"pid,omitempty"`
	Guilds    int        `json:"guilds" yaml:"guilds"`
	Players   int        `json:"players" yaml:"players"`
	MemoryMB  float64    `json:"memoryMb" yaml:"memory_mb"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty" yaml:"updated_at,omitempty"`
}

// StatusResponse is the body of /clusters.
type StatusResponse struct {
	TotalShards   int             `json:"totalShards" yaml:"total_shards"`
	TotalClusters int             `json:"totalClusters" yaml:"total_clusters"`
	Guilds        int             `json:"guilds" yaml:"guilds"`
	Players       int             `json:"players" yaml:"players"`
	Clusters      []ClusterStatus `json:"clusters" yaml:"clusters"`
	Timestamp     time.Time       `json:"timestamp" yaml:"timestamp"`
}

// Server exposes metrics, health probes and cluster status over HTTP.
type Server struct {
	source Source
	store  storage.Store
	health *metrics.Checker
	mux    *http.ServeMux
	logger zerolog.Logger

	mu     sync.Mutex
	server *http.Server
}

// NewServer creates the HTTP server. store may be nil.
func NewServer(source Source, store storage.Store) *Server {
	mux := http.NewServeMux()
	s := &Server{
		source: source,
		store:  store,
		health: metrics.NewChecker(source),
		mux:    mux,
		logger: log.WithComponent("api"),
	}
	if store != nil {
		s.health.AddCheck("store", func() error {
			_, err := store.Totals()
			return err
		})
	}

	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", s.health.HealthHandler())
	mux.HandleFunc("/ready", s.health.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	mux.HandleFunc("/clusters", s.clustersHandler)

	return s
}

// Start listens on addr and serves until Shutdown.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	server := &http.Server{
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.mu.Lock()
	s.server = server
	s.mu.Unlock()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("API server listening")

	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	s.mu.Unlock()

	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

// Health returns the checker behind /health and /ready.
func (s *Server) Health() *metrics.Checker {
	return s.health
}

// Handler returns the mux for embedding in other servers.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Status builds the /clusters snapshot.
func (s *Server) Status() (StatusResponse, error) {
	resp := StatusResponse{
		TotalShards:   s.source.TotalShards(),
		TotalClusters: s.source.TotalClusters(),
		Timestamp:     time.Now(),
	}

	records := map[int]*storage.ClusterRecord{}
	if s.store != nil {
		list, err := s.store.ListClusters()
		if err != nil {
			return StatusResponse{}, err
		}
		for _, r := range list {
			records[r.ClusterID] = r
		}
	}

	infos := s.source.ClusterInfos()
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })

	resp.Clusters = make([]ClusterStatus, 0, len(infos))
	for _, info := range infos {
		cs := ClusterStatus{
			ID:       info.ID,
			Shards:   info.Shards,
			State:    info.State,
			Ready:    info.Ready,
			Restarts: info.Restarts,
			Pid:      info.Pid,
		}
		if r, ok := records[info.ID]; ok {
			cs.Guilds = r.GuildCount
			cs.Players = r.PlayerCount
			cs.MemoryMB = r.MemoryMB
			updated := r.UpdatedAt
			cs.UpdatedAt = &updated
		}
		resp.Guilds += cs.Guilds
		resp.Players += cs.Players
		resp.Clusters = append(resp.Clusters, cs)
	}
	return resp, nil
}

func (s *Server) clustersHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status, err := s.Status()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to build cluster status")
		http.Error(w, "failed to read cluster status", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(status)
}
