// Package opsapi exposes the operator-facing HTTP surface: health, metrics,
// and manual reconciliation triggers. It is not the customer API and binds to
// an internal address.
package opsapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/tunnelbay/tunnelbay/internal/metrics"
	"github.com/tunnelbay/tunnelbay/pkg/logger"
)

// Rechecker re-examines a single deposit intent on demand.
type Rechecker interface {
	Recheck(ctx context.Context, intentID string) (bool, error)
}

// Sweeper triggers a full deposit sweep out of schedule.
type Sweeper interface {
	RunDepositSweep(ctx context.Context) (int, error)
}

// Config holds the listen address.
type Config struct {
	Addr            string
	ShutdownTimeout time.Duration
}

func (c *Config) withDefaults() {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:9090"
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}

// Server is the ops HTTP server.
type Server struct {
	config  Config
	recheck Rechecker
	sweeper Sweeper
	log     *logger.Logger
	httpSrv *http.Server
	started time.Time
}

// NewServer creates an ops server.
func NewServer(config Config, recheck Rechecker, sweeper Sweeper, log *logger.Logger) *Server {
	config.withDefaults()
	if log == nil {
		log = logger.NewDefault("opsapi")
	}
	s := &Server{config: config, recheck: recheck, sweeper: sweeper, log: log, started: time.Now()}
	s.httpSrv = &http.Server{
		Addr:         config.Addr,
		Handler:      metrics.InstrumentHandler(s.Router()),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/deposits/{id}/recheck", s.handleRecheck).Methods(http.MethodPost)
	r.HandleFunc("/sweeps/deposits", s.handleDepositSweep).Methods(http.MethodPost)
	return r
}

// Start begins serving. It blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	s.log.WithField("addr", s.config.Addr).Info("ops API listening")
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	}

	if info, err := host.Info(); err == nil {
		body["host"] = map[string]interface{}{
			"hostname": info.Hostname,
			"os":       fmt.Sprintf("%s %s", info.Platform, info.PlatformVersion),
			"uptime_s": info.Uptime,
		}
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		body["memory"] = map[string]interface{}{
			"total":        vm.Total,
			"used_percent": fmt.Sprintf("%.1f", vm.UsedPercent),
		}
	}
	if avg, err := load.Avg(); err == nil {
		body["load"] = map[string]float64{"1m": avg.Load1, "5m": avg.Load5, "15m": avg.Load15}
	}

	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleRecheck(w http.ResponseWriter, r *http.Request) {
	if s.recheck == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "reconciliation not configured"})
		return
	}
	id := mux.Vars(r)["id"]

	confirmed, err := s.recheck.Recheck(r.Context(), id)
	if err != nil {
		s.log.WithError(err).WithField("intent_id", id).Warn("manual recheck failed")
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"intent_id": id, "confirmed": confirmed})
}

func (s *Server) handleDepositSweep(w http.ResponseWriter, r *http.Request) {
	if s.sweeper == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "sweep not configured"})
		return
	}
	n, err := s.sweeper.RunDepositSweep(r.Context())
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"confirmed": n})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
