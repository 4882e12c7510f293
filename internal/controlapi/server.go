// Package controlapi is the loopback HTTP control surface: job lifecycle
// (create/start/pause/cancel/delete) and progress polling, mirroring the
// teacher's ControlServer but generalized from download tasks to batch
// jobs.
package controlapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/baeeng/batch-acquisition-engine/internal/config"
	"github.com/baeeng/batch-acquisition-engine/internal/geo"
	"github.com/baeeng/batch-acquisition-engine/internal/importparse"
	"github.com/baeeng/batch-acquisition-engine/internal/integrity"
	"github.com/baeeng/batch-acquisition-engine/internal/scheduler"
	"github.com/baeeng/batch-acquisition-engine/internal/security"
	"github.com/baeeng/batch-acquisition-engine/internal/storage"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server exposes the Store and Scheduler over loopback HTTP.
type Server struct {
	store      *storage.Storage
	sched      *scheduler.BatchScheduler
	cfg        *config.ConfigManager
	audit      *security.AuditLogger
	logger     *slog.Logger
	router     *chi.Mux
	activeReqs int64
}

func New(store *storage.Storage, sched *scheduler.BatchScheduler, cfg *config.ConfigManager, audit *security.AuditLogger, logger *slog.Logger) *Server {
	s := &Server{store: store, sched: sched, cfg: cfg, audit: audit, logger: logger, router: chi.NewRouter()}
	s.setupRoutes()
	return s
}

const maxConcurrentRequests = 16

func (s *Server) concurrencyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current := atomic.AddInt64(&s.activeReqs, 1)
		defer atomic.AddInt64(&s.activeReqs, -1)

		if current > maxConcurrentRequests {
			s.audit.Log("127.0.0.1", r.UserAgent(), "overloaded "+r.URL.Path, http.StatusTooManyRequests, "max concurrent requests reached")
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start binds to loopback only and serves in the background.
func (s *Server) Start(port int) {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	log.Printf("control API listening on %s", addr)

	go func() {
		conn, err := net.Listen("tcp", addr)
		if err != nil {
			log.Printf("control API failed to bind: %v", err)
			return
		}
		if err := http.Serve(conn, s.router); err != nil {
			log.Printf("control API failed: %v", err)
		}
	}()
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.securityMiddleware)
	s.router.Use(s.concurrencyLimitMiddleware)

	s.router.Post("/jobs", s.handleCreateJob)
	s.router.Post("/jobs/{id}/start", s.handleStartJob)
	s.router.Post("/jobs/{id}/pause", s.handlePauseJob)
	s.router.Post("/jobs/{id}/cancel", s.handleCancelJob)
	s.router.Get("/jobs/{id}", s.handleGetJob)
	s.router.Get("/jobs/{id}/sites", s.handleGetJobSites)
	s.router.Delete("/jobs/{id}", s.handleDeleteJob)
}

func (s *Server) securityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sourceIP, _, _ := net.SplitHostPort(r.RemoteAddr)
		action := fmt.Sprintf("%s %s", r.Method, r.URL.Path)

		if sourceIP != "127.0.0.1" && sourceIP != "::1" {
			s.audit.Log(sourceIP, r.UserAgent(), action, http.StatusForbidden, "external access denied")
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		expected := s.cfg.GetRemoteAPIKey()
		if expected != "" && r.Header.Get("X-BAE-Token") != expected {
			s.audit.Log(sourceIP, r.UserAgent(), action, http.StatusUnauthorized, "invalid token")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		s.audit.Log(sourceIP, r.UserAgent(), action, http.StatusOK, "authorized")
		next.ServeHTTP(w, r)
	})
}

// CreateJobRequest is the body for POST /jobs: the path of the site
// list to import plus the job-level defaults. The handler parses that
// file itself and creates one site per valid row.
type CreateJobRequest struct {
	Name            string  `json:"name"`
	SourceFile      string  `json:"source_file"`
	DateStart       string  `json:"date_start"`
	DateEnd         string  `json:"date_end"`
	DayFilter       []int   `json:"day_filter"`
	HourStart       int     `json:"hour_start"`
	HourEnd         int     `json:"hour_end"`
	MaxCloud        float64 `json:"max_cloud"`
	MaxSZA          float64 `json:"max_sza"`
	DefaultRadiusKm float64 `json:"default_radius_km"`
	BatchSize       int     `json:"batch_size"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	parsed, err := importparse.ParseFile(req.SourceFile)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(parsed.Valid) == 0 {
		http.Error(w, "no valid sites in source file", http.StatusBadRequest)
		return
	}

	dayJSON, _ := json.Marshal(req.DayFilter)
	hours := make([]int, 0, req.HourEnd-req.HourStart+1)
	for h := req.HourStart; h <= req.HourEnd; h++ {
		hours = append(hours, h)
	}
	hourJSON, _ := json.Marshal(hours)

	sourceHash, err := integrity.CalculateHash(req.SourceFile, "sha256")
	if err != nil {
		s.logger.Warn("failed to hash source file", "file", req.SourceFile, "err", err)
	}

	job := &storage.BatchJob{
		Name: req.Name, SourceFile: req.SourceFile, SourceFileHash: sourceHash,
		TotalSites: len(parsed.Valid),
		DateStart:  req.DateStart, DateEnd: req.DateEnd,
		DayFilterJSON: string(dayJSON), HourFilterJSON: string(hourJSON),
		MaxCloud: req.MaxCloud, MaxSZA: req.MaxSZA,
		DefaultRadiusKm: req.DefaultRadiusKm, BatchSize: req.BatchSize,
	}
	if err := s.store.CreateJob(job); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	sites := make([]*storage.BatchSite, 0, len(parsed.Valid))
	for i, row := range parsed.Valid {
		radius := job.DefaultRadiusKm
		if row.RadiusKm != nil {
			radius = *row.RadiusKm
		}
		box := geo.BoxFromCenter(row.Lat, row.Lon, radius)
		sites = append(sites, &storage.BatchSite{
			BatchJobID: job.ID, SequenceNumber: i + 1, SiteName: row.Name,
			Lat: row.Lat, Lon: row.Lon, RadiusKm: radius,
			BBoxWest: box.West, BBoxSouth: box.South, BBoxEast: box.East, BBoxNorth: box.North,
			CustomDateStart: row.DateStart, CustomDateEnd: row.DateEnd,
			CustomHourStart: row.HourStart, CustomHourEnd: row.HourEnd,
			CustomMaxCloud: row.MaxCloud, CustomMaxSZA: row.MaxSZA,
		})
	}
	if err := s.store.CreateSitesBatch(sites); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, job)
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	// r.Context() is canceled the instant this handler returns, but the
	// run continues long after the response is written — it needs its
	// own background context. Pause/cancel reach it through the
	// scheduler's own control registry, not through ctx.
	go func() {
		if err := s.sched.Run(context.Background(), id); err != nil {
			s.logger.Error("job run failed", "job", id, "err", err)
		}
	}()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handlePauseJob(w http.ResponseWriter, r *http.Request) {
	s.sched.Pause(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	s.sched.Cancel(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, job)
}

func (s *Server) handleGetJobSites(w http.ResponseWriter, r *http.Request) {
	sites, err := s.store.GetSitesForJob(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, sites)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	dataDir := s.cfg.GetDataDir()
	if err := s.store.DeleteJobFull(id, dataDir+"/"+id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
