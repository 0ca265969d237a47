// Package api serves the operator HTTP surface: health, session status,
// playback control, and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voicelink/voicelink/internal/audio"
	"github.com/voicelink/voicelink/internal/database"
	"github.com/voicelink/voicelink/internal/voice"
)

// SessionController is the slice of the voice session the API drives.
type SessionController interface {
	Play(src audio.Source)
	Stop()
	IsRunning() bool
	Stats() voice.Stats
}

// SessionLog reads back journal entries for the status endpoint.
type SessionLog interface {
	Recent(ctx context.Context, limit int) ([]*database.SessionRecord, error)
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router   *chi.Mux
	session  SessionController
	journal  SessionLog
	registry *prometheus.Registry

	// Source openers, overridden in tests.
	openFile func(path string) (audio.Source, error)
	openURL  func(url string) (audio.Source, error)
}

// NewServer creates the HTTP handler with all routes mounted. journal
// may be nil when no database is configured.
func NewServer(session SessionController, journal SessionLog, registry *prometheus.Registry) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		session:  session,
		journal:  journal,
		registry: registry,
		openFile: audio.OpenFFmpegStream,
		openURL:  audio.OpenYTDLStream,
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)
		r.Post("/play", s.handlePlay)
		r.Post("/stop", s.handleStop)
	})

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusResponse is the body of GET /api/v1/status.
type statusResponse struct {
	Running        bool             `json:"running"`
	Stats          voice.Stats      `json:"stats"`
	RecentSessions []sessionSummary `json:"recent_sessions"`
}

type sessionSummary struct {
	ID          string     `json:"id"`
	ServerID    string     `json:"server_id"`
	Endpoint    string     `json:"endpoint"`
	SSRC        int64      `json:"ssrc"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	PacketsSent int64      `json:"packets_sent"`
	Disposition string     `json:"disposition"`
	Failure     string     `json:"failure,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Running:        s.session.IsRunning(),
		Stats:          s.session.Stats(),
		RecentSessions: []sessionSummary{},
	}

	if s.journal != nil {
		records, err := s.journal.Recent(r.Context(), 20)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "reading session journal")
			return
		}
		for _, rec := range records {
			summary := sessionSummary{
				ID:          rec.ID,
				ServerID:    rec.ServerID,
				Endpoint:    rec.Endpoint,
				SSRC:        rec.SSRC,
				StartedAt:   rec.StartedAt,
				PacketsSent: rec.PacketsSent,
				Disposition: rec.Disposition,
				Failure:     rec.Failure,
			}
			if rec.EndedAt.Valid {
				t := rec.EndedAt.Time
				summary.EndedAt = &t
			}
			resp.RecentSessions = append(resp.RecentSessions, summary)
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

// playRequest selects an audio source: a local file decoded by ffmpeg,
// or a remote URL resolved through youtube-dl.
type playRequest struct {
	Path string `json:"path"`
	URL  string `json:"url"`
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	var req playRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var (
		src audio.Source
		err error
	)
	switch {
	case req.Path != "":
		src, err = s.openFile(req.Path)
	case req.URL != "":
		src, err = s.openURL(req.URL)
	default:
		respondError(w, http.StatusBadRequest, "either path or url is required")
		return
	}
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	s.session.Play(src)
	respondJSON(w, http.StatusAccepted, map[string]bool{"playing": s.session.IsRunning()})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.session.Stop()
	respondJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}
