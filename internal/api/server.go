package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"storyboard-sync/internal/apperr"
	"storyboard-sync/internal/coordinator"
	"storyboard-sync/internal/events"
	"storyboard-sync/internal/models"
	"storyboard-sync/internal/queue"
	"storyboard-sync/internal/store"
	"storyboard-sync/internal/telemetry"
)

// ConnectivitySetter accepts connectivity reports from the app bridge.
type ConnectivitySetter interface {
	Set(online bool) bool
}

// Server wires HTTP handlers for the sync control surface.
type Server struct {
	queue  *queue.Queue
	coord  *coordinator.Coordinator
	bus    *events.Bus
	online ConnectivitySetter
	log    zerolog.Logger
}

// New constructs the API server. online may be nil when connectivity is
// probed rather than reported.
func New(q *queue.Queue, coord *coordinator.Coordinator, bus *events.Bus, online ConnectivitySetter, log zerolog.Logger) *Server {
	return &Server{
		queue:  q,
		coord:  coord,
		bus:    bus,
		online: online,
		log:    log.With().Str("component", "api").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/actions", func(r chi.Router) {
		r.Post("/", s.handleEnqueue)
		r.Get("/", s.handleListActions)
		r.Get("/{id}", s.handleGetAction)
		r.Delete("/{id}", s.handleDeleteAction)
		r.Post("/{id}/retry", s.handleRetry)
	})

	r.Route("/projects", func(r chi.Router) {
		r.Post("/", s.handleCreateProject)
		r.Get("/", s.handleListProjects)
		r.Get("/{id}", s.handleGetProject)
	})

	r.Post("/sync", s.handleSync)
	r.Post("/cleanup", s.handleCleanup)
	r.Get("/status", s.handleStatus)
	r.Put("/connectivity", s.handleConnectivity)
	r.Get("/notifications", s.handleNotifications)
	r.Get("/ws", s.handleWS)
	return r
}

type enqueueRequest struct {
	Type     models.ActionType `json:"type"`
	Payload  json.RawMessage   `json:"payload"`
	Priority int               `json:"priority"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}
	payload, err := models.DecodePayload(req.Type, req.Payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	action, err := s.queue.Enqueue(r.Context(), payload, queue.WithPriority(req.Priority))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, action)
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	var filter store.ActionFilter
	for _, v := range splitParam(r, "status") {
		st := models.ActionStatus(v)
		if !st.Valid() {
			http.Error(w, "unknown status "+v, http.StatusBadRequest)
			return
		}
		filter.Statuses = append(filter.Statuses, st)
	}
	for _, v := range splitParam(r, "type") {
		t := models.ActionType(v)
		if !t.Valid() {
			http.Error(w, "unknown type "+v, http.StatusBadRequest)
			return
		}
		filter.Types = append(filter.Types, t)
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		filter.Limit = n
	}

	actions, err := s.queue.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": actions})
}

func (s *Server) handleGetAction(w http.ResponseWriter, r *http.Request) {
	action, err := s.queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, action)
}

func (s *Server) handleDeleteAction(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.DeletePermanently(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	action, err := s.queue.Requeue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, action)
}

type createProjectRequest struct {
	Title      string `json:"title"`
	SourceText string `json:"source_text"`
	Style      string `json:"style"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		http.Error(w, "title is required", http.StatusBadRequest)
		return
	}
	now := s.queue.Now()
	p := models.Project{
		ID:         uuid.NewString(),
		Title:      req.Title,
		SourceText: req.SourceText,
		Style:      req.Style,
		Status:     models.ProjectDraft,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err := s.queue.Store().Write(r.Context(), func(tx *store.Tx) error {
		return tx.InsertProject(r.Context(), p)
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.queue.Store().ListProjects(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": projects})
}

type projectResponse struct {
	models.Project
	Scenes []models.Scene `json:"scenes"`
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st := s.queue.Store()
	p, err := st.FindProject(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	scenes, err := st.ListScenes(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if scenes == nil {
		scenes = []models.Scene{}
	}
	writeJSON(w, http.StatusOK, projectResponse{Project: p, Scenes: scenes})
}

type syncResponse struct {
	Coalesced bool               `json:"coalesced"`
	Finished  bool               `json:"finished"`
	Skipped   string             `json:"skipped,omitempty"`
	Attempted int                `json:"attempted"`
	Succeeded int                `json:"succeeded"`
	Retried   int                `json:"retried"`
	Failed    int                `json:"failed"`
	Deferred  int                `json:"deferred"`
	Status    coordinator.Status `json:"status"`
}

// handleSync starts a manual drain. With ?wait=true it answers once the pass
// has finished; a client giving up does not stop the pass.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	task := s.coord.Trigger(coordinator.ReasonManual)
	resp := syncResponse{Coalesced: task.Coalesced()}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); !wait {
		resp.Status = s.coord.Status()
		writeJSON(w, http.StatusAccepted, resp)
		return
	}

	res, err := task.Wait(r.Context())
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp.Finished = true
	resp.Skipped = string(res.Skipped)
	resp.Attempted = res.Attempted
	resp.Succeeded = res.Succeeded
	resp.Retried = res.Retried
	resp.Failed = res.Failed
	resp.Deferred = res.Deferred
	resp.Status = s.coord.Status()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	n, err := s.coord.Cleanup(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.Status())
}

type connectivityRequest struct {
	Online *bool `json:"online"`
}

func (s *Server) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	if s.online == nil {
		http.Error(w, "connectivity is probed, not reported", http.StatusConflict)
		return
	}
	var req connectivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Online == nil {
		http.Error(w, "online is required", http.StatusBadRequest)
		return
	}
	changed := s.online.Set(*req.Online)
	writeJSON(w, http.StatusOK, map[string]bool{"online": *req.Online, "changed": changed})
}

func (s *Server) handleNotifications(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": s.bus.Recent()})
}

// writeError maps domain errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, queue.ErrConflict), errors.Is(err, queue.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	case apperr.Is(err, apperr.KindValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, coordinator.ErrStopped):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		s.log.Error().Err(err).Msg("request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func splitParam(r *http.Request, name string) []string {
	var out []string
	for _, v := range r.URL.Query()[name] {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
