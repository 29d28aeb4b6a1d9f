package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"reportflow/internal/domain"
	"reportflow/internal/schedule"
	"reportflow/internal/scheduler"
	"reportflow/internal/store"
)

type Server struct {
	r       *chi.Mux
	store   store.Store
	trigger *scheduler.Service
}

func NewServer(st store.Store, trigger *scheduler.Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, store: st, trigger: trigger}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.Post("/api/schedules", s.createSchedule)
	r.Get("/api/schedules", s.listSchedules)
	r.Get("/api/schedules/{id}", s.getSchedule)
	r.Put("/api/schedules/{id}", s.updateSchedule)
	r.Delete("/api/schedules/{id}", s.deleteSchedule)
	r.Get("/api/schedules/{id}/runs", s.listRuns)
	r.Post("/api/schedules/{id}/trigger", s.triggerSchedule)
	r.Post("/api/schedules/{id}/pause", s.pauseSchedule)
	r.Post("/api/schedules/{id}/resume", s.resumeSchedule)
	r.Get("/api/cron/describe", s.describeCron)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.store.ListSchedules(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	enabled := 0
	for _, sch := range schedules {
		if sch.Enabled {
			enabled++
		}
	}
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "reportflow_up 1\nreportflow_schedules_total %d\nreportflow_schedules_enabled %d\n",
		len(schedules), enabled)
}

type validationResp struct {
	Errors []domain.FieldError `json:"errors"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var def domain.ScheduleDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	def.ID = ""

	if errs := schedule.Validate(def); len(errs) > 0 {
		writeJSON(w, http.StatusUnprocessableEntity, validationResp{Errors: errs})
		return
	}

	next, ok, err := schedule.NextRun(def, time.Now().UTC())
	if err != nil {
		http.Error(w, "compute next run: "+err.Error(), 400)
		return
	}
	if !ok {
		writeJSON(w, http.StatusUnprocessableEntity, validationResp{Errors: []domain.FieldError{
			{Field: "start_date", Message: "schedule has no future occurrence"},
		}})
		return
	}
	def.NextRun = &next
	def.Enabled = true

	id, err := s.store.CreateSchedule(r.Context(), def)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	def.ID = id
	writeJSON(w, http.StatusCreated, def)
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.store.ListSchedules(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, schedules)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	sch, err := s.store.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, sch)
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := s.store.GetSchedule(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}

	// Decoding over the loaded definition keeps absent fields at their
	// stored values; id and report id stay immutable.
	updated := existing
	if err := json.NewDecoder(r.Body).Decode(&updated); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	updated.ID = existing.ID
	updated.ReportID = existing.ReportID

	if errs := schedule.Validate(updated); len(errs) > 0 {
		writeJSON(w, http.StatusUnprocessableEntity, validationResp{Errors: errs})
		return
	}

	next, ok, err := schedule.NextRun(updated, time.Now().UTC())
	if err != nil {
		http.Error(w, "compute next run: "+err.Error(), 400)
		return
	}
	if ok {
		updated.NextRun = &next
	} else {
		updated.NextRun = nil
		updated.Enabled = false
	}

	if err := s.store.UpdateSchedule(r.Context(), updated); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, updated)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSchedule(r.Context(), chi.URLParam(r, "id")); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := s.store.ListRuns(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if runs == nil {
		runs = []domain.ScheduledReportRun{}
	}
	writeJSON(w, 200, runs)
}

func (s *Server) triggerSchedule(w http.ResponseWriter, r *http.Request) {
	runID, err := s.trigger.TriggerNow(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "not found", 404)
	case errors.Is(err, scheduler.ErrAlreadyRunning):
		http.Error(w, err.Error(), http.StatusConflict)
	case err != nil:
		http.Error(w, err.Error(), 500)
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
	}
}

func (s *Server) pauseSchedule(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, false)
}

// resumeSchedule re-enables a schedule. Its next_run is recomputed from now
// so a long pause does not cause an immediate burst of missed occurrences.
func (s *Server) resumeSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sch, err := s.store.GetSchedule(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}

	next, ok, err := schedule.NextRun(sch, time.Now().UTC())
	if err != nil {
		http.Error(w, "compute next run: "+err.Error(), 400)
		return
	}
	if !ok {
		http.Error(w, "schedule is exhausted and cannot be resumed", http.StatusConflict)
		return
	}
	sch.NextRun = &next
	sch.Enabled = true
	if err := s.store.UpdateSchedule(r.Context(), sch); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, sch)
}

func (s *Server) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	err := s.store.SetEnabled(r.Context(), chi.URLParam(r, "id"), enabled)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) describeCron(w http.ResponseWriter, r *http.Request) {
	expr := r.URL.Query().Get("expr")
	if expr == "" {
		http.Error(w, "expr is required", 400)
		return
	}
	if err := schedule.ValidateCronExpression(expr); err != nil {
		http.Error(w, "invalid cron expression: "+err.Error(), 400)
		return
	}
	writeJSON(w, 200, map[string]string{
		"expr":        expr,
		"description": schedule.Describe(expr),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
