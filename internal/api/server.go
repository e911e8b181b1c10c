package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"carequeue/internal/clinic"
	"carequeue/internal/domain"
	"carequeue/internal/logging"
	"carequeue/internal/queue"
	"carequeue/internal/worker"
)

type Poller interface {
	RunOnce(ctx context.Context) (worker.Summary, error)
}

type Appointments interface {
	Book(ctx context.Context, req clinic.BookRequest) (clinic.Booking, error)
	Delete(ctx context.Context, id string) (int, error)
}

type Reports interface {
	Deliver(ctx context.Context, reportID string, at time.Time) (string, error)
}

type Medications interface {
	Remind(ctx context.Context, p domain.MedicationPayload, at time.Time) (string, error)
}

type Deps struct {
	Tasks        queue.Repository
	Poller       Poller
	Appointments Appointments
	Reports      Reports
	Medications  Medications
	Logger       zerolog.Logger
	// Debug mounts pprof under /debug/pprof.
	Debug bool
}

type Server struct {
	d   Deps
	log zerolog.Logger
	Now func() time.Time
}

func NewServer(d Deps) http.Handler {
	s := &Server{d: d, log: d.Logger.With().Str("component", "api").Logger(), Now: func() time.Time { return time.Now().UTC() }}
	return s.Routes()
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, logging.Requests(s.log), middleware.Recoverer)

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Route("/api", func(r chi.Router) {
		r.Post("/tasks", s.submitTask)
		r.Get("/tasks", s.listTasks)
		r.Delete("/tasks", s.purgeTasks)
		r.Post("/tasks/process", s.processTasks)
		r.Get("/tasks/{id}", s.getTask)
		r.Get("/tasks/{id}/attempts", s.taskAttempts)
		r.Post("/tasks/{id}/requeue", s.requeueTask)

		r.Post("/appointments", s.bookAppointment)
		r.Delete("/appointments/{id}", s.deleteAppointment)
		r.Post("/reports/{id}/deliver", s.deliverReport)
		r.Post("/medications/reminders", s.remindMedication)
	})

	if s.d.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.d.Tasks.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	var b strings.Builder
	b.WriteString("# HELP carequeue_up Whether the task engine is serving.\n# TYPE carequeue_up gauge\ncarequeue_up 1\n")
	b.WriteString("# HELP carequeue_tasks Tasks by status.\n# TYPE carequeue_tasks gauge\n")
	for _, st := range domain.Statuses {
		fmt.Fprintf(&b, "carequeue_tasks{status=%q} %d\n", st, stats[st])
	}
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(b.String()))
}

type submitReq struct {
	Type         domain.TaskType `json:"type"`
	Data         json.RawMessage `json:"data"`
	ScheduledFor *time.Time      `json:"scheduledFor"`
	MaxRetries   *int            `json:"maxRetries"`
}

type idResp struct {
	ID string `json:"id"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if !s.decode(w, r, &req) {
		return
	}
	at := s.Now()
	if req.ScheduledFor != nil {
		at = *req.ScheduledFor
	}
	var opts []queue.Option
	if req.MaxRetries != nil {
		opts = append(opts, queue.WithMaxRetries(*req.MaxRetries))
	}
	id, err := queue.Schedule(r.Context(), s.d.Tasks, req.Type, req.Data, at, opts...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, idResp{ID: id})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	status := domain.Status(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		s.writeError(w, domain.Invalid("status", "is not a task status"))
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, domain.Invalid("limit", "must be a non-negative integer"))
			return
		}
		limit = n
	}
	tasks, err := s.d.Tasks.List(r.Context(), status, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.d.Tasks.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) taskAttempts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.d.Tasks.Get(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	attempts, err := s.d.Tasks.Attempts(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if attempts == nil {
		attempts = []domain.Attempt{}
	}
	writeJSON(w, http.StatusOK, attempts)
}

func (s *Server) requeueTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := queue.Requeue(r.Context(), s.d.Tasks, id, s.Now()); err != nil {
		s.writeError(w, err)
		return
	}
	t, err := s.d.Tasks.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info().Str("task_id", id).Msg("task requeued")
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) purgeTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	n, err := s.d.Tasks.DeleteByCorrelation(r.Context(), q.Get("key"), q.Get("value"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (s *Server) processTasks(w http.ResponseWriter, r *http.Request) {
	sum, err := s.d.Poller.RunOnce(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) bookAppointment(w http.ResponseWriter, r *http.Request) {
	var req clinic.BookRequest
	if !s.decode(w, r, &req) {
		return
	}
	b, err := s.d.Appointments.Book(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) deleteAppointment(w http.ResponseWriter, r *http.Request) {
	n, err := s.d.Appointments.Delete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"tasksRemoved": n})
}

type deliverReq struct {
	ScheduledFor *time.Time `json:"scheduledFor"`
}

func (s *Server) deliverReport(w http.ResponseWriter, r *http.Request) {
	var req deliverReq
	if !s.decodeOptional(w, r, &req) {
		return
	}
	var at time.Time
	if req.ScheduledFor != nil {
		at = *req.ScheduledFor
	}
	id, err := s.d.Reports.Deliver(r.Context(), chi.URLParam(r, "id"), at)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, idResp{ID: id})
}

type medicationReq struct {
	domain.MedicationPayload
	ScheduledFor *time.Time `json:"scheduledFor"`
}

func (s *Server) remindMedication(w http.ResponseWriter, r *http.Request) {
	var req medicationReq
	if !s.decode(w, r, &req) {
		return
	}
	var at time.Time
	if req.ScheduledFor != nil {
		at = *req.ScheduledFor
	}
	id, err := s.d.Medications.Remind(r.Context(), req.MedicationPayload, at)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, idResp{ID: id})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, domain.Invalid("body", "is not valid JSON"))
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func (s *Server) decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, domain.Invalid("body", "is not valid JSON"))
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, queue.ErrStatusConflict):
		code = http.StatusConflict
	}
	if code == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
