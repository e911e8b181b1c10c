package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"carequeue/internal/clinic"
	"carequeue/internal/db"
	"carequeue/internal/domain"
	"carequeue/internal/queue"
	"carequeue/internal/worker"
)

type stubPoller struct{ calls int }

func (p *stubPoller) RunOnce(ctx context.Context) (worker.Summary, error) {
	p.calls++
	return worker.Summary{Processed: 2, Errors: 1, Total: 3}, nil
}

type testServer struct {
	h      http.Handler
	tasks  queue.Repository
	store  *clinic.SQLStore
	poller *stubPoller
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(ctx, db.SQLite, filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := queue.EnsureSchema(ctx, conn); err != nil {
		t.Fatal(err)
	}
	if err := clinic.EnsureSchema(ctx, conn); err != nil {
		t.Fatal(err)
	}

	ts := &testServer{tasks: queue.NewSQLRepo(conn), store: clinic.NewSQLStore(conn), poller: &stubPoller{}}
	ts.h = NewServer(Deps{
		Tasks:        ts.tasks,
		Poller:       ts.poller,
		Appointments: clinic.NewAppointmentService(ts.store, ts.tasks, nil, zerolog.Nop()),
		Reports:      clinic.NewReportService(ts.store, ts.tasks, zerolog.Nop()),
		Medications:  clinic.NewMedicationService(ts.store, ts.tasks, zerolog.Nop()),
		Logger:       zerolog.Nop(),
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	rec := httptest.NewRecorder()
	ts.h.ServeHTTP(rec, httptest.NewRequest(method, path, &buf))
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected health response %d %q", rec.Code, rec.Body.String())
	}
}

func TestSubmitAndInspectTask(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/tasks", map[string]any{
		"type":       "appointment_reminder",
		"data":       map[string]string{"appointmentId": "apt_1", "patientId": "pat_1", "doctorId": "doc_1"},
		"maxRetries": 5,
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit: %d %s", rec.Code, rec.Body.String())
	}
	id := decodeBody[idResp](t, rec).ID

	rec = ts.do(t, http.MethodGet, "/api/tasks/"+id, nil)
	task := decodeBody[domain.Task](t, rec)
	if rec.Code != http.StatusOK || task.Status != domain.StatusPending || task.MaxRetries != 5 {
		t.Fatalf("get: %d %+v", rec.Code, task)
	}

	rec = ts.do(t, http.MethodGet, "/api/tasks?status=pending&limit=10", nil)
	if list := decodeBody[[]domain.Task](t, rec); len(list) != 1 || list[0].ID != id {
		t.Fatalf("list: %+v", list)
	}
	rec = ts.do(t, http.MethodGet, "/api/tasks/"+id+"/attempts", nil)
	if attempts := decodeBody[[]domain.Attempt](t, rec); rec.Code != http.StatusOK || len(attempts) != 0 {
		t.Fatalf("attempts: %d %+v", rec.Code, attempts)
	}
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t)
	cases := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"null data", http.MethodPost, "/api/tasks", map[string]any{"type": "appointment_reminder", "data": nil}, http.StatusBadRequest},
		{"malformed json", http.MethodPost, "/api/tasks", "{", http.StatusBadRequest},
		{"zero retries", http.MethodPost, "/api/tasks", map[string]any{"type": "report_sending", "data": map[string]string{"reportId": "r"}, "maxRetries": 0}, http.StatusBadRequest},
		{"bad status filter", http.MethodGet, "/api/tasks?status=done", nil, http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/api/tasks?limit=-1", nil, http.StatusBadRequest},
		{"missing task", http.MethodGet, "/api/tasks/tsk_missing", nil, http.StatusNotFound},
		{"missing task attempts", http.MethodGet, "/api/tasks/tsk_missing/attempts", nil, http.StatusNotFound},
		{"purge without key", http.MethodDelete, "/api/tasks?value=x", nil, http.StatusBadRequest},
		{"purge with expression key", http.MethodDelete, "/api/tasks?key=a')%20OR%201=1--&value=x", nil, http.StatusBadRequest},
		{"missing appointment", http.MethodDelete, "/api/appointments/apt_missing", nil, http.StatusNotFound},
		{"missing report", http.MethodPost, "/api/reports/rep_missing/deliver", nil, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := ts.do(t, tc.method, tc.path, tc.body)
			if rec.Code != tc.want {
				t.Fatalf("got %d, want %d (%s)", rec.Code, tc.want, rec.Body.String())
			}
			if body := decodeBody[map[string]string](t, rec); body["error"] == "" {
				t.Fatalf("error body missing: %s", rec.Body.String())
			}
		})
	}
}

func TestRequeueFailedTask(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	now := time.Now().UTC()
	id, err := queue.Schedule(ctx, ts.tasks, domain.TaskReportSending,
		domain.ReportPayload{ReportID: "rep_1", PatientID: "pat_1", DoctorID: "doc_1"}, now, queue.WithMaxRetries(1))
	if err != nil {
		t.Fatal(err)
	}

	if rec := ts.do(t, http.MethodPost, "/api/tasks/"+id+"/requeue", nil); rec.Code != http.StatusConflict {
		t.Fatalf("pending task requeue should conflict, got %d", rec.Code)
	}

	ts.tasks.Claim(ctx, id, now)
	ts.tasks.RecordFailure(ctx, id, "smtp down", domain.Attempt{Number: 1, StartedAt: now, FinishedAt: now}, now)

	rec := ts.do(t, http.MethodPost, "/api/tasks/"+id+"/requeue", nil)
	task := decodeBody[domain.Task](t, rec)
	if rec.Code != http.StatusOK || task.Status != domain.StatusPending || task.RetryCount != 0 || task.Error != nil {
		t.Fatalf("requeue: %d %+v", rec.Code, task)
	}
}

func TestProcessAndMetrics(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/tasks/process", nil)
	if sum := decodeBody[worker.Summary](t, rec); rec.Code != http.StatusOK || sum.Total != 3 || ts.poller.calls != 1 {
		t.Fatalf("process: %d %+v", rec.Code, sum)
	}

	queue.Schedule(context.Background(), ts.tasks, domain.TaskMedicationReminder,
		domain.MedicationPayload{PatientID: "p", DoctorID: "d", MedicationName: "m"}, time.Now())
	rec = ts.do(t, http.MethodGet, "/metrics", nil)
	body := rec.Body.String()
	for _, want := range []string{`carequeue_tasks{status="pending"} 1`, `carequeue_tasks{status="failed"} 0`, "carequeue_up 1"} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}

func TestAppointmentRoutes(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	p, err := ts.store.CreatePatient(ctx, clinic.Patient{FirstName: "Edsger", LastName: "Dijkstra"})
	if err != nil {
		t.Fatal(err)
	}

	rec := ts.do(t, http.MethodPost, "/api/appointments", clinic.BookRequest{
		PatientID: p.ID, DoctorID: "doc_1", ScheduledAt: time.Now().Add(72 * time.Hour),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("book: %d %s", rec.Code, rec.Body.String())
	}
	b := decodeBody[clinic.Booking](t, rec)

	rec = ts.do(t, http.MethodDelete, "/api/tasks?key=appointmentId&value="+b.Appointment.ID, nil)
	if got := decodeBody[map[string]int](t, rec); got["deleted"] != 2 {
		t.Fatalf("purge: %v", got)
	}

	rec = ts.do(t, http.MethodDelete, "/api/appointments/"+b.Appointment.ID, nil)
	if got := decodeBody[map[string]int](t, rec); rec.Code != http.StatusOK || got["tasksRemoved"] != 0 {
		t.Fatalf("delete: %d %v", rec.Code, got)
	}
}

func TestReportAndMedicationRoutes(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	p, _ := ts.store.CreatePatient(ctx, clinic.Patient{FirstName: "Barbara", LastName: "Liskov"})
	r, err := ts.store.CreateReport(ctx, clinic.Report{PatientID: p.ID, DoctorID: "doc_1", Title: "ECG"})
	if err != nil {
		t.Fatal(err)
	}

	rec := ts.do(t, http.MethodPost, "/api/reports/"+r.ID+"/deliver", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("deliver: %d %s", rec.Code, rec.Body.String())
	}

	rec = ts.do(t, http.MethodPost, "/api/medications/reminders", map[string]any{
		"patientId": p.ID, "doctorId": "doc_1", "medicationName": "Lisinopril", "dosage": "10mg",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("remind: %d %s", rec.Code, rec.Body.String())
	}
	task, err := ts.tasks.Get(ctx, decodeBody[idResp](t, rec).ID)
	if err != nil || task.Type != domain.TaskMedicationReminder {
		t.Fatalf("unexpected task %+v (%v)", task, err)
	}

	rec = ts.do(t, http.MethodPost, "/api/medications/reminders", map[string]any{"patientId": p.ID, "doctorId": "doc_1"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing medication should be rejected, got %d", rec.Code)
	}
}
