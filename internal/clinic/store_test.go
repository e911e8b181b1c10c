package clinic

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"carequeue/internal/db"
	"carequeue/internal/domain"
	"carequeue/internal/queue"
)

func openTestDB(t *testing.T) *db.DB {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(ctx, db.SQLite, filepath.Join(t.TempDir(), "clinic.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := queue.EnsureSchema(ctx, conn); err != nil {
		t.Fatal(err)
	}
	if err := EnsureSchema(ctx, conn); err != nil {
		t.Fatal(err)
	}
	return conn
}

func seedPatient(t *testing.T, s *SQLStore) Patient {
	t.Helper()
	p, err := s.CreatePatient(context.Background(), Patient{FirstName: "Ada", LastName: "Byron"})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestAppointmentLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewSQLStore(openTestDB(t))
	p := seedPatient(t, s)
	visit := time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)

	apt, err := s.CreateAppointment(ctx, Appointment{PatientID: p.ID, DoctorID: "doc_1", ScheduledAt: visit, Reason: "checkup"})
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.GetAppointment(ctx, apt.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.ScheduledAt.Equal(visit) || got.ConfirmationSent || got.ReminderSent || got.Reason != "checkup" {
		t.Fatalf("unexpected appointment %+v", got)
	}

	sentAt := time.Date(2026, 5, 3, 10, 30, 0, 0, time.UTC)
	if err := s.MarkReminderSent(ctx, apt.ID, sentAt); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetAppointment(ctx, apt.ID)
	if !got.ReminderSent || got.ReminderSentAt == nil || !got.ReminderSentAt.Equal(sentAt) || got.ConfirmationSent {
		t.Fatalf("reminder flag not stored: %+v", got)
	}

	if err := s.DeleteAppointment(ctx, apt.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetAppointment(ctx, apt.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := s.DeleteAppointment(ctx, apt.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("second delete should be not found, got %v", err)
	}
}

func TestMarkSentMissingRecord(t *testing.T) {
	ctx := context.Background()
	s := NewSQLStore(openTestDB(t))
	now := time.Now()

	var nf *domain.NotFoundError
	if err := s.MarkConfirmationSent(ctx, "apt_missing", now); !errors.As(err, &nf) || nf.Entity != "appointment" {
		t.Fatalf("expected appointment not found, got %v", err)
	}
	if err := s.MarkReportSent(ctx, "rep_missing", now); !errors.As(err, &nf) || nf.Entity != "report" {
		t.Fatalf("expected report not found, got %v", err)
	}
	if _, err := s.GetPatient(ctx, "pat_missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected patient not found, got %v", err)
	}
}

func TestReportAndNotifications(t *testing.T) {
	ctx := context.Background()
	s := NewSQLStore(openTestDB(t))
	p := seedPatient(t, s)

	if _, err := s.CreateReport(ctx, Report{PatientID: p.ID, DoctorID: "doc_1"}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("report without title should be invalid, got %v", err)
	}
	r, err := s.CreateReport(ctx, Report{PatientID: p.ID, DoctorID: "doc_1", Title: "Blood panel"})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.MarkReportSent(ctx, r.ID, time.Now()); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.GetReport(ctx, r.ID); !got.Sent || got.SentAt == nil {
		t.Fatalf("report not marked sent: %+v", got)
	}

	id, err := s.CreateNotification(ctx, Notification{
		UserID: "doc_1", PatientID: p.ID, Title: "Report sent", Message: "Blood panel sent",
		Type: "report", Category: "report_sent", ActionRequired: true, ActionURL: "/reports/" + r.ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateNotification(ctx, Notification{Title: "orphan"}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("notification without user should be invalid, got %v", err)
	}

	list, err := s.Notifications(ctx, "doc_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != id || list[0].Priority != PriorityMedium || !list[0].ActionRequired || list[0].ActionType != "" {
		t.Fatalf("unexpected notifications %+v", list)
	}
}
