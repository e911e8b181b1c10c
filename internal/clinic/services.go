package clinic

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"carequeue/internal/domain"
	"carequeue/internal/queue"
)

const DefaultReminderLead = 24 * time.Hour

type AppointmentStore interface {
	Patients
	CreateAppointment(ctx context.Context, a Appointment) (Appointment, error)
	DeleteAppointment(ctx context.Context, id string) error
}

// AppointmentService books appointments and keeps their deferred
// confirmation and reminder tasks in step with them.
type AppointmentService struct {
	store AppointmentStore
	tasks queue.Repository
	cache Cache
	log   zerolog.Logger

	ReminderLead time.Duration
	Now          func() time.Time
}

func NewAppointmentService(store AppointmentStore, tasks queue.Repository, cache Cache, logger zerolog.Logger) *AppointmentService {
	return &AppointmentService{
		store:        store,
		tasks:        tasks,
		cache:        cache,
		log:          logger.With().Str("component", "appointments").Logger(),
		ReminderLead: DefaultReminderLead,
		Now:          func() time.Time { return time.Now().UTC() },
	}
}

type BookRequest struct {
	PatientID   string    `json:"patientId"`
	DoctorID    string    `json:"doctorId"`
	ScheduledAt time.Time `json:"scheduledAt"`
	Reason      string    `json:"reason,omitempty"`
}

type Booking struct {
	Appointment        Appointment `json:"appointment"`
	ConfirmationTaskID string      `json:"confirmationTaskId"`
	ReminderTaskID     string      `json:"reminderTaskId"`
}

// Book stores the appointment, then schedules a confirmation for now and a
// reminder ReminderLead before the visit. A reminder whose lead time has
// already passed is scheduled for now.
func (s *AppointmentService) Book(ctx context.Context, req BookRequest) (Booking, error) {
	if strings.TrimSpace(req.PatientID) == "" {
		return Booking{}, domain.Invalid("patientId", "is required")
	}
	if strings.TrimSpace(req.DoctorID) == "" {
		return Booking{}, domain.Invalid("doctorId", "is required")
	}
	now := s.Now()
	if !req.ScheduledAt.After(now) {
		return Booking{}, domain.Invalid("scheduledAt", "must be in the future")
	}
	if _, err := s.store.GetPatient(ctx, req.PatientID); err != nil {
		return Booking{}, err
	}

	apt, err := s.store.CreateAppointment(ctx, Appointment{
		PatientID:   req.PatientID,
		DoctorID:    req.DoctorID,
		ScheduledAt: req.ScheduledAt.UTC(),
		Reason:      req.Reason,
	})
	if err != nil {
		return Booking{}, err
	}

	payload := domain.AppointmentPayload{AppointmentID: apt.ID, PatientID: apt.PatientID, DoctorID: apt.DoctorID}
	b := Booking{Appointment: apt}
	b.ConfirmationTaskID, err = queue.Schedule(ctx, s.tasks, domain.TaskAppointmentConfirmation, payload, now)
	if err == nil {
		remindAt := apt.ScheduledAt.Add(-s.ReminderLead)
		if remindAt.Before(now) {
			remindAt = now
		}
		b.ReminderTaskID, err = queue.Schedule(ctx, s.tasks, domain.TaskAppointmentReminder, payload, remindAt)
	}
	if err != nil {
		s.rollback(ctx, apt.ID)
		return Booking{}, fmt.Errorf("schedule appointment tasks: %w", err)
	}

	s.log.Info().
		Str("appointment_id", apt.ID).
		Str("confirmation_task_id", b.ConfirmationTaskID).
		Str("reminder_task_id", b.ReminderTaskID).
		Msg("appointment booked")
	return b, nil
}

func (s *AppointmentService) rollback(ctx context.Context, id string) {
	ctx = context.WithoutCancel(ctx)
	if _, err := s.tasks.DeleteByCorrelation(ctx, "appointmentId", id); err != nil {
		s.log.Error().Err(err).Str("appointment_id", id).Msg("rollback appointment tasks")
	}
	if err := s.store.DeleteAppointment(ctx, id); err != nil {
		s.log.Error().Err(err).Str("appointment_id", id).Msg("rollback appointment")
	}
}

// Delete removes the appointment together with every task that references it.
// It returns the number of tasks removed.
func (s *AppointmentService) Delete(ctx context.Context, id string) (int, error) {
	if err := s.store.DeleteAppointment(ctx, id); err != nil {
		return 0, err
	}
	n, err := s.tasks.DeleteByCorrelation(ctx, "appointmentId", id)
	if err != nil {
		return 0, fmt.Errorf("delete appointment tasks: %w", err)
	}
	if s.cache != nil {
		s.cache.Invalidate(AppointmentKey(id))
	}
	s.log.Info().Str("appointment_id", id).Int("tasks_removed", n).Msg("appointment deleted")
	return n, nil
}

// ReportService schedules delivery of finished reports.
type ReportService struct {
	reports Reports
	tasks   queue.Repository
	log     zerolog.Logger
	Now     func() time.Time
}

func NewReportService(reports Reports, tasks queue.Repository, logger zerolog.Logger) *ReportService {
	return &ReportService{
		reports: reports,
		tasks:   tasks,
		log:     logger.With().Str("component", "reports").Logger(),
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

// Deliver schedules sending of the report at at, or now when at is zero.
func (s *ReportService) Deliver(ctx context.Context, reportID string, at time.Time) (string, error) {
	r, err := s.reports.GetReport(ctx, reportID)
	if err != nil {
		return "", err
	}
	if r.Sent {
		return "", domain.Invalid("report", "has already been sent")
	}
	if at.IsZero() {
		at = s.Now()
	}
	id, err := queue.Schedule(ctx, s.tasks, domain.TaskReportSending,
		domain.ReportPayload{ReportID: r.ID, PatientID: r.PatientID, DoctorID: r.DoctorID}, at)
	if err != nil {
		return "", err
	}
	s.log.Info().Str("report_id", r.ID).Str("task_id", id).Time("scheduled_for", at).Msg("report delivery scheduled")
	return id, nil
}

// MedicationService schedules medication reminders for patients.
type MedicationService struct {
	patients Patients
	tasks    queue.Repository
	log      zerolog.Logger
	Now      func() time.Time
}

func NewMedicationService(patients Patients, tasks queue.Repository, logger zerolog.Logger) *MedicationService {
	return &MedicationService{
		patients: patients,
		tasks:    tasks,
		log:      logger.With().Str("component", "medications").Logger(),
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MedicationService) Remind(ctx context.Context, p domain.MedicationPayload, at time.Time) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	if _, err := s.patients.GetPatient(ctx, p.PatientID); err != nil {
		return "", err
	}
	if at.IsZero() {
		at = s.Now()
	}
	id, err := queue.Schedule(ctx, s.tasks, domain.TaskMedicationReminder, p, at)
	if err != nil {
		return "", err
	}
	s.log.Info().Str("patient_id", p.PatientID).Str("task_id", id).Time("scheduled_for", at).Msg("medication reminder scheduled")
	return id, nil
}
