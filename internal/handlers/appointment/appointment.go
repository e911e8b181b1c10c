// Package appointment sends appointment confirmations and reminders to the
// treating doctor.
package appointment

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"carequeue/internal/clinic"
	"carequeue/internal/domain"
)

type Handler struct {
	Appointments clinic.Appointments
	Patients     clinic.Patients
	Notifier     clinic.Notifier
	Cache        clinic.Cache
	Log          zerolog.Logger
	Now          func() time.Time
}

// kind describes what differs between a confirmation and a reminder.
type kind struct {
	name     string
	title    string
	category string
	sent     func(clinic.Appointment) bool
	mark     func(ctx context.Context, id string, at time.Time) error
}

func (h *Handler) Confirmation(ctx context.Context, p domain.AppointmentPayload) (domain.Result, error) {
	return h.send(ctx, p, kind{
		name:     "confirmation",
		title:    "Appointment confirmation sent",
		category: "appointment_confirmation",
		sent:     func(a clinic.Appointment) bool { return a.ConfirmationSent },
		mark:     h.Appointments.MarkConfirmationSent,
	})
}

func (h *Handler) Reminder(ctx context.Context, p domain.AppointmentPayload) (domain.Result, error) {
	return h.send(ctx, p, kind{
		name:     "reminder",
		title:    "Appointment reminder sent",
		category: "appointment_reminder",
		sent:     func(a clinic.Appointment) bool { return a.ReminderSent },
		mark:     h.Appointments.MarkReminderSent,
	})
}

func (h *Handler) send(ctx context.Context, p domain.AppointmentPayload, k kind) (domain.Result, error) {
	apt, err := h.Appointments.GetAppointment(ctx, p.AppointmentID)
	if err != nil {
		return domain.Result{}, err
	}
	if k.sent(apt) {
		h.Log.Debug().Str("appointment_id", apt.ID).Str("kind", k.name).Msg("already sent, skipping notification")
		return domain.Result{Message: fmt.Sprintf("Appointment %s already sent for appointment %s", k.name, apt.ID)}, nil
	}
	patient, err := h.Patients.GetPatient(ctx, p.PatientID)
	if err != nil {
		return domain.Result{}, err
	}

	when := apt.ScheduledAt.Format("Jan 2, 2006 15:04 MST")
	_, err = h.Notifier.CreateNotification(ctx, clinic.Notification{
		UserID:     p.DoctorID,
		PatientID:  patient.ID,
		Title:      k.title,
		Message:    fmt.Sprintf("Appointment %s sent to %s for %s", k.name, patient.FullName(), when),
		Type:       "appointment",
		Category:   k.category,
		Priority:   clinic.PriorityMedium,
		ActionType: "view_appointment",
		ActionURL:  "/appointments/" + apt.ID,
	})
	if err != nil {
		return domain.Result{}, err
	}
	if err := k.mark(ctx, apt.ID, h.now()); err != nil {
		return domain.Result{}, err
	}
	if h.Cache != nil {
		h.Cache.Invalidate(clinic.AppointmentKey(apt.ID))
	}
	return domain.Result{Message: fmt.Sprintf("Appointment %s sent to %s", k.name, patient.FullName())}, nil
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now().UTC()
}
