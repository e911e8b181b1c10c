// Package handlers wires the clinic task handlers into a worker registry.
package handlers

import (
	"time"

	"github.com/rs/zerolog"

	"carequeue/internal/clinic"
	"carequeue/internal/domain"
	"carequeue/internal/handlers/appointment"
	"carequeue/internal/handlers/medication"
	"carequeue/internal/handlers/report"
	"carequeue/internal/worker"
)

type Deps struct {
	Records  clinic.Records
	Notifier clinic.Notifier
	// Cache may be nil when lookups are not cached.
	Cache  clinic.Cache
	Logger zerolog.Logger
	Now    func() time.Time
}

// Register installs a handler for every known task type.
func Register(reg *worker.Registry, d Deps) {
	apt := &appointment.Handler{
		Appointments: d.Records,
		Patients:     d.Records,
		Notifier:     d.Notifier,
		Cache:        d.Cache,
		Log:          d.Logger.With().Str("handler", "appointment").Logger(),
		Now:          d.Now,
	}
	rep := &report.Sender{
		Reports:  d.Records,
		Patients: d.Records,
		Notifier: d.Notifier,
		Cache:    d.Cache,
		Log:      d.Logger.With().Str("handler", "report").Logger(),
		Now:      d.Now,
	}
	med := &medication.Reminder{Patients: d.Records, Notifier: d.Notifier}

	reg.Register(domain.TaskAppointmentConfirmation, worker.Typed[domain.AppointmentPayload](apt.Confirmation))
	reg.Register(domain.TaskAppointmentReminder, worker.Typed[domain.AppointmentPayload](apt.Reminder))
	reg.Register(domain.TaskReportSending, worker.Typed[domain.ReportPayload](rep.Send))
	reg.Register(domain.TaskMedicationReminder, worker.Typed[domain.MedicationPayload](med.Remind))
}
