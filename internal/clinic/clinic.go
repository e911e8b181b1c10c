// Package clinic holds the patient, appointment and report records that
// deferred tasks act on, and the services that schedule those tasks.
package clinic

import (
	"context"
	"time"
)

type Patient struct {
	ID        string    `json:"id"`
	FirstName string    `json:"firstName"`
	LastName  string    `json:"lastName"`
	CreatedAt time.Time `json:"createdAt"`
}

func (p Patient) FullName() string {
	switch {
	case p.FirstName == "":
		return p.LastName
	case p.LastName == "":
		return p.FirstName
	}
	return p.FirstName + " " + p.LastName
}

type Appointment struct {
	ID                 string     `json:"id"`
	PatientID          string     `json:"patientId"`
	DoctorID           string     `json:"doctorId"`
	ScheduledAt        time.Time  `json:"scheduledAt"`
	Reason             string     `json:"reason,omitempty"`
	ConfirmationSent   bool       `json:"confirmationSent"`
	ConfirmationSentAt *time.Time `json:"confirmationSentAt,omitempty"`
	ReminderSent       bool       `json:"reminderSent"`
	ReminderSentAt     *time.Time `json:"reminderSentAt,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
}

type Report struct {
	ID        string     `json:"id"`
	PatientID string     `json:"patientId"`
	DoctorID  string     `json:"doctorId"`
	Title     string     `json:"title"`
	Sent      bool       `json:"sent"`
	SentAt    *time.Time `json:"sentAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Notification is addressed to a staff user and optionally concerns a patient.
type Notification struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	PatientID      string    `json:"patientId,omitempty"`
	Title          string    `json:"title"`
	Message        string    `json:"message"`
	Type           string    `json:"type"`
	Category       string    `json:"category"`
	Priority       string    `json:"priority"`
	ActionRequired bool      `json:"actionRequired"`
	ActionType     string    `json:"actionType,omitempty"`
	ActionURL      string    `json:"actionUrl,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

// Lookups return a *domain.NotFoundError for missing records.
type Appointments interface {
	GetAppointment(ctx context.Context, id string) (Appointment, error)
	MarkConfirmationSent(ctx context.Context, id string, at time.Time) error
	MarkReminderSent(ctx context.Context, id string, at time.Time) error
}

type Reports interface {
	GetReport(ctx context.Context, id string) (Report, error)
	MarkReportSent(ctx context.Context, id string, at time.Time) error
}

type Patients interface {
	GetPatient(ctx context.Context, id string) (Patient, error)
}

type Notifier interface {
	CreateNotification(ctx context.Context, n Notification) (string, error)
}

type Cache interface {
	Invalidate(keys ...string)
}

func AppointmentKey(id string) string { return "appointment:" + id }
func ReportKey(id string) string      { return "report:" + id }
func PatientKey(id string) string     { return "patient:" + id }
