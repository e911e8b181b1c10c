package appointment

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"carequeue/internal/clinic"
	"carequeue/internal/domain"
)

type fakeClinic struct {
	appointments  map[string]clinic.Appointment
	patients      map[string]clinic.Patient
	notifications []clinic.Notification
	notifyErr     error
	invalidated   []string
}

func newFakeClinic() *fakeClinic {
	return &fakeClinic{
		appointments: map[string]clinic.Appointment{
			"apt_1": {ID: "apt_1", PatientID: "pat_1", DoctorID: "doc_1", ScheduledAt: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)},
		},
		patients: map[string]clinic.Patient{"pat_1": {ID: "pat_1", FirstName: "Grace", LastName: "Hopper"}},
	}
}

func (f *fakeClinic) GetAppointment(_ context.Context, id string) (clinic.Appointment, error) {
	a, ok := f.appointments[id]
	if !ok {
		return clinic.Appointment{}, domain.NotFound("appointment", id)
	}
	return a, nil
}

func (f *fakeClinic) MarkConfirmationSent(_ context.Context, id string, at time.Time) error {
	a := f.appointments[id]
	a.ConfirmationSent, a.ConfirmationSentAt = true, &at
	f.appointments[id] = a
	return nil
}

func (f *fakeClinic) MarkReminderSent(_ context.Context, id string, at time.Time) error {
	a := f.appointments[id]
	a.ReminderSent, a.ReminderSentAt = true, &at
	f.appointments[id] = a
	return nil
}

func (f *fakeClinic) GetPatient(_ context.Context, id string) (clinic.Patient, error) {
	p, ok := f.patients[id]
	if !ok {
		return clinic.Patient{}, domain.NotFound("patient", id)
	}
	return p, nil
}

func (f *fakeClinic) CreateNotification(_ context.Context, n clinic.Notification) (string, error) {
	if f.notifyErr != nil {
		return "", f.notifyErr
	}
	f.notifications = append(f.notifications, n)
	return "ntf_1", nil
}

func (f *fakeClinic) Invalidate(keys ...string) { f.invalidated = append(f.invalidated, keys...) }

func newHandler(f *fakeClinic) *Handler {
	now := time.Date(2026, 5, 3, 9, 0, 0, 0, time.UTC)
	return &Handler{Appointments: f, Patients: f, Notifier: f, Cache: f, Log: zerolog.Nop(), Now: func() time.Time { return now }}
}

var payload = domain.AppointmentPayload{AppointmentID: "apt_1", PatientID: "pat_1", DoctorID: "doc_1"}

func TestReminderNotifiesDoctorAndMarksSent(t *testing.T) {
	f := newFakeClinic()
	h := newHandler(f)

	res, err := h.Reminder(context.Background(), payload)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Message, "Grace Hopper") {
		t.Fatalf("unexpected result %q", res.Message)
	}
	if len(f.notifications) != 1 {
		t.Fatalf("expected one notification, got %d", len(f.notifications))
	}
	n := f.notifications[0]
	if n.UserID != "doc_1" || n.PatientID != "pat_1" || n.Category != "appointment_reminder" || n.ActionURL != "/appointments/apt_1" {
		t.Fatalf("unexpected notification %+v", n)
	}
	a := f.appointments["apt_1"]
	if !a.ReminderSent || a.ConfirmationSent || a.ReminderSentAt == nil {
		t.Fatalf("only the reminder flag should be set: %+v", a)
	}
	if len(f.invalidated) != 1 || f.invalidated[0] != clinic.AppointmentKey("apt_1") {
		t.Fatalf("unexpected invalidations %v", f.invalidated)
	}
}

func TestAlreadySentSkipsNotification(t *testing.T) {
	f := newFakeClinic()
	h := newHandler(f)

	if _, err := h.Confirmation(context.Background(), payload); err != nil {
		t.Fatal(err)
	}
	res, err := h.Confirmation(context.Background(), payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(f.notifications) != 1 {
		t.Fatalf("retry must not notify again, got %d notifications", len(f.notifications))
	}
	if !strings.Contains(res.Message, "already sent") {
		t.Fatalf("unexpected result %q", res.Message)
	}

	// a sent confirmation does not suppress the reminder
	if _, err := h.Reminder(context.Background(), payload); err != nil {
		t.Fatal(err)
	}
	if len(f.notifications) != 2 {
		t.Fatalf("expected reminder notification, got %d", len(f.notifications))
	}
}

func TestMissingRecordsFail(t *testing.T) {
	f := newFakeClinic()
	h := newHandler(f)

	_, err := h.Reminder(context.Background(), domain.AppointmentPayload{AppointmentID: "apt_gone", PatientID: "pat_1", DoctorID: "doc_1"})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	_, err = h.Reminder(context.Background(), domain.AppointmentPayload{AppointmentID: "apt_1", PatientID: "pat_gone", DoctorID: "doc_1"})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected patient not found, got %v", err)
	}
	if len(f.notifications) != 0 || f.appointments["apt_1"].ReminderSent {
		t.Fatal("failed lookups must have no side effects")
	}
}

func TestNotifierFailureLeavesFlagUnset(t *testing.T) {
	f := newFakeClinic()
	f.notifyErr = domain.Transient("create notification", errors.New("connection reset"))
	h := newHandler(f)

	_, err := h.Confirmation(context.Background(), payload)
	if !errors.Is(err, domain.ErrTransientIO) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if f.appointments["apt_1"].ConfirmationSent {
		t.Fatal("flag must stay unset so the retry sends the confirmation")
	}
}
