package medication

import (
	"context"
	"errors"
	"testing"

	"carequeue/internal/clinic"
	"carequeue/internal/domain"
)

type fakeClinic struct {
	notifications []clinic.Notification
}

func (f *fakeClinic) GetPatient(_ context.Context, id string) (clinic.Patient, error) {
	if id != "pat_1" {
		return clinic.Patient{}, domain.NotFound("patient", id)
	}
	return clinic.Patient{ID: id, FirstName: "Rosalind", LastName: "Franklin"}, nil
}

func (f *fakeClinic) CreateNotification(_ context.Context, n clinic.Notification) (string, error) {
	f.notifications = append(f.notifications, n)
	return "ntf_1", nil
}

func TestRemind(t *testing.T) {
	cases := []struct {
		name    string
		payload domain.MedicationPayload
		want    string
	}{
		{"with dosage", domain.MedicationPayload{PatientID: "pat_1", DoctorID: "doc_1", MedicationName: "Aspirin", Dosage: "81mg"},
			"Medication reminder for Aspirin (81mg) sent to Rosalind Franklin"},
		{"without dosage", domain.MedicationPayload{PatientID: "pat_1", DoctorID: "doc_1", MedicationName: "Aspirin"},
			"Medication reminder for Aspirin sent to Rosalind Franklin"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := &fakeClinic{}
			r := &Reminder{Patients: f, Notifier: f}
			res, err := r.Remind(context.Background(), tc.payload)
			if err != nil {
				t.Fatal(err)
			}
			if res.Message != tc.want {
				t.Fatalf("got %q, want %q", res.Message, tc.want)
			}
			if len(f.notifications) != 1 || f.notifications[0].Priority != clinic.PriorityHigh {
				t.Fatalf("unexpected notifications %+v", f.notifications)
			}
		})
	}
}

func TestRemindUnknownPatient(t *testing.T) {
	f := &fakeClinic{}
	r := &Reminder{Patients: f, Notifier: f}
	_, err := r.Remind(context.Background(), domain.MedicationPayload{PatientID: "pat_x", DoctorID: "doc_1", MedicationName: "Aspirin"})
	if !errors.Is(err, domain.ErrNotFound) || len(f.notifications) != 0 {
		t.Fatalf("expected not found without notification, got %v", err)
	}
}
