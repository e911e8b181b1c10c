// Package medication sends medication reminders. Reminders carry no sent
// flag, so a retried task may notify twice.
package medication

import (
	"context"
	"fmt"

	"carequeue/internal/clinic"
	"carequeue/internal/domain"
)

type Reminder struct {
	Patients clinic.Patients
	Notifier clinic.Notifier
}

func (r *Reminder) Remind(ctx context.Context, p domain.MedicationPayload) (domain.Result, error) {
	patient, err := r.Patients.GetPatient(ctx, p.PatientID)
	if err != nil {
		return domain.Result{}, err
	}

	med := p.MedicationName
	if p.Dosage != "" {
		med = fmt.Sprintf("%s (%s)", p.MedicationName, p.Dosage)
	}
	if _, err := r.Notifier.CreateNotification(ctx, clinic.Notification{
		UserID:     p.DoctorID,
		PatientID:  patient.ID,
		Title:      "Medication reminder sent",
		Message:    fmt.Sprintf("Reminder to take %s sent to %s", med, patient.FullName()),
		Type:       "medication",
		Category:   "medication_reminder",
		Priority:   clinic.PriorityHigh,
		ActionType: "view_patient",
		ActionURL:  "/patients/" + patient.ID,
	}); err != nil {
		return domain.Result{}, err
	}
	return domain.Result{Message: fmt.Sprintf("Medication reminder for %s sent to %s", med, patient.FullName())}, nil
}
