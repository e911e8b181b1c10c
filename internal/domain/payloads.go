package domain

import "strings"

// Payload is implemented by every typed task body.
type Payload interface {
	Validate() error
}

// AppointmentPayload is shared by confirmation and reminder tasks.
type AppointmentPayload struct {
	AppointmentID string `json:"appointmentId"`
	PatientID     string `json:"patientId"`
	DoctorID      string `json:"doctorId"`
}

func (p AppointmentPayload) Validate() error {
	return requireFields(map[string]string{
		"appointmentId": p.AppointmentID,
		"patientId":     p.PatientID,
		"doctorId":      p.DoctorID,
	}, "appointmentId", "patientId", "doctorId")
}

type ReportPayload struct {
	ReportID  string `json:"reportId"`
	PatientID string `json:"patientId"`
	DoctorID  string `json:"doctorId"`
}

func (p ReportPayload) Validate() error {
	return requireFields(map[string]string{
		"reportId":  p.ReportID,
		"patientId": p.PatientID,
		"doctorId":  p.DoctorID,
	}, "reportId", "patientId", "doctorId")
}

type MedicationPayload struct {
	PatientID      string `json:"patientId"`
	DoctorID       string `json:"doctorId"`
	MedicationName string `json:"medicationName"`
	Dosage         string `json:"dosage,omitempty"`
}

func (p MedicationPayload) Validate() error {
	return requireFields(map[string]string{
		"patientId":      p.PatientID,
		"doctorId":       p.DoctorID,
		"medicationName": p.MedicationName,
	}, "patientId", "doctorId", "medicationName")
}

// requireFields checks keys in order so the reported field is deterministic.
func requireFields(values map[string]string, order ...string) error {
	for _, k := range order {
		if strings.TrimSpace(values[k]) == "" {
			return Invalid(k, "is required")
		}
	}
	return nil
}
