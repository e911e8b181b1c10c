// Package report notifies doctors when a patient report has been delivered.
package report

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"carequeue/internal/clinic"
	"carequeue/internal/domain"
)

type Sender struct {
	Reports  clinic.Reports
	Patients clinic.Patients
	Notifier clinic.Notifier
	Cache    clinic.Cache
	Log      zerolog.Logger
	Now      func() time.Time
}

func (s *Sender) Send(ctx context.Context, p domain.ReportPayload) (domain.Result, error) {
	r, err := s.Reports.GetReport(ctx, p.ReportID)
	if err != nil {
		return domain.Result{}, err
	}
	if r.Sent {
		s.Log.Debug().Str("report_id", r.ID).Msg("report already sent, skipping notification")
		return domain.Result{Message: fmt.Sprintf("Report %q was already sent", r.Title)}, nil
	}
	patient, err := s.Patients.GetPatient(ctx, p.PatientID)
	if err != nil {
		return domain.Result{}, err
	}

	if _, err := s.Notifier.CreateNotification(ctx, clinic.Notification{
		UserID:     p.DoctorID,
		PatientID:  patient.ID,
		Title:      "Report sent",
		Message:    fmt.Sprintf("Report %q sent to %s", r.Title, patient.FullName()),
		Type:       "report",
		Category:   "report_sent",
		Priority:   clinic.PriorityLow,
		ActionType: "view_report",
		ActionURL:  "/reports/" + r.ID,
	}); err != nil {
		return domain.Result{}, err
	}

	now := time.Now().UTC()
	if s.Now != nil {
		now = s.Now()
	}
	if err := s.Reports.MarkReportSent(ctx, r.ID, now); err != nil {
		return domain.Result{}, err
	}
	if s.Cache != nil {
		s.Cache.Invalidate(clinic.ReportKey(r.ID))
	}
	return domain.Result{Message: fmt.Sprintf("Report %q sent to %s", r.Title, patient.FullName())}, nil
}
