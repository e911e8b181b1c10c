package clinic

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"carequeue/internal/db"
	"carequeue/internal/domain"
)

// SQLStore keeps clinic records in the same database as the task queue.
type SQLStore struct {
	db  *db.DB
	now func() time.Time
}

func NewSQLStore(conn *db.DB) *SQLStore {
	return &SQLStore{db: conn, now: func() time.Time { return time.Now().UTC() }}
}

func (s *SQLStore) CreatePatient(ctx context.Context, p Patient) (Patient, error) {
	if strings.TrimSpace(p.FirstName) == "" && strings.TrimSpace(p.LastName) == "" {
		return Patient{}, domain.Invalid("name", "is required")
	}
	if p.ID == "" {
		p.ID = "pat_" + uuid.NewString()
	}
	p.CreatedAt = s.now()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
INSERT INTO patients (id, first_name, last_name, created_at) VALUES (?,?,?,?)`),
		p.ID, p.FirstName, p.LastName, s.db.Time(p.CreatedAt))
	if err != nil {
		return Patient{}, fmt.Errorf("insert patient: %w", err)
	}
	return p, nil
}

func (s *SQLStore) GetPatient(ctx context.Context, id string) (Patient, error) {
	var (
		p       Patient
		created db.Timestamp
	)
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`
SELECT id, first_name, last_name, created_at FROM patients WHERE id=?`), id).
		Scan(&p.ID, &p.FirstName, &p.LastName, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Patient{}, domain.NotFound("patient", id)
	}
	if err != nil {
		return Patient{}, fmt.Errorf("get patient: %w", err)
	}
	p.CreatedAt = created.Time
	return p, nil
}

const appointmentColumns = `id, patient_id, doctor_id, scheduled_at, reason, confirmation_sent, confirmation_sent_at, reminder_sent, reminder_sent_at, created_at`

func (s *SQLStore) CreateAppointment(ctx context.Context, a Appointment) (Appointment, error) {
	if a.ID == "" {
		a.ID = "apt_" + uuid.NewString()
	}
	a.CreatedAt = s.now()
	a.ConfirmationSent, a.ConfirmationSentAt = false, nil
	a.ReminderSent, a.ReminderSentAt = false, nil
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
INSERT INTO appointments (`+appointmentColumns+`)
VALUES (?,?,?,?,?,?,NULL,?,NULL,?)`),
		a.ID, a.PatientID, a.DoctorID, s.db.Time(a.ScheduledAt), a.Reason, false, false, s.db.Time(a.CreatedAt))
	if err != nil {
		return Appointment{}, fmt.Errorf("insert appointment: %w", err)
	}
	return a, nil
}

func (s *SQLStore) GetAppointment(ctx context.Context, id string) (Appointment, error) {
	var (
		a                              Appointment
		scheduled, created             db.Timestamp
		confirmationAt, reminderSentAt db.Timestamp
	)
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT `+appointmentColumns+` FROM appointments WHERE id=?`), id).
		Scan(&a.ID, &a.PatientID, &a.DoctorID, &scheduled, &a.Reason,
			&a.ConfirmationSent, &confirmationAt, &a.ReminderSent, &reminderSentAt, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Appointment{}, domain.NotFound("appointment", id)
	}
	if err != nil {
		return Appointment{}, fmt.Errorf("get appointment: %w", err)
	}
	a.ScheduledAt = scheduled.Time
	a.ConfirmationSentAt = confirmationAt.Ptr()
	a.ReminderSentAt = reminderSentAt.Ptr()
	a.CreatedAt = created.Time
	return a, nil
}

func (s *SQLStore) MarkConfirmationSent(ctx context.Context, id string, at time.Time) error {
	return s.markSent(ctx, "appointment", `UPDATE appointments SET confirmation_sent=?, confirmation_sent_at=? WHERE id=?`, id, at)
}

func (s *SQLStore) MarkReminderSent(ctx context.Context, id string, at time.Time) error {
	return s.markSent(ctx, "appointment", `UPDATE appointments SET reminder_sent=?, reminder_sent_at=? WHERE id=?`, id, at)
}

func (s *SQLStore) MarkReportSent(ctx context.Context, id string, at time.Time) error {
	return s.markSent(ctx, "report", `UPDATE reports SET sent=?, sent_at=? WHERE id=?`, id, at)
}

func (s *SQLStore) markSent(ctx context.Context, entity, query, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), true, s.db.Time(at), id)
	if err != nil {
		return domain.Transient("mark "+entity+" sent", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.NotFound(entity, id)
	}
	return nil
}

// DeleteAppointment removes the appointment row only; callers own the
// cleanup of tasks that reference it.
func (s *SQLStore) DeleteAppointment(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM appointments WHERE id=?`), id)
	if err != nil {
		return fmt.Errorf("delete appointment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.NotFound("appointment", id)
	}
	return nil
}

func (s *SQLStore) CreateReport(ctx context.Context, r Report) (Report, error) {
	if strings.TrimSpace(r.Title) == "" {
		return Report{}, domain.Invalid("title", "is required")
	}
	if r.ID == "" {
		r.ID = "rep_" + uuid.NewString()
	}
	r.CreatedAt = s.now()
	r.Sent, r.SentAt = false, nil
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
INSERT INTO reports (id, patient_id, doctor_id, title, sent, sent_at, created_at)
VALUES (?,?,?,?,?,NULL,?)`),
		r.ID, r.PatientID, r.DoctorID, r.Title, false, s.db.Time(r.CreatedAt))
	if err != nil {
		return Report{}, fmt.Errorf("insert report: %w", err)
	}
	return r, nil
}

func (s *SQLStore) GetReport(ctx context.Context, id string) (Report, error) {
	var (
		r              Report
		sentAt, create db.Timestamp
	)
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`
SELECT id, patient_id, doctor_id, title, sent, sent_at, created_at FROM reports WHERE id=?`), id).
		Scan(&r.ID, &r.PatientID, &r.DoctorID, &r.Title, &r.Sent, &sentAt, &create)
	if errors.Is(err, sql.ErrNoRows) {
		return Report{}, domain.NotFound("report", id)
	}
	if err != nil {
		return Report{}, fmt.Errorf("get report: %w", err)
	}
	r.SentAt = sentAt.Ptr()
	r.CreatedAt = create.Time
	return r, nil
}

func (s *SQLStore) CreateNotification(ctx context.Context, n Notification) (string, error) {
	if n.UserID == "" {
		return "", domain.Invalid("userId", "is required")
	}
	if n.ID == "" {
		n.ID = "ntf_" + uuid.NewString()
	}
	if n.Priority == "" {
		n.Priority = PriorityMedium
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
INSERT INTO notifications (id, user_id, patient_id, title, message, type, category, priority, action_required, action_type, action_url, created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`),
		n.ID, n.UserID, nullString(n.PatientID), n.Title, n.Message, n.Type, n.Category, n.Priority,
		n.ActionRequired, nullString(n.ActionType), nullString(n.ActionURL), s.db.Time(s.now()))
	if err != nil {
		return "", domain.Transient("create notification", err)
	}
	return n.ID, nil
}

// Notifications lists a user's notifications, newest first.
func (s *SQLStore) Notifications(ctx context.Context, userID string) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
SELECT id, user_id, patient_id, title, message, type, category, priority, action_required, action_type, action_url, created_at
FROM notifications WHERE user_id=? ORDER BY created_at DESC, id`), userID)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var (
			n                           Notification
			patientID, actType, actURL sql.NullString
			created                     db.Timestamp
		)
		if err := rows.Scan(&n.ID, &n.UserID, &patientID, &n.Title, &n.Message, &n.Type, &n.Category,
			&n.Priority, &n.ActionRequired, &actType, &actURL, &created); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.PatientID, n.ActionType, n.ActionURL = patientID.String, actType.String, actURL.String
		n.CreatedAt = created.Time
		out = append(out, n)
	}
	return out, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
