package queue

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"carequeue/internal/db"
	"carequeue/internal/domain"
)

var (
	ErrTaskNotFound = fmt.Errorf("task %w", domain.ErrNotFound)
	// ErrNotProcessing means an outcome was recorded for a task this worker does not hold.
	ErrNotProcessing = errors.New("task is not processing")
	// ErrStatusConflict means a conditional update found the task in another state.
	ErrStatusConflict = errors.New("task status changed concurrently")
)

// DefaultBatchSize bounds FindDueBatch when the caller passes no limit.
const DefaultBatchSize = 50

var correlationKey = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

type Repository interface {
	Insert(ctx context.Context, t domain.Task) (string, error)
	FindDueBatch(ctx context.Context, now time.Time, limit int) ([]domain.Task, error)
	Claim(ctx context.Context, id string, now time.Time) (bool, error)
	Complete(ctx context.Context, id, result string, a domain.Attempt) error
	RecordFailure(ctx context.Context, id, errMsg string, a domain.Attempt, retryAt time.Time) (domain.Status, int, error)
	UpdateStatus(ctx context.Context, id string, u StatusUpdate) error
	DeleteByCorrelation(ctx context.Context, key, value string) (int, error)
	RecoverStale(ctx context.Context, olderThan time.Time) (int, error)
	Get(ctx context.Context, id string) (domain.Task, error)
	List(ctx context.Context, status domain.Status, limit int) ([]domain.Task, error)
	Attempts(ctx context.Context, id string) ([]domain.Attempt, error)
	Stats(ctx context.Context) (map[domain.Status]int, error)
}

// StatusUpdate is a partial update; nil fields are left untouched.
type StatusUpdate struct {
	Status       *domain.Status
	Result       *string
	Error        *string
	ClearError   bool
	RetryCount   *int
	ProcessedAt  *time.Time
	ScheduledFor *time.Time
	// ExpectStatus makes the update conditional on the current status.
	ExpectStatus domain.Status
}

type sqlRepo struct {
	db  *db.DB
	now func() time.Time
}

func NewSQLRepo(conn *db.DB) Repository {
	return &sqlRepo{db: conn, now: func() time.Time { return time.Now().UTC() }}
}

const taskColumns = `id,type,status,data,scheduled_for,retry_count,max_retries,result,error,processed_at,created_at,updated_at`

func (r *sqlRepo) Insert(ctx context.Context, t domain.Task) (string, error) {
	if strings.TrimSpace(string(t.Type)) == "" {
		return "", domain.Invalid("type", "is required")
	}
	if err := validateData(t.Data); err != nil {
		return "", err
	}
	if t.ScheduledFor.IsZero() {
		return "", domain.Invalid("scheduledFor", "is required")
	}
	if t.MaxRetries < 0 {
		return "", domain.Invalid("maxRetries", "must not be negative")
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = domain.DefaultMaxRetries
	}
	id := t.ID
	if id == "" {
		id = "tsk_" + uuid.NewString()
	}
	now := r.now()
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
INSERT INTO tasks (`+taskColumns+`)
VALUES (?,?,'pending',?,?,0,?,NULL,NULL,NULL,?,?)`),
		id, string(t.Type), string(t.Data), r.db.Time(t.ScheduledFor), t.MaxRetries, r.db.Time(now), r.db.Time(now))
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	return id, nil
}

func validateData(raw json.RawMessage) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return domain.Invalid("data", "is required")
	}
	var fields map[string]any
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return domain.Invalid("data", "must be a JSON object")
	}
	if len(fields) == 0 {
		return domain.Invalid("data", "must not be empty")
	}
	return nil
}

func (r *sqlRepo) FindDueBatch(ctx context.Context, now time.Time, limit int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(`
SELECT `+taskColumns+`
FROM tasks
WHERE status='pending' AND scheduled_for <= ? AND retry_count < max_retries
ORDER BY scheduled_for ASC, created_at ASC, id ASC
LIMIT ?`), r.db.Time(now), limit)
	if err != nil {
		return nil, fmt.Errorf("find due tasks: %w", err)
	}
	return collectTasks(rows)
}

// Claim moves a task from pending to processing with a single conditional
// update. It returns false when another poller got there first.
func (r *sqlRepo) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
UPDATE tasks SET status='processing', updated_at=?
WHERE id=? AND status='pending' AND retry_count < max_retries AND scheduled_for <= ?`),
		r.db.Time(now), id, r.db.Time(now))
	if err != nil {
		return false, fmt.Errorf("claim task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *sqlRepo) Complete(ctx context.Context, id, result string, a domain.Attempt) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, r.db.Rebind(`
UPDATE tasks SET status='completed', result=?, error=NULL, processed_at=?, updated_at=?
WHERE id=? AND status='processing'`),
		result, r.db.Time(a.FinishedAt), r.db.Time(a.FinishedAt), id)
	if err != nil {
		return fmt.Errorf("complete task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotProcessing
	}
	a.Success = true
	a.Error = ""
	if err := r.insertAttempt(ctx, tx, id, a); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordFailure consumes one retry. The task goes back to pending at retryAt
// or, once the ceiling is reached, to failed. It returns the new status and count.
func (r *sqlRepo) RecordFailure(ctx context.Context, id, errMsg string, a domain.Attempt, retryAt time.Time) (domain.Status, int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	var retries int
	err = tx.QueryRowContext(ctx, r.db.Rebind(`
UPDATE tasks
SET retry_count = retry_count + 1,
    error = ?,
    status = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'pending' END,
    scheduled_for = CASE WHEN retry_count + 1 >= max_retries THEN scheduled_for ELSE ? END,
    updated_at = ?
WHERE id = ? AND status = 'processing'
RETURNING status, retry_count`),
		errMsg, r.db.Time(retryAt), r.db.Time(a.FinishedAt), id).Scan(&status, &retries)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, ErrNotProcessing
	}
	if err != nil {
		return "", 0, fmt.Errorf("record failure %s: %w", id, err)
	}
	a.Success = false
	a.Error = errMsg
	if err := r.insertAttempt(ctx, tx, id, a); err != nil {
		return "", 0, err
	}
	if err := tx.Commit(); err != nil {
		return "", 0, err
	}
	return domain.Status(status), retries, nil
}

// insertAttempt appends to the attempt log. The attempt number is taken from
// the log itself, so a.Number is ignored.
func (r *sqlRepo) insertAttempt(ctx context.Context, tx *sql.Tx, taskID string, a domain.Attempt) error {
	var number int
	err := tx.QueryRowContext(ctx, r.db.Rebind(`
SELECT COALESCE(MAX(attempt), 0) + 1 FROM task_attempts WHERE task_id=?`), taskID).Scan(&number)
	if err != nil {
		return fmt.Errorf("next attempt number: %w", err)
	}
	var errMsg any
	if a.Error != "" {
		errMsg = a.Error
	}
	_, err = tx.ExecContext(ctx, r.db.Rebind(`
INSERT INTO task_attempts (id, task_id, attempt, started_at, finished_at, success, error)
VALUES (?,?,?,?,?,?,?)`),
		"att_"+uuid.NewString(), taskID, number, r.db.Time(a.StartedAt), r.db.Time(a.FinishedAt), a.Success, errMsg)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

func (r *sqlRepo) UpdateStatus(ctx context.Context, id string, u StatusUpdate) error {
	var sets []string
	var args []any
	set := func(col string, v any) {
		sets = append(sets, col+"=?")
		args = append(args, v)
	}
	if u.Status != nil {
		if !u.Status.Valid() {
			return domain.Invalid("status", "is not a task status")
		}
		set("status", string(*u.Status))
	}
	if u.Result != nil {
		set("result", *u.Result)
	}
	if u.Error != nil {
		set("error", *u.Error)
	} else if u.ClearError {
		sets = append(sets, "error=NULL")
	}
	if u.RetryCount != nil {
		if *u.RetryCount < 0 {
			return domain.Invalid("retryCount", "must not be negative")
		}
		set("retry_count", *u.RetryCount)
	}
	if u.ProcessedAt != nil {
		set("processed_at", r.db.Time(*u.ProcessedAt))
	}
	if u.ScheduledFor != nil {
		set("scheduled_for", r.db.Time(*u.ScheduledFor))
	}
	set("updated_at", r.db.Time(r.now()))

	query := "UPDATE tasks SET " + strings.Join(sets, ", ") + " WHERE id=?"
	args = append(args, id)
	if u.ExpectStatus != "" {
		query += " AND status=?"
		args = append(args, string(u.ExpectStatus))
	}
	res, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return ErrStatusConflict
	}
	return nil
}

// DeleteByCorrelation removes every task whose payload field key equals value.
// Values are compared as text, so a numeric field 42 matches "42".
func (r *sqlRepo) DeleteByCorrelation(ctx context.Context, key, value string) (int, error) {
	if !correlationKey.MatchString(key) {
		return 0, domain.Invalid("key", "must be a plain field name")
	}
	if value == "" {
		return 0, domain.Invalid("value", "is required")
	}
	var query string
	var path any
	switch r.db.Dialect {
	case db.Postgres:
		query, path = `DELETE FROM tasks WHERE (data::jsonb ->> ?) = ?`, key
	default:
		query, path = `DELETE FROM tasks WHERE CAST(json_extract(data, ?) AS TEXT) = ?`, "$."+key
	}
	res, err := r.db.ExecContext(ctx, r.db.Rebind(query), path, value)
	if err != nil {
		return 0, fmt.Errorf("delete tasks by %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// AbandonedError is recorded on a task whose worker stopped before
// recording an outcome.
const AbandonedError = "abandoned in processing: no outcome was recorded"

// RecoverStale handles tasks stuck in processing since before olderThan. Each
// one consumes a retry and gets a failed attempt; it returns to pending, or to
// failed once the ceiling is reached.
func (r *sqlRepo) RecoverStale(ctx context.Context, olderThan time.Time) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, r.db.Rebind(`
SELECT id, updated_at FROM tasks
WHERE status='processing' AND updated_at < ?`), r.db.Time(olderThan))
	if err != nil {
		return 0, fmt.Errorf("find stale tasks: %w", err)
	}
	type stale struct {
		id      string
		claimed db.Timestamp
	}
	var found []stale
	for rows.Next() {
		var s stale
		if err := rows.Scan(&s.id, &s.claimed); err != nil {
			rows.Close()
			return 0, err
		}
		found = append(found, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	now := r.now()
	n := 0
	for _, s := range found {
		var status string
		err := tx.QueryRowContext(ctx, r.db.Rebind(`
UPDATE tasks
SET retry_count = retry_count + 1,
    error = ?,
    status = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'pending' END,
    updated_at = ?
WHERE id = ? AND status = 'processing' AND updated_at < ?
RETURNING status`),
			AbandonedError, r.db.Time(now), s.id, r.db.Time(olderThan)).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("recover task %s: %w", s.id, err)
		}
		a := domain.Attempt{StartedAt: s.claimed.Time, FinishedAt: now, Error: AbandonedError}
		if err := r.insertAttempt(ctx, tx, s.id, a); err != nil {
			return 0, err
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

func (r *sqlRepo) Get(ctx context.Context, id string) (domain.Task, error) {
	row := r.db.QueryRowContext(ctx, r.db.Rebind(`SELECT `+taskColumns+` FROM tasks WHERE id=?`), id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, ErrTaskNotFound
	}
	return t, err
}

// List returns the most recent tasks, optionally filtered by status.
func (r *sqlRepo) List(ctx context.Context, status domain.Status, limit int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(`
SELECT `+taskColumns+`
FROM tasks
WHERE (? = '' OR status = ?)
ORDER BY created_at DESC, id DESC
LIMIT ?`), string(status), string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return collectTasks(rows)
}

func (r *sqlRepo) Attempts(ctx context.Context, id string) ([]domain.Attempt, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(`
SELECT id, task_id, attempt, started_at, finished_at, success, error
FROM task_attempts WHERE task_id=? ORDER BY attempt ASC, started_at ASC`), id)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var out []domain.Attempt
	for rows.Next() {
		var a domain.Attempt
		var started, finished db.Timestamp
		var errMsg sql.NullString
		if err := rows.Scan(&a.ID, &a.TaskID, &a.Number, &started, &finished, &a.Success, &errMsg); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.StartedAt, a.FinishedAt, a.Error = started.Time, finished.Time, errMsg.String
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *sqlRepo) Stats(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("task stats: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.Status]int, len(domain.Statuses))
	for _, s := range domain.Statuses {
		out[s] = 0
	}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[domain.Status(st)] = n
	}
	return out, rows.Err()
}

func collectTasks(rows *sql.Rows) ([]domain.Task, error) {
	defer rows.Close()
	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func scanTask(s db.Scanner) (domain.Task, error) {
	var (
		t                  domain.Task
		typ, status, data  string
		result, errMsg     sql.NullString
		scheduledFor       db.Timestamp
		processedAt        db.Timestamp
		createdAt, updated db.Timestamp
	)
	err := s.Scan(&t.ID, &typ, &status, &data, &scheduledFor, &t.RetryCount, &t.MaxRetries,
		&result, &errMsg, &processedAt, &createdAt, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Task{}, err
		}
		return domain.Task{}, fmt.Errorf("scan task: %w", err)
	}
	t.Type = domain.TaskType(typ)
	t.Status = domain.Status(status)
	t.Data = json.RawMessage(data)
	t.ScheduledFor = scheduledFor.Time
	t.ProcessedAt = processedAt.Ptr()
	t.CreatedAt = createdAt.Time
	t.UpdatedAt = updated.Time
	if result.Valid {
		t.Result = &result.String
	}
	if errMsg.Valid {
		t.Error = &errMsg.String
	}
	return t, nil
}
