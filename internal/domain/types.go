package domain

import (
	"encoding/json"
	"time"
)

// DefaultMaxRetries is applied when a task is created without an explicit ceiling.
const DefaultMaxRetries = 3

type TaskType string

const (
	TaskAppointmentConfirmation TaskType = "appointment_confirmation"
	TaskAppointmentReminder     TaskType = "appointment_reminder"
	TaskReportSending           TaskType = "report_sending"
	TaskMedicationReminder      TaskType = "medication_reminder"
)

// TaskTypes lists every type the engine knows how to run.
var TaskTypes = []TaskType{
	TaskAppointmentConfirmation,
	TaskAppointmentReminder,
	TaskReportSending,
	TaskMedicationReminder,
}

func (t TaskType) Known() bool {
	for _, k := range TaskTypes {
		if k == t {
			return true
		}
	}
	return false
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Statuses is the full set of task states, in lifecycle order.
var Statuses = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Task is one unit of deferred work. Data is a JSON object whose shape is
// defined by Type; it is written once at creation and never touched by the engine.
type Task struct {
	ID           string          `json:"id"`
	Type         TaskType        `json:"type"`
	Status       Status          `json:"status"`
	Data         json.RawMessage `json:"data"`
	ScheduledFor time.Time       `json:"scheduledFor"`
	RetryCount   int             `json:"retryCount"`
	MaxRetries   int             `json:"maxRetries"`
	Result       *string         `json:"result,omitempty"`
	Error        *string         `json:"error,omitempty"`
	ProcessedAt  *time.Time      `json:"processedAt,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Eligible reports whether the task may be claimed at now.
func (t Task) Eligible(now time.Time) bool {
	return t.Status == StatusPending && !t.ScheduledFor.After(now) && t.RetryCount < t.MaxRetries
}

// Attempt is an append-only record of one execution of a task.
type Attempt struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"taskId"`
	Number     int       `json:"number"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
}

// Result is the success payload stored on a completed task.
type Result struct {
	Message string `json:"message"`
}
