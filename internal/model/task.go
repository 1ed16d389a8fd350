package model

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("record not found")

const (
	PriorityHigh = iota
	PriorityMedium
	PriorityLow
	PriorityNone
)

// Task is the local task record. DueDate and HideUntil hold epoch millis of a
// wall-clock reading in the device zone, see vtodo.CreateDueDate.
type Task struct {
	ID                    int64 `gorm:"primaryKey"`
	Title                 string
	Notes                 string
	Priority              int
	DueDate               int64
	HideUntil             int64
	Completed             int64
	Deleted               int64
	Recurrence            string
	RepeatAfterCompletion bool
	Parent                int64 `gorm:"index"`
	Created               int64
	Modified              int64
}

func NewTask(now time.Time) *Task {
	return &Task{
		Priority: PriorityNone,
		Created:  now.UnixMilli(),
		Modified: now.UnixMilli(),
	}
}

func (t *Task) IsCompleted() bool {
	return t.Completed > 0
}

func (t *Task) IsDeleted() bool {
	return t.Deleted > 0
}

// WriteSource tags a task write with where it came from. Writes applied from a
// remote server are not pushed back and do not trigger reminder refreshes.
type WriteSource int

const (
	SourceLocal WriteSource = iota
	SourceSync
)

func (s WriteSource) String() string {
	if s == SourceSync {
		return "sync"
	}
	return "local"
}

type TaskEvent struct {
	TaskID int64
	Source WriteSource
}

func (Task) TableName() string { return "tasks" }
