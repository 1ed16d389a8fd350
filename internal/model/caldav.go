package model

import "fmt"

const (
	AccountTypeCalDAV = iota
	AccountTypeNoop
)

type CaldavAccount struct {
	ID          int64  `gorm:"primaryKey"`
	UUID        string `gorm:"uniqueIndex"`
	Name        string
	AccountType int
	URL         string
	Username    string
	Error       string
}

type CaldavCalendar struct {
	ID      int64  `gorm:"primaryKey"`
	Account string `gorm:"index"`
	UUID    string `gorm:"uniqueIndex"`
	URL     string
	Name    string
	Color   int
	CTag    string
}

// CaldavTask links a local task to its remote VTODO.
type CaldavTask struct {
	ID           int64  `gorm:"primaryKey"`
	Task         int64  `gorm:"index"`
	Calendar     string `gorm:"index:idx_calendar_remote_id,unique"`
	RemoteID     string `gorm:"index:idx_calendar_remote_id,unique"`
	Object       string
	VTodo        string
	ETag         string
	LastSync     int64
	RemoteParent string
	Order        *int64 `gorm:"column:sort_order"`
}

func (c CaldavTask) String() string {
	return fmt.Sprintf("CaldavTask{id=%d task=%d calendar=%s remoteID=%s object=%s etag=%s lastSync=%d remoteParent=%s}",
		c.ID, c.Task, c.Calendar, c.RemoteID, c.Object, c.ETag, c.LastSync, c.RemoteParent)
}

type LinkedTask struct {
	CaldavTask CaldavTask
	Task       Task
}

func (CaldavAccount) TableName() string  { return "caldav_accounts" }
func (CaldavCalendar) TableName() string { return "caldav_calendars" }
func (CaldavTask) TableName() string     { return "caldav_tasks" }
