package vtodo

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	dateLayout     = "20060102"
	dateTimeLayout = "20060102T150405"
	utcLayout      = "20060102T150405Z"
)

// WireTime is a DUE or DTSTART value as it appears on the wire. Value keeps a
// trailing Z for UTC values; TZID is set for zoned values; floating values have
// neither.
type WireTime struct {
	Value    string
	TZID     string
	DateOnly bool
}

func (w WireTime) IsZero() bool {
	return w.Value == ""
}

func (w WireTime) IsUTC() bool {
	return strings.HasSuffix(strings.ToUpper(w.Value), "Z")
}

// CreateDueDate encodes whether a value carries a time of day in the value
// itself: all-day values sit exactly at local noon, values with a time carry a
// millisecond component of 1.
func CreateDueDate(allDay bool, t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	if allDay {
		return time.Date(t.Year(), t.Month(), t.Day(), 12, 0, 0, 0, t.Location()).UnixMilli()
	}
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), int(time.Millisecond), t.Location()).UnixMilli()
}

func HasTime(millis int64) bool {
	return millis != 0 && millis%1000 != 0
}

// ToLocalMillis keeps the wall-clock fields of a wire value and reads them in
// loc, so a task due at noon stays due at noon wherever it was written.
// A reading that falls in a spring-forward gap of loc has no instant of its
// own and moves by the length of the gap as time.Date resolves it (02:30
// becomes 03:30 in Europe/Berlin, 01:30 in America/New_York); the moved value
// then round trips unchanged.
func ToLocalMillis(w WireTime, loc *time.Location) int64 {
	if w.IsZero() {
		return 0
	}
	if w.DateOnly {
		d, err := time.Parse(dateLayout, w.Value[:min(len(w.Value), len(dateLayout))])
		if err != nil {
			return 0
		}
		return CreateDueDate(true, time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, loc))
	}
	t, err := time.Parse(dateTimeLayout, strings.TrimSuffix(strings.ToUpper(w.Value), "Z"))
	if err != nil {
		return 0
	}
	return CreateDueDate(false, time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, loc))
}

// ToWireTime is the inverse of ToLocalMillis. Date-time values are written in
// the same form as prev (UTC, TZID or floating); new values are floating.
func ToWireTime(millis int64, loc *time.Location, prev WireTime) WireTime {
	if millis == 0 {
		return WireTime{}
	}
	t := time.UnixMilli(millis).In(loc)
	if !HasTime(millis) {
		return WireTime{Value: t.Format(dateLayout), DateOnly: true}
	}
	out := WireTime{Value: t.Format(dateTimeLayout)}
	switch {
	case prev.IsZero() || prev.DateOnly:
	case prev.IsUTC():
		out.Value += "Z"
	case prev.TZID != "":
		out.TZID = prev.TZID
	}
	return out
}

// parseInstant reads an absolute timestamp. Floating values are taken as UTC.
func parseInstant(value, tzid string) (time.Time, error) {
	value = strings.TrimSpace(value)
	switch {
	case len(value) == len(dateLayout):
		return time.Parse(dateLayout, value)
	case strings.HasSuffix(strings.ToUpper(value), "Z"):
		return time.Parse(utcLayout, strings.ToUpper(value))
	case tzid != "":
		loc, err := time.LoadLocation(tzid)
		if err != nil {
			return time.Time{}, errors.Wrapf(err, "unknown timezone %s", tzid)
		}
		return time.ParseInLocation(dateTimeLayout, value, loc)
	default:
		return time.Parse(dateTimeLayout, value)
	}
}
