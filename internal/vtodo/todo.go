// Package vtodo reads and edits VTODO components in place.
//
// A Todo is parsed from the last blob stored for a task and only the
// properties known to the sync engine are rewritten, so vendor extensions and
// anything else the server sent survive a local edit.
package vtodo

import (
	"strconv"
	"strings"
	"time"

	ics "github.com/arran4/golang-ical"
	"github.com/pkg/errors"
)

const (
	prodID = "-//tasksync//VTODO//EN"

	propUID          = ics.ComponentProperty("UID")
	propSummary      = ics.ComponentProperty("SUMMARY")
	propDescription  = ics.ComponentProperty("DESCRIPTION")
	propPriority     = ics.ComponentProperty("PRIORITY")
	propDue          = ics.ComponentProperty("DUE")
	propDtStart      = ics.ComponentProperty("DTSTART")
	propCompleted    = ics.ComponentProperty("COMPLETED")
	propStatus       = ics.ComponentProperty("STATUS")
	propCategories   = ics.ComponentProperty("CATEGORIES")
	propRrule        = ics.ComponentProperty("RRULE")
	propRelatedTo    = ics.ComponentProperty("RELATED-TO")
	propGeo          = ics.ComponentProperty("GEO")
	propLastModified = ics.ComponentProperty("LAST-MODIFIED")
	propDtStamp      = ics.ComponentProperty("DTSTAMP")
	propCreated      = ics.ComponentProperty("CREATED")
	propSortOrder    = ics.ComponentProperty("X-APPLE-SORT-ORDER")
	propRepeatFrom   = ics.ComponentProperty("X-TASKSYNC-REPEAT-FROM")

	paramValue   = "VALUE"
	paramTzid    = "TZID"
	paramRelType = "RELTYPE"

	StatusNeedsAction = "NEEDS-ACTION"
	StatusInProcess   = "IN-PROCESS"
	StatusCompleted   = "COMPLETED"
	StatusCancelled   = "CANCELLED"

	repeatFromCompletion = "COMPLETION"
)

var ErrNotSingleTodo = errors.New("calendar does not contain exactly one VTODO")

// crlf normalizes bare LF line endings some servers and tests produce.
var crlf = strings.NewReplacer("\r\n", "\r\n", "\n", "\r\n")

// Todo wraps the calendar it was parsed from so that VTIMEZONE and other
// sibling components are written back unchanged.
type Todo struct {
	cal  *ics.Calendar
	todo *ics.VTodo
}

func New() *Todo {
	cal := &ics.Calendar{}
	cal.SetVersion("2.0")
	cal.SetProductId(prodID)
	todo := &ics.VTodo{}
	cal.Components = append(cal.Components, todo)
	return &Todo{cal: cal, todo: todo}
}

func Parse(raw string) (*Todo, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, errors.New("empty vtodo")
	}
	raw = crlf.Replace(raw)
	cal, err := ics.ParseCalendar(strings.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(err, "error parsing calendar")
	}
	var todos []*ics.VTodo
	for _, c := range cal.Components {
		if todo, ok := c.(*ics.VTodo); ok {
			todos = append(todos, todo)
		}
	}
	if len(todos) != 1 {
		return nil, errors.Wrapf(ErrNotSingleTodo, "found %d", len(todos))
	}
	todo := &Todo{cal: cal, todo: todos[0]}
	todo.splitCategories(raw)
	return todo, nil
}

func (t *Todo) Serialize() string {
	return t.cal.Serialize()
}

func (t *Todo) UID() string {
	return strings.TrimSpace(t.value(propUID))
}

func (t *Todo) SetUID(uid string) {
	t.set(propUID, uid, nil)
}

func (t *Todo) Summary() string {
	return t.value(propSummary)
}

func (t *Todo) SetSummary(s string) {
	t.setText(propSummary, s)
}

func (t *Todo) Description() string {
	return t.value(propDescription)
}

func (t *Todo) SetDescription(s string) {
	t.setText(propDescription, s)
}

// Priority returns the RFC 5545 priority, 0 when absent or unparsable.
func (t *Todo) Priority() int {
	p, err := strconv.Atoi(strings.TrimSpace(t.value(propPriority)))
	if err != nil || p < 0 || p > 9 {
		return 0
	}
	return p
}

func (t *Todo) SetPriority(p int) {
	if p <= 0 {
		t.remove(propPriority)
		return
	}
	t.set(propPriority, strconv.Itoa(p), nil)
}

func (t *Todo) Status() string {
	return strings.ToUpper(strings.TrimSpace(t.value(propStatus)))
}

func (t *Todo) SetStatus(s string) {
	if s == "" {
		t.remove(propStatus)
		return
	}
	t.set(propStatus, s, nil)
}

// Completed returns the COMPLETED instant, zero when absent or malformed.
func (t *Todo) Completed() time.Time {
	p := t.prop(propCompleted)
	if p == nil {
		return time.Time{}
	}
	ts, err := parseInstant(p.Value, param(p, paramTzid))
	if err != nil {
		return time.Time{}
	}
	return ts
}

func (t *Todo) SetCompleted(ts time.Time) {
	if ts.IsZero() {
		t.remove(propCompleted)
		return
	}
	t.set(propCompleted, ts.UTC().Format(utcLayout), nil)
}

func (t *Todo) SetLastModified(ts time.Time) {
	t.set(propLastModified, ts.UTC().Format(utcLayout), nil)
}

func (t *Todo) SetDtStamp(ts time.Time) {
	t.set(propDtStamp, ts.UTC().Format(utcLayout), nil)
}

func (t *Todo) SetCreated(ts time.Time) {
	if t.prop(propCreated) != nil {
		return
	}
	t.set(propCreated, ts.UTC().Format(utcLayout), nil)
}

func (t *Todo) Due() WireTime {
	return wireTime(t.prop(propDue))
}

func (t *Todo) SetDue(w WireTime) {
	t.setWireTime(propDue, w)
}

func (t *Todo) Start() WireTime {
	return wireTime(t.prop(propDtStart))
}

func (t *Todo) SetStart(w WireTime) {
	t.setWireTime(propDtStart, w)
}

func (t *Todo) RRule() string {
	return strings.TrimSpace(t.value(propRrule))
}

func (t *Todo) SetRRule(rule string) {
	if rule == "" {
		t.remove(propRrule)
		return
	}
	t.set(propRrule, rule, nil)
}

func (t *Todo) RepeatFromCompletion() bool {
	return strings.EqualFold(strings.TrimSpace(t.value(propRepeatFrom)), repeatFromCompletion)
}

func (t *Todo) SetRepeatFromCompletion(v bool) {
	if !v {
		t.remove(propRepeatFrom)
		return
	}
	t.set(propRepeatFrom, repeatFromCompletion, nil)
}

func (t *Todo) setWireTime(name ics.ComponentProperty, w WireTime) {
	if w.IsZero() {
		t.remove(name)
		return
	}
	params := map[string][]string{}
	switch {
	case w.DateOnly:
		params[paramValue] = []string{"DATE"}
	case w.TZID != "":
		params[paramTzid] = []string{w.TZID}
	}
	t.set(name, w.Value, params)
}

func (t *Todo) setText(name ics.ComponentProperty, s string) {
	if s == "" {
		t.remove(name)
		return
	}
	t.set(name, s, nil)
}

func wireTime(p *ics.IANAProperty) WireTime {
	if p == nil {
		return WireTime{}
	}
	value := strings.TrimSpace(p.Value)
	return WireTime{
		Value:    value,
		TZID:     param(p, paramTzid),
		DateOnly: strings.EqualFold(param(p, paramValue), "DATE") || len(value) == len(dateLayout),
	}
}

func match(p *ics.IANAProperty, name ics.ComponentProperty) bool {
	return strings.EqualFold(p.IANAToken, string(name))
}

func (t *Todo) prop(name ics.ComponentProperty) *ics.IANAProperty {
	for i := range t.todo.Properties {
		if match(&t.todo.Properties[i], name) {
			return &t.todo.Properties[i]
		}
	}
	return nil
}

func (t *Todo) value(name ics.ComponentProperty) string {
	return ValueOrEmpty(t.prop(name))
}

// set overwrites the first instance of a property and drops any duplicates.
// A nil params map keeps the existing parameters.
func (t *Todo) set(name ics.ComponentProperty, value string, params map[string][]string) {
	found := false
	props := t.todo.Properties[:0]
	for _, p := range t.todo.Properties {
		if match(&p, name) {
			if found {
				continue
			}
			found = true
			p.Value = value
			if params != nil {
				p.ICalParameters = params
			}
		}
		props = append(props, p)
	}
	if !found {
		props = append(props, property(name, value, params))
	}
	t.todo.Properties = props
}

func property(name ics.ComponentProperty, value string, params map[string][]string) ics.IANAProperty {
	if params == nil {
		params = map[string][]string{}
	}
	return ics.IANAProperty{BaseProperty: ics.BaseProperty{
		IANAToken:      string(name),
		ICalParameters: params,
		Value:          value,
	}}
}

func (t *Todo) remove(name ics.ComponentProperty) {
	t.removeWhere(func(p *ics.IANAProperty) bool { return match(p, name) })
}

func (t *Todo) removeWhere(drop func(p *ics.IANAProperty) bool) {
	props := t.todo.Properties[:0]
	for _, p := range t.todo.Properties {
		if drop(&p) {
			continue
		}
		props = append(props, p)
	}
	t.todo.Properties = props
}

func param(p *ics.IANAProperty, name string) string {
	for k, v := range p.ICalParameters {
		if strings.EqualFold(k, name) && len(v) > 0 {
			return strings.TrimSpace(v[0])
		}
	}
	return ""
}

func setParam(p *ics.IANAProperty, name, value string) {
	if p.ICalParameters == nil {
		p.ICalParameters = map[string][]string{}
	}
	for k := range p.ICalParameters {
		if strings.EqualFold(k, name) {
			delete(p.ICalParameters, k)
		}
	}
	p.ICalParameters[name] = []string{value}
}

func ValueOrEmpty(prop *ics.IANAProperty) string {
	if prop == nil {
		return ""
	}
	return prop.Value
}
