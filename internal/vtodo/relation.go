package vtodo

import (
	"strings"

	ics "github.com/arran4/golang-ical"
)

const relTypeParent = "PARENT"

// isParent treats a missing or blank RELTYPE as PARENT, which is the RFC 5545
// default and what servers that omit the parameter mean.
func isParent(p *ics.IANAProperty) bool {
	if !match(p, propRelatedTo) {
		return false
	}
	relType := param(p, paramRelType)
	return relType == "" || strings.EqualFold(relType, relTypeParent)
}

func (t *Todo) parentIndexes() []int {
	var out []int
	for i := range t.todo.Properties {
		if isParent(&t.todo.Properties[i]) {
			out = append(out, i)
		}
	}
	return out
}

// Parent returns the UID of the first parent relation in wire order.
func (t *Todo) Parent() string {
	idx := t.parentIndexes()
	if len(idx) == 0 {
		return ""
	}
	return strings.TrimSpace(t.todo.Properties[idx[0]].Value)
}

// SetParent replaces the parent relation. Malformed input with several parent
// relations keeps only the first one; an empty uid removes all of them.
func (t *Todo) SetParent(uid string) {
	uid = strings.TrimSpace(uid)
	idx := t.parentIndexes()
	switch {
	case uid == "":
		t.removeWhere(isParent)
	case len(idx) == 0:
		t.todo.Properties = append(t.todo.Properties, ics.IANAProperty{BaseProperty: ics.BaseProperty{
			IANAToken:      string(propRelatedTo),
			ICalParameters: map[string][]string{},
			Value:          uid,
		}})
	default:
		first := &t.todo.Properties[idx[0]]
		first.Value = uid
		setParam(first, paramRelType, relTypeParent)
		if len(idx) > 1 {
			drop := make(map[int]struct{}, len(idx)-1)
			for _, i := range idx[1:] {
				drop[i] = struct{}{}
			}
			props := make([]ics.IANAProperty, 0, len(t.todo.Properties)-len(drop))
			for i, p := range t.todo.Properties {
				if _, ok := drop[i]; !ok {
					props = append(props, p)
				}
			}
			t.todo.Properties = props
		}
	}
}

// Relations returns every RELATED-TO value with its RELTYPE, in wire order.
func (t *Todo) Relations() [][2]string {
	var out [][2]string
	for i := range t.todo.Properties {
		p := &t.todo.Properties[i]
		if match(p, propRelatedTo) {
			out = append(out, [2]string{param(p, paramRelType), strings.TrimSpace(p.Value)})
		}
	}
	return out
}

// AddRelation appends a RELATED-TO property; an empty relType is written
// without a RELTYPE parameter.
func (t *Todo) AddRelation(relType, uid string) {
	params := map[string][]string{}
	if relType != "" {
		params[paramRelType] = []string{relType}
	}
	t.todo.Properties = append(t.todo.Properties, ics.IANAProperty{BaseProperty: ics.BaseProperty{
		IANAToken:      string(propRelatedTo),
		ICalParameters: params,
		Value:          uid,
	}})
}
