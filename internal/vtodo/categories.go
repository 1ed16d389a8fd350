package vtodo

import (
	"strings"

	ics "github.com/arran4/golang-ical"
)

// Categories collects every CATEGORIES property, deduplicated in wire order.
// Parse leaves one property per category name.
func (t *Todo) Categories() []string {
	var out []string
	seen := map[string]struct{}{}
	for i := range t.todo.Properties {
		p := &t.todo.Properties[i]
		if !match(p, propCategories) {
			continue
		}
		name := strings.TrimSpace(p.Value)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

// SetCategories replaces all CATEGORIES properties with one property per
// name, leaving escaping to the serializer.
func (t *Todo) SetCategories(names []string) {
	t.remove(propCategories)
	seen := map[string]struct{}{}
	for _, name := range names {
		if _, ok := seen[name]; ok || name == "" {
			continue
		}
		seen[name] = struct{}{}
		t.todo.Properties = append(t.todo.Properties, property(propCategories, name, nil))
	}
}

// splitCategories rewrites list-valued CATEGORIES into one property per name.
// The parser has already unescaped the values, so the lists are split again
// from their wire form where an escaped comma stays inside a name.
func (t *Todo) splitCategories(raw string) {
	values := rawTodoValues(raw, propCategories)
	parsed := 0
	for i := range t.todo.Properties {
		if match(&t.todo.Properties[i], propCategories) {
			parsed++
		}
	}
	if parsed == 0 || parsed != len(values) {
		return
	}
	var names []string
	for _, v := range values {
		for _, name := range splitList(v) {
			if name = strings.TrimSpace(name); name != "" {
				names = append(names, name)
			}
		}
	}
	t.SetCategories(names)
}

// rawTodoValues returns the escaped values of the VTODO's own name
// properties, in wire order. raw must use CRLF line endings.
func rawTodoValues(raw string, name ics.ComponentProperty) []string {
	unfolded := strings.NewReplacer("\r\n ", "", "\r\n\t", "").Replace(raw)
	var out []string
	depth := 0
	for _, line := range strings.Split(unfolded, "\r\n") {
		upper := strings.ToUpper(line)
		switch {
		case upper == "BEGIN:VTODO" && depth == 0:
			depth = 1
			continue
		case depth == 0:
			continue
		case strings.HasPrefix(upper, "BEGIN:"):
			depth++
			continue
		case strings.HasPrefix(upper, "END:"):
			depth--
			if depth == 0 {
				return out
			}
			continue
		}
		if depth != 1 {
			continue
		}
		if value, ok := lineValue(line, string(name)); ok {
			out = append(out, value)
		}
	}
	return out
}

// lineValue returns the value of a content line when its property name is
// name. Colons inside quoted parameter values do not end the name part.
func lineValue(line, name string) (string, bool) {
	end := strings.IndexAny(line, ";:")
	if end < 0 || !strings.EqualFold(line[:end], name) {
		return "", false
	}
	quoted := false
	for i := end; i < len(line); i++ {
		switch line[i] {
		case '"':
			quoted = !quoted
		case ':':
			if !quoted {
				return line[i+1:], true
			}
		}
	}
	return "", false
}

// splitList splits an escaped TEXT list on unescaped commas and unescapes
// each item.
func splitList(value string) []string {
	var out []string
	var b strings.Builder
	for i := 0; i < len(value); i++ {
		switch c := value[i]; {
		case c == '\\' && i+1 < len(value):
			b.WriteByte(c)
			b.WriteByte(value[i+1])
			i++
		case c == ',':
			out = append(out, ics.FromText(b.String()))
			b.Reset()
		default:
			b.WriteByte(c)
		}
	}
	return append(out, ics.FromText(b.String()))
}
