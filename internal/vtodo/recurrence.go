package vtodo

import (
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/teambition/rrule-go"
)

// SanitizeRecurrence drops clauses servers are known to send with invalid
// values (non-positive COUNT or INTERVAL, empty parts) and returns "" for
// rules that still do not parse.
func SanitizeRecurrence(rule string) string {
	rule = strings.TrimSpace(rule)
	if len(rule) >= len("RRULE:") && strings.EqualFold(rule[:len("RRULE:")], "RRULE:") {
		rule = rule[len("RRULE:"):]
	}
	if rule == "" {
		return ""
	}
	var clauses []string
	hasFreq := false
	for _, clause := range strings.Split(rule, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(clause), "=")
		if !ok || key == "" || value == "" {
			continue
		}
		key = strings.ToUpper(key)
		switch key {
		case "COUNT", "INTERVAL":
			if n, err := strconv.Atoi(value); err != nil || n <= 0 {
				continue
			}
		case "FREQ":
			hasFreq = true
		}
		clauses = append(clauses, key+"="+value)
	}
	if !hasFreq {
		log.Warn().Str("rrule", rule).Msg("recurrence rule has no frequency")
		return ""
	}
	sanitized := strings.Join(clauses, ";")
	if _, err := rrule.StrToROption(sanitized); err != nil {
		log.Warn().Err(err).Str("rrule", rule).Msg("invalid recurrence rule")
		return ""
	}
	return sanitized
}
