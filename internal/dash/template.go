package dash

import (
	"fmt"
	"strconv"
	"strings"
)

// SubstitutePlaceholders implements the $Number$/$Time$/width-specifier
// substitution rules of SPEC_FULL §4.3/§6. It is a pure function of
// (template, number, time), matching the URL-idempotence testable property.
func SubstitutePlaceholders(template string, number, timeVal int64) string {
	out := template
	out = substituteOne(out, "Number", number)
	out = substituteOne(out, "Time", timeVal)
	return out
}

func substituteOne(s, name string, value int64) string {
	plain := "$" + name + "$"
	for strings.Contains(s, plain) {
		s = strings.Replace(s, plain, strconv.FormatInt(value, 10), 1)
	}
	prefix := "$" + name + "%0"
	for {
		idx := strings.Index(s, prefix)
		if idx < 0 {
			break
		}
		rest := s[idx+len(prefix):]
		dIdx := strings.IndexByte(rest, 'd')
		if dIdx < 0 || dIdx > 3 {
			break
		}
		closeIdx := strings.Index(rest[dIdx:], "$")
		if closeIdx != 1 {
			break
		}
		width, err := strconv.Atoi(rest[:dIdx])
		if err != nil {
			break
		}
		formatted := fmt.Sprintf("%0*d", width, value)
		full := s[idx : idx+len(prefix)+dIdx+1+1]
		s = strings.Replace(s, full, formatted, 1)
	}
	return s
}
