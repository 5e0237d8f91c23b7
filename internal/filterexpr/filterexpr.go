// Package filterexpr is the narrow boundary the core depends on in
// place of the full filter-expression mini-language, which spec.md §1
// names as an external collaborator ("a pluggable predicate over an
// event"). The core only ever consumes a Predicate; this package's
// Parse is a deliberately minimal stand-in so the daemon is runnable
// end to end without the real language.
package filterexpr

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/AlexSvobo/usn-watcher/internal/journal"
)

// Predicate decides whether an event should be emitted.
type Predicate func(*journal.Event) bool

// All always allows the event through; it is the zero-value filter.
func All(*journal.Event) bool { return true }

// clause is one parsed "field OP value" term.
type clause struct {
	field    string
	contains bool // true for "~=", false for "="
	value    string
}

// Parse compiles expr into a Predicate. The grammar is
// "field=value" or "field~=substring", clauses joined by "&&"; an
// empty expr compiles to All. Supported fields: reason, path, fileName,
// isDir.
func Parse(expr string) (Predicate, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return All, nil
	}

	var clauses []clause
	for _, part := range strings.Split(expr, "&&") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		c, err := parseClause(part)
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, c)
	}
	if len(clauses) == 0 {
		return All, nil
	}

	return func(ev *journal.Event) bool {
		for _, c := range clauses {
			if !c.matches(ev) {
				return false
			}
		}
		return true
	}, nil
}

func parseClause(part string) (clause, error) {
	if idx := strings.Index(part, "~="); idx >= 0 {
		return clause{field: strings.TrimSpace(part[:idx]), contains: true, value: strings.TrimSpace(part[idx+2:])}, nil
	}
	if idx := strings.Index(part, "="); idx >= 0 {
		return clause{field: strings.TrimSpace(part[:idx]), contains: false, value: strings.TrimSpace(part[idx+1:])}, nil
	}
	return clause{}, errors.Errorf("filterexpr: invalid clause %q", part)
}

func (c clause) matches(ev *journal.Event) bool {
	switch strings.ToLower(c.field) {
	case "reason":
		for _, r := range ev.Reason {
			if strings.EqualFold(r, c.value) {
				return true
			}
		}
		return false
	case "path", "fullpath":
		return matchString(ev.FullPath, c.value, c.contains)
	case "filename":
		return matchString(ev.FileName, c.value, c.contains)
	case "isdir":
		want, err := strconv.ParseBool(c.value)
		if err != nil {
			return false
		}
		return ev.IsDirectory == want
	default:
		return false
	}
}

func matchString(actual, want string, contains bool) bool {
	if contains {
		return strings.Contains(actual, want)
	}
	return actual == want
}
