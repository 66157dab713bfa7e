package models

import (
	"fmt"
	"regexp"
)

// DefaultPreventSyncPattern confines editor swap files, temporary files and
// office lock files.
const DefaultPreventSyncPattern = `\.(tmp|swp)$|^~\$`

// PreventSyncPattern selects the entry names that must never leave the
// device. The zero value matches nothing.
type PreventSyncPattern struct {
	re *regexp.Regexp
}

func NewPreventSyncPattern(expr string) (PreventSyncPattern, error) {
	if expr == "" {
		return PreventSyncPattern{}, nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return PreventSyncPattern{}, fmt.Errorf("invalid prevent sync pattern %q: %w", expr, err)
	}
	return PreventSyncPattern{re: re}, nil
}

// MustPreventSyncPattern is NewPreventSyncPattern for constant expressions.
func MustPreventSyncPattern(expr string) PreventSyncPattern {
	p, err := NewPreventSyncPattern(expr)
	if err != nil {
		panic(err)
	}
	return p
}

func (p PreventSyncPattern) IsMatch(name EntryName) bool {
	return p.re != nil && p.re.MatchString(string(name))
}

func (p PreventSyncPattern) String() string {
	if p.re == nil {
		return ""
	}
	return p.re.String()
}
