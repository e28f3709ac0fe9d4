package helpers

import (
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// ParseDateLenient parses a model-produced date in any common layout. Blank
// or unparseable input yields nil.
func ParseDateLenient(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	t, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		return nil
	}
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return &d
}
