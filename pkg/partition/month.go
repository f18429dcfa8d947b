package partition

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// Month identifies one calendar-month partition range [Start, End).
// All partition boundaries are computed in UTC.
type Month struct {
	Year  int
	Month time.Month
}

// MonthOf returns the calendar month containing t.
func MonthOf(t time.Time) Month {
	u := t.UTC()
	return Month{Year: u.Year(), Month: u.Month()}
}

// Start returns the first instant of the month.
func (m Month) Start() time.Time {
	return time.Date(m.Year, m.Month, 1, 0, 0, 0, 0, time.UTC)
}

// End returns the first instant of the following month (exclusive bound).
func (m Month) End() time.Time {
	return m.Start().AddDate(0, 1, 0)
}

// Add returns the month n calendar months later (or earlier for negative n).
func (m Month) Add(n int) Month {
	return MonthOf(m.Start().AddDate(0, n, 0))
}

// Contains reports whether t falls inside [Start, End).
func (m Month) Contains(t time.Time) bool {
	u := t.UTC()
	return !u.Before(m.Start()) && u.Before(m.End())
}

// Before reports whether m precedes other.
func (m Month) Before(other Month) bool {
	return m.Start().Before(other.Start())
}

// Label returns the partition label, e.g. "2024_01".
func (m Month) Label() string {
	return fmt.Sprintf("%04d_%02d", m.Year, int(m.Month))
}

var labelPattern = regexp.MustCompile(`^(\d{4})_(\d{2})$`)

// ParseLabel parses a partition label back into its month. Labels that do not
// match the YYYY_MM pattern, or that name an impossible month, are rejected:
// a malformed partition name is a validation error, never silently skipped.
func ParseLabel(label string) (Month, error) {
	groups := labelPattern.FindStringSubmatch(label)
	if groups == nil {
		return Month{}, fmt.Errorf("invalid partition label %q: want YYYY_MM", label)
	}
	year, _ := strconv.Atoi(groups[1])
	month, _ := strconv.Atoi(groups[2])
	if month < 1 || month > 12 {
		return Month{}, fmt.Errorf("invalid partition label %q: month out of range", label)
	}
	return Month{Year: year, Month: time.Month(month)}, nil
}
