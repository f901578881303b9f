package model

import (
	"strings"
	"time"
)

// DateLayout is the canonical calendar-date format used for report dates,
// target dates, holiday lists and fingerprints.
const DateLayout = "2006-01-02"

// SourceReport is one staff-submitted daily report.
type SourceReport struct {
	ID              string    `json:"id"`
	ReportDate      time.Time `json:"report_date"`
	StaffName       string    `json:"staff_name,omitempty"`
	CustomerContext string    `json:"customer_context"`
	TreatmentNotes  string    `json:"treatment_notes"`
	Reflections     string    `json:"reflections"`
	CreatedAt       time.Time `json:"created_at"`
}

// DateKey returns the report date formatted with DateLayout.
func (r SourceReport) DateKey() string {
	return r.ReportDate.Format(DateLayout)
}

// Text joins the free-text fields in a stable order, skipping empty ones.
func (r SourceReport) Text() string {
	var parts []string
	for _, s := range []string{r.CustomerContext, r.TreatmentNotes, r.Reflections} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n\n")
}

// ReportIDs returns the IDs of the given reports in order.
func ReportIDs(reports []SourceReport) []string {
	ids := make([]string, len(reports))
	for i, r := range reports {
		ids[i] = r.ID
	}
	return ids
}

// LatestDate returns the most recent report date in the set, or the zero time
// when the set is empty.
func LatestDate(reports []SourceReport) time.Time {
	var latest time.Time
	for _, r := range reports {
		if r.ReportDate.After(latest) {
			latest = r.ReportDate
		}
	}
	return latest
}

// SameDate reports whether every report in the set shares one report date.
func SameDate(reports []SourceReport) bool {
	if len(reports) == 0 {
		return true
	}
	first := reports[0].DateKey()
	for _, r := range reports[1:] {
		if r.DateKey() != first {
			return false
		}
	}
	return true
}

// DateOf returns midnight UTC of t's calendar date in t's own location.
// Report and target dates are carried in this form.
func DateOf(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD string into the DateOf form.
func ParseDate(s string) (time.Time, error) {
	return time.Parse(DateLayout, s)
}
