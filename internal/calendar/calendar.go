// Package calendar decides which dates are salon business days.
package calendar

import (
	"os"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/salonworks/storyline/internal/config"
	"github.com/salonworks/storyline/internal/model"
	"github.com/salonworks/storyline/internal/resilience"
)

// maxSearchDays bounds NextBusinessDay. A year with no business day means
// the holiday data is broken.
const maxSearchDays = 366

const fixedLayout = "01-02"

// Calendar is an immutable business-day predicate over a holiday set.
type Calendar struct {
	loc   *time.Location
	fixed map[string]struct{} // MM-DD, every year
	dates map[string]struct{} // YYYY-MM-DD
}

// Holiday is one entry of the salon holidays file.
type Holiday struct {
	Date string `yaml:"date"`
	Name string `yaml:"name"`
}

type holidaysFile struct {
	Holidays []Holiday `yaml:"holidays"`
}

// New builds a Calendar. fixed holds MM-DD strings closed every year; dates
// holds YYYY-MM-DD closures. A nil loc means UTC.
func New(loc *time.Location, fixed, dates []string) (*Calendar, error) {
	if loc == nil {
		loc = time.UTC
	}
	c := &Calendar{
		loc:   loc,
		fixed: make(map[string]struct{}, len(fixed)),
		dates: make(map[string]struct{}, len(dates)),
	}
	for _, f := range fixed {
		if _, err := time.Parse(fixedLayout, f); err != nil {
			return nil, resilience.NewConfigurationError("calendar.fixed_holidays", "invalid MM-DD "+f)
		}
		c.fixed[f] = struct{}{}
	}
	for _, d := range dates {
		if _, err := time.Parse(model.DateLayout, d); err != nil {
			return nil, resilience.NewConfigurationError("calendar.holidays_file", "invalid date "+d)
		}
		c.dates[d] = struct{}{}
	}
	return c, nil
}

// Load builds a Calendar from configuration, reading the salon holidays
// file when one is configured.
func Load(cfg config.CalendarConfig) (*Calendar, error) {
	if cfg.Timezone == "" {
		return nil, resilience.NewConfigurationError("calendar.timezone", "missing")
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, resilience.NewConfigurationError("calendar.timezone", err.Error())
	}

	var dates []string
	if cfg.HolidaysFile != "" {
		holidays, err := ReadHolidays(cfg.HolidaysFile)
		if err != nil {
			return nil, err
		}
		for _, h := range holidays {
			dates = append(dates, h.Date)
		}
	}
	return New(loc, cfg.FixedHolidays, dates)
}

// ReadHolidays parses a YAML holidays file.
func ReadHolidays(path string) ([]Holiday, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(resilience.NewConfigurationError("calendar.holidays_file", err.Error()), "calendar: read holidays")
	}
	var f holidaysFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(resilience.NewConfigurationError("calendar.holidays_file", err.Error()), "calendar: parse holidays")
	}
	return f.Holidays, nil
}

// Location returns the time zone dates are evaluated in.
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// Day truncates t to midnight of its calendar date in the calendar's zone.
func (c *Calendar) Day(t time.Time) time.Time {
	t = t.In(c.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, c.loc)
}

// IsHoliday reports whether t's calendar date is in the holiday set.
func (c *Calendar) IsHoliday(t time.Time) bool {
	t = t.In(c.loc)
	if _, ok := c.fixed[t.Format(fixedLayout)]; ok {
		return true
	}
	_, ok := c.dates[t.Format(model.DateLayout)]
	return ok
}

// IsBusinessDay reports whether t falls on Monday to Friday and is not a
// holiday.
func (c *Calendar) IsBusinessDay(t time.Time) bool {
	switch t.In(c.loc).Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !c.IsHoliday(t)
}

// NextBusinessDay returns the first business day strictly after t's date.
func (c *Calendar) NextBusinessDay(t time.Time) (time.Time, error) {
	d := c.Day(t)
	for i := 0; i < maxSearchDays; i++ {
		d = d.AddDate(0, 0, 1)
		if c.IsBusinessDay(d) {
			return d, nil
		}
	}
	return time.Time{}, resilience.NewConfigurationError("calendar", "no business day within a year of "+c.Day(t).Format(model.DateLayout))
}
