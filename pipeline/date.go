package pipeline

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// DateLayout is the storage and wire layout for calendar dates and batch ids.
const DateLayout = "2006-01-02"

// =============================================================================
// DATE - Calendar day without time-of-day (the grain of every record)
// =============================================================================

// Date is a civil calendar day. It is comparable, so it can be used inside
// map keys, and it is stored as 'YYYY-MM-DD' text.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// Constructors
func NewDate(year int, month time.Month, day int) Date {
	return DateOf(time.Date(year, month, day, 0, 0, 0, 0, time.UTC))
}

func DateOf(t time.Time) Date {
	return Date{Year: t.Year(), Month: t.Month(), Day: t.Day()}
}

// ParseDate normalizes a raw date value to its calendar day. Any common layout
// is accepted ("2024-01-05", "2024-01-05 13:45:00", "01/05/2024", RFC3339...);
// the time-of-day part is discarded.
func ParseDate(raw string) (Date, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Date{}, fmt.Errorf("empty date")
	}
	if t, err := time.Parse(DateLayout, s); err == nil {
		return DateOf(t), nil
	}
	t, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		return Date{}, fmt.Errorf("unparseable date %q: %w", raw, err)
	}
	return DateOf(t), nil
}

// Conversion
func (d Date) Time() time.Time { return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC) }
func (d Date) String() string  { return d.Time().Format(DateLayout) }
func (d Date) IsZero() bool    { return d == Date{} }

// Comparison
func (d Date) Before(other Date) bool        { return d.Time().Before(other.Time()) }
func (d Date) After(other Date) bool         { return d.Time().After(other.Time()) }
func (d Date) AfterOrEqual(other Date) bool  { return !d.Before(other) }
func (d Date) BeforeOrEqual(other Date) bool { return !d.After(other) }

// Arithmetic
func (d Date) AddDays(n int) Date { return DateOf(d.Time().AddDate(0, 0, n)) }

// DaysBetween returns the whole days from 'from' to 'to'.
func DaysBetween(from, to Date) int { return int(to.Time().Sub(from.Time()).Hours() / 24) }

// Value implements driver.Valuer.
func (d Date) Value() (driver.Value, error) {
	if d.IsZero() {
		return nil, nil
	}
	return d.String(), nil
}

// Scan implements sql.Scanner. SQLite may hand back text, bytes, or a
// time.Time when the column is declared DATE.
func (d *Date) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*d = Date{}
		return nil
	case time.Time:
		*d = DateOf(v.UTC())
		return nil
	case string:
		parsed, err := ParseDate(v)
		if err != nil {
			return err
		}
		*d = parsed
		return nil
	case []byte:
		return d.Scan(string(v))
	default:
		return fmt.Errorf("cannot scan %T into Date", src)
	}
}

// MarshalText renders the date as YYYY-MM-DD for JSON payloads.
func (d Date) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Date) UnmarshalText(b []byte) error {
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
