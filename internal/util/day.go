package util

import "time"

// UTCDay returns midnight UTC of the day containing t.
func UTCDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DayKey formats the UTC day of t as YYYY-MM-DD.
func DayKey(t time.Time) string {
	return UTCDay(t).Format("2006-01-02")
}
