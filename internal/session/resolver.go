package session

import (
	"strings"
	"time"

	"faceattend/internal/model"
)

// Daily marks a session that is scheduled every day.
const Daily = "daily"

// ActiveSession returns the first session, in catalog order, scheduled on the
// calendar day of now. Clock times are not considered: a session dated today
// is open all day.
func ActiveSession(sessions []model.ClassSession, now time.Time) (model.ClassSession, bool) {
	for _, s := range sessions {
		if OnDay(s, now) {
			return s, true
		}
	}
	return model.ClassSession{}, false
}

// OnDay reports whether s is scheduled on the calendar day of now, in now's location.
func OnDay(s model.ClassSession, now time.Time) bool {
	if strings.EqualFold(strings.TrimSpace(s.Date), Daily) {
		return true
	}
	day, ok := sessionDay(s.Date, now.Location())
	if !ok {
		return false
	}
	y1, m1, d1 := day.Date()
	y2, m2, d2 := now.Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

func sessionDay(raw string, loc *time.Location) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	if t, err := time.ParseInLocation(time.DateOnly, raw, loc); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.In(loc), true
	}
	return time.Time{}, false
}
