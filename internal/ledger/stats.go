package ledger

import (
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"faceattend/internal/model"
)

// SessionStat counts present records for one session.
type SessionStat struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Initials string `json:"initials"`
	Present  int    `json:"present"`
}

// Stats is the administrative overview of the ledger.
type Stats struct {
	TotalStudents int           `json:"total_students"`
	PresentToday  int           `json:"present_today"`
	AbsentToday   int           `json:"absent_today"`
	Rate          float64       `json:"rate"` // percent, one decimal
	Sessions      []SessionStat `json:"sessions"`
}

// Stats summarizes attendance for the calendar day of now and per session.
func (l *Ledger) Stats(now time.Time, sessions []model.ClassSession) Stats {
	y, m, d := now.Date()
	loc := now.Location()

	l.mu.RLock()
	total := len(l.students)
	presentToday := 0
	perSession := make(map[string]int)
	for _, r := range l.records {
		if r.Status != model.StatusPresent {
			continue
		}
		perSession[r.SessionID]++
		ry, rm, rd := r.Timestamp.In(loc).Date()
		if ry == y && rm == m && rd == d {
			presentToday++
		}
	}
	l.mu.RUnlock()

	st := Stats{
		TotalStudents: total,
		PresentToday:  presentToday,
		AbsentToday:   max(total-presentToday, 0),
		Sessions:      make([]SessionStat, 0, len(sessions)),
	}
	if total > 0 {
		st.Rate = math.Round(float64(presentToday)/float64(total)*1000) / 10
	}
	for _, s := range sessions {
		st.Sessions = append(st.Sessions, SessionStat{
			ID:       s.ID,
			Name:     s.Name,
			Initials: initials(s.Name),
			Present:  perSession[s.ID],
		})
	}
	return st
}

func initials(name string) string {
	var b strings.Builder
	for _, w := range strings.Fields(name) {
		r, _ := utf8.DecodeRuneInString(w)
		b.WriteRune(r)
	}
	return b.String()
}
