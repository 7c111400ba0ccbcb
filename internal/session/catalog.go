package session

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"faceattend/internal/model"
)

// Catalog is the read-only list of scheduled class sessions. Order is authoritative.
type Catalog struct {
	sessions []model.ClassSession
}

// catalogFile mirrors the YAML schema of SESSIONS_FILE.
type catalogFile struct {
	Sessions []model.ClassSession `yaml:"sessions"`
}

// NewCatalog validates sessions and keeps them in the given order.
func NewCatalog(sessions []model.ClassSession) (*Catalog, error) {
	seen := make(map[string]bool, len(sessions))
	out := make([]model.ClassSession, 0, len(sessions))
	for i, s := range sessions {
		s.ID = strings.TrimSpace(s.ID)
		if s.ID == "" {
			return nil, fmt.Errorf("session %d: id required", i)
		}
		if s.ID == model.ManualSessionID {
			return nil, fmt.Errorf("session %d: id %q is reserved", i, s.ID)
		}
		if strings.Contains(s.ID, occurrenceSep) {
			return nil, fmt.Errorf("session %d: id %q must not contain %q", i, s.ID, occurrenceSep)
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("session %d: duplicate id %q", i, s.ID)
		}
		seen[s.ID] = true
		out = append(out, s)
	}
	return &Catalog{sessions: out}, nil
}

// LoadFile reads a catalog from a YAML file.
func LoadFile(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sessions file: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse sessions file: %w", err)
	}
	if len(f.Sessions) == 0 {
		return nil, errors.New("sessions file defines no sessions")
	}
	return NewCatalog(f.Sessions)
}

// Default is the built-in timetable used when no sessions file is configured.
func Default() *Catalog {
	c, _ := NewCatalog([]model.ClassSession{
		{ID: "1", Name: "Algorithmique & Structures de Données", StartTime: "08:00", EndTime: "10:00", Date: Daily},
		{ID: "2", Name: "Intelligence Artificielle", StartTime: "10:15", EndTime: "12:15", Date: Daily},
		{ID: "3", Name: "Développement Web Moderne", StartTime: "14:00", EndTime: "16:00", Date: Daily},
	})
	return c
}

// Sessions returns the catalog as of now. Daily sessions are dated today and
// carry the id of today's occurrence, so attendance is tracked per day.
func (c *Catalog) Sessions(now time.Time) []model.ClassSession {
	out := make([]model.ClassSession, len(c.sessions))
	copy(out, c.sessions)
	day := now.Format(time.DateOnly)
	for i := range out {
		if strings.EqualFold(strings.TrimSpace(out[i].Date), Daily) {
			out[i].Date = day
			out[i].ID = OccurrenceID(out[i].ID, day)
		}
	}
	return out
}

const occurrenceSep = "@"

// OccurrenceID names one day's occurrence of a daily session, e.g. "1@2026-10-15".
func OccurrenceID(id, day string) string {
	return id + occurrenceSep + day
}

// Active resolves the session eligible for check-in at now.
func (c *Catalog) Active(now time.Time) (model.ClassSession, bool) {
	return ActiveSession(c.Sessions(now), now)
}

