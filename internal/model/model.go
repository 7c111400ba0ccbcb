package model

import "time"

// StudentStatus is the enrollment state of a student.
type StudentStatus string

const (
	StudentActive   StudentStatus = "active"
	StudentInactive StudentStatus = "inactive"
)

// AttendanceStatus is the status carried by an attendance record.
type AttendanceStatus string

const (
	StatusPresent AttendanceStatus = "present"
	StatusAbsent  AttendanceStatus = "absent"
)

// ManualSessionID is recorded when a check-in is not tied to a scheduled session.
const ManualSessionID = "manual"

// Student represents a registered student.
type Student struct {
	ID              string        `json:"id"`
	FirstName       string        `json:"first_name"`
	LastName        string        `json:"last_name"`
	StudentID       string        `json:"student_id"` // matricule
	Email           string        `json:"email"`
	ReferenceImages []string      `json:"reference_images,omitempty"` // base64 or data URI payloads
	Status          StudentStatus `json:"status"`
	PasswordHash    string        `json:"password_hash,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}

// FullName joins first and last name.
func (s Student) FullName() string {
	if s.LastName == "" {
		return s.FirstName
	}
	return s.FirstName + " " + s.LastName
}

// PrimaryReference returns the first enrolled reference image.
func (s Student) PrimaryReference() (string, bool) {
	if len(s.ReferenceImages) == 0 || s.ReferenceImages[0] == "" {
		return "", false
	}
	return s.ReferenceImages[0], true
}

// Public strips credentials and image payloads for API responses.
func (s Student) Public() StudentView {
	return StudentView{
		ID:             s.ID,
		FirstName:      s.FirstName,
		LastName:       s.LastName,
		StudentID:      s.StudentID,
		Email:          s.Email,
		Status:         s.Status,
		FaceEnrolled:   len(s.ReferenceImages) > 0,
		ReferenceCount: len(s.ReferenceImages),
		CreatedAt:      s.CreatedAt,
	}
}

// StudentView is the client-facing projection of a Student.
type StudentView struct {
	ID             string        `json:"id"`
	FirstName      string        `json:"first_name"`
	LastName       string        `json:"last_name"`
	StudentID      string        `json:"student_id"`
	Email          string        `json:"email"`
	Status         StudentStatus `json:"status"`
	FaceEnrolled   bool          `json:"face_enrolled"`
	ReferenceCount int           `json:"reference_count"`
	CreatedAt      time.Time     `json:"created_at"`
}

// ClassSession is a scheduled class.
type ClassSession struct {
	ID        string `json:"id" yaml:"id"`
	Name      string `json:"name" yaml:"name"`
	StartTime string `json:"start_time" yaml:"start_time"` // HH:MM
	EndTime   string `json:"end_time" yaml:"end_time"`     // HH:MM
	Date      string `json:"date" yaml:"date"`             // YYYY-MM-DD, RFC 3339, or "daily"
}

// AttendanceRecord is a single, immutable attendance event.
type AttendanceRecord struct {
	ID         string           `json:"id"`
	StudentID  string           `json:"student_id"`
	SessionID  string           `json:"session_id"`
	Timestamp  time.Time        `json:"timestamp"`
	Status     AttendanceStatus `json:"status"`
	Confidence float64          `json:"confidence"`
}

// Outcome is the verdict returned by the face-comparison oracle.
type Outcome struct {
	Verified   bool    `json:"verified"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}
