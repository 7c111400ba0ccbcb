package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"faceattend/internal/evidence"
	"faceattend/internal/ledger"
	"faceattend/internal/model"
)

const defaultAdminLimit = 100

func (h *Handler) adminStudents(c *gin.Context) {
	var students []model.Student
	if q := c.Query("q"); q != "" {
		students = h.Ledger.SearchStudents(q)
	} else {
		students = h.Ledger.ListStudents()
	}
	views := make([]model.StudentView, 0, len(students))
	for _, st := range students {
		views = append(views, st.Public())
	}
	c.JSON(http.StatusOK, gin.H{"students": views})
}

func (h *Handler) adminDeleteStudent(c *gin.Context) {
	id := c.Param("id")
	if err := h.Ledger.DeleteStudent(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	slog.Default().InfoContext(c.Request.Context(), "student deleted", "student", id)
	c.Status(http.StatusNoContent)
}

func (h *Handler) adminAttendance(c *gin.Context) {
	records := h.Ledger.ListAttendance(ledger.Filter{
		StudentID: c.Query("student_id"),
		SessionID: c.Query("session_id"),
		Limit:     queryLimit(c, defaultAdminLimit),
	})
	c.JSON(http.StatusOK, gin.H{"records": nonNil(records)})
}

func (h *Handler) adminEvidence(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.Ledger.Record(id); err != nil {
		writeError(c, err)
		return
	}
	ev, err := evidence.Lookup(c.Request.Context(), h.Store, id)
	if errors.Is(err, evidence.ErrNotArchived) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

func (h *Handler) adminStats(c *gin.Context) {
	now := h.Now()
	c.JSON(http.StatusOK, h.Ledger.Stats(now, h.Sessions.Sessions(now)))
}
