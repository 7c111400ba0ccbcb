package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"faceattend/internal/attendance"
	"faceattend/internal/auth"
)

func (h *Handler) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.Sessions.Sessions(h.Now())})
}

func (h *Handler) activeSession(c *gin.Context) {
	s, ok := h.Sessions.Active(h.Now())
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active session"})
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *Handler) beginAttempt(c *gin.Context) {
	a := h.Attendance.Begin(c.Request.Context(), auth.Subject(c))
	c.JSON(http.StatusCreated, a.Result())
}

// ownAttempt resolves :id to an attempt of the calling student. Attempts of
// other students look the same as unknown ones.
func (h *Handler) ownAttempt(c *gin.Context) (*attendance.Attempt, bool) {
	a, err := h.Attendance.Attempt(c.Param("id"))
	if err == nil && a.StudentID != auth.Subject(c) {
		err = attendance.ErrAttemptNotFound
	}
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	return a, true
}

func (h *Handler) getAttempt(c *gin.Context) {
	a, ok := h.ownAttempt(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, a.Result())
}

func (h *Handler) submitCapture(c *gin.Context) {
	var req struct {
		Image string `json:"image" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	a, ok := h.ownAttempt(c)
	if !ok {
		return
	}
	res, err := a.Submit(c.Request.Context(), req.Image)
	respondAttempt(c, res, err)
}

func (h *Handler) retryAttempt(c *gin.Context) {
	a, ok := h.ownAttempt(c)
	if !ok {
		return
	}
	res, err := a.Retry(c.Request.Context())
	respondAttempt(c, res, err)
}

func (h *Handler) cancelAttempt(c *gin.Context) {
	a, ok := h.ownAttempt(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, a.Cancel())
}

func respondAttempt(c *gin.Context, res attendance.Result, err error) {
	switch {
	case err == nil:
		c.JSON(http.StatusOK, res)
	case errors.Is(err, attendance.ErrInvalidTransition), errors.Is(err, attendance.ErrAbandoned):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "attempt": res})
	default:
		writeError(c, err)
	}
}
