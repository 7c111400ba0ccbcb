// Package httpapi exposes check-in, enrollment and administration over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"faceattend/internal/attendance"
	"faceattend/internal/auth"
	"faceattend/internal/httpmiddleware"
	"faceattend/internal/ledger"
	"faceattend/internal/session"
	"faceattend/internal/store"
)

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Deps are the collaborators the handlers need.
type Deps struct {
	Ledger        *ledger.Ledger
	Sessions      *session.Catalog
	Attendance    *attendance.Service
	Signer        *auth.Signer
	Store         store.Store
	Face          HealthChecker
	AdminPassword string
	CaptureLimit  int // per student per minute; 0 disables
	BcryptCost    int
	Now           func() time.Time
}

// Handler serves the API.
type Handler struct {
	Deps
	captureLimiter *httpmiddleware.TokenBucket
}

// New builds a Handler, filling defaults for optional fields.
func New(d Deps) *Handler {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.BcryptCost == 0 {
		d.BcryptCost = bcrypt.DefaultCost
	}
	return &Handler{
		Deps:           d,
		captureLimiter: httpmiddleware.NewTokenBucket(d.CaptureLimit, d.CaptureLimit, auth.Subject),
	}
}

// Register mounts every route on r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", h.healthz)

	v1 := r.Group("/v1")
	v1.POST("/students", h.registerStudent)
	v1.POST("/auth/login", h.login)
	v1.POST("/auth/admin", h.adminLogin)
	v1.POST("/auth/refresh", h.refresh)
	v1.GET("/sessions", h.listSessions)
	v1.GET("/sessions/active", h.activeSession)

	student := v1.Group("", auth.Bearer(h.Signer), auth.RequireRole(auth.RoleStudent))
	student.GET("/students/me", h.me)
	student.GET("/students/me/attendance", h.myAttendance)
	student.POST("/students/me/reference-images", h.addReferenceImage)
	student.POST("/attendance/attempts", h.beginAttempt)
	student.GET("/attendance/attempts/:id", h.getAttempt)
	student.POST("/attendance/attempts/:id/capture", h.captureLimiter.GinMiddleware(), h.submitCapture)
	student.POST("/attendance/attempts/:id/retry", h.retryAttempt)
	student.DELETE("/attendance/attempts/:id", h.cancelAttempt)

	admin := v1.Group("/admin", auth.Bearer(h.Signer), auth.RequireRole(auth.RoleAdmin))
	admin.GET("/students", h.adminStudents)
	admin.DELETE("/students/:id", h.adminDeleteStudent)
	admin.GET("/attendance", h.adminAttendance)
	admin.GET("/attendance/:id/evidence", h.adminEvidence)
	admin.GET("/stats", h.adminStats)
}

func (h *Handler) healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	storeHealthy := h.Store != nil && h.Store.Ping(ctx) == nil
	faceHealthy := h.Face == nil || h.Face.Health(ctx) == nil
	status := http.StatusOK
	if !storeHealthy || !faceHealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"status": http.StatusText(status), "store": storeHealthy, "face_service": faceHealthy})
}

// writeError maps domain errors to status codes.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ledger.ErrInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, ledger.ErrConflict), errors.Is(err, ledger.ErrDuplicate):
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, attendance.ErrAttemptNotFound):
		status = http.StatusNotFound
	case errors.Is(err, attendance.ErrInvalidTransition), errors.Is(err, attendance.ErrAbandoned):
		status = http.StatusConflict
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		msg = "internal error"
	}
	c.JSON(status, gin.H{"error": msg})
}

func queryLimit(c *gin.Context, fallback int) int {
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}
