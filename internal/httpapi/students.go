package httpapi

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"faceattend/internal/auth"
	"faceattend/internal/ledger"
	"faceattend/internal/model"
)

const defaultHistoryLimit = 5

type registerRequest struct {
	FirstName      string `json:"first_name" binding:"required"`
	LastName       string `json:"last_name" binding:"required"`
	StudentID      string `json:"student_id" binding:"required"`
	Email          string `json:"email" binding:"required,email"`
	Password       string `json:"password" binding:"required,min=6"`
	ReferenceImage string `json:"reference_image" binding:"required"`
}

func (h *Handler) registerStudent(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), h.BcryptCost)
	if err != nil {
		writeError(c, err)
		return
	}
	st, err := h.Ledger.RegisterStudent(c.Request.Context(), model.Student{
		FirstName:       strings.TrimSpace(req.FirstName),
		LastName:        strings.TrimSpace(req.LastName),
		StudentID:       req.StudentID,
		Email:           req.Email,
		ReferenceImages: []string{req.ReferenceImage},
		Status:          model.StudentActive,
		PasswordHash:    string(hash),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	tokens, err := h.Signer.Issue(st.ID, auth.RoleStudent)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	slog.Default().InfoContext(c.Request.Context(), "student registered", "student", st.ID, "name", st.FullName(), "matricule", st.StudentID)
	c.JSON(http.StatusCreated, gin.H{"student": st.Public(), "tokens": tokens})
}

func (h *Handler) login(c *gin.Context) {
	var req struct {
		Email    string `json:"email" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	st, err := h.Ledger.StudentByEmail(req.Email)
	if err == nil {
		err = bcrypt.CompareHashAndPassword([]byte(st.PasswordHash), []byte(req.Password))
	}
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid email or password"})
		return
	}
	if st.Status != model.StudentActive {
		c.JSON(http.StatusForbidden, gin.H{"error": "account inactive"})
		return
	}
	tokens, err := h.Signer.Issue(st.ID, auth.RoleStudent)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"student": st.Public(), "tokens": tokens})
}

func (h *Handler) adminLogin(c *gin.Context) {
	var req struct {
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if h.AdminPassword == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "admin login disabled"})
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.Password), []byte(h.AdminPassword)) != 1 {
		slog.Default().WarnContext(c.Request.Context(), "admin login rejected", "ip", c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid password"})
		return
	}
	tokens, err := h.Signer.Issue("admin", auth.RoleAdmin)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tokens": tokens})
}

func (h *Handler) refresh(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tokens, claims, err := h.Signer.Refresh(req.RefreshToken)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	if claims.Role == auth.RoleStudent {
		if _, err := h.Ledger.Student(claims.Subject); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"tokens": tokens})
}

func (h *Handler) me(c *gin.Context) {
	st, err := h.Ledger.Student(auth.Subject(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st.Public())
}

func (h *Handler) myAttendance(c *gin.Context) {
	id := auth.Subject(c)
	if _, err := h.Ledger.Student(id); err != nil {
		writeError(c, err)
		return
	}
	records := h.Ledger.ListAttendance(ledger.Filter{StudentID: id, Limit: queryLimit(c, defaultHistoryLimit)})
	c.JSON(http.StatusOK, gin.H{"records": nonNil(records)})
}

func (h *Handler) addReferenceImage(c *gin.Context) {
	var req struct {
		Image string `json:"image" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	st, err := h.Ledger.AddReferenceImage(c.Request.Context(), auth.Subject(c), req.Image)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st.Public())
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
