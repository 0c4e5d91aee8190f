package auth

import (
	"github.com/gin-gonic/gin"

	"github.com/lifthub/carpool/pkg/common"
	"github.com/lifthub/carpool/pkg/middleware"
)

// Handler exposes the identity HTTP surface.
type Handler struct {
	service *Service
}

// NewHandler creates an auth handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts the public auth routes.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	a := rg.Group("/auth")
	{
		a.POST("/register", h.Register)
		a.POST("/login", h.Login)
		a.POST("/refresh", h.Refresh)
		a.POST("/logout", h.Logout)
		a.POST("/verify-email", h.VerifyEmail)
		a.POST("/forgot-password", h.ForgotPassword)
		a.POST("/reset-password", h.ResetPassword)
	}
}

// RegisterProtectedRoutes mounts the routes behind the auth middleware.
func (h *Handler) RegisterProtectedRoutes(rg *gin.RouterGroup) {
	rg.GET("/auth/me", h.Me)
}

// Register handles signup.
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, common.NewValidationError(err.Error()))
		return
	}

	resp, err := h.service.Register(c.Request.Context(), &req, c.Request.UserAgent(), c.ClientIP())
	if err != nil {
		common.Fail(c, err)
		return
	}
	common.Created(c, resp)
}

// Login handles credential login.
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, common.NewValidationError(err.Error()))
		return
	}

	resp, err := h.service.Login(c.Request.Context(), &req, c.Request.UserAgent(), c.ClientIP())
	if err != nil {
		common.Fail(c, err)
		return
	}
	common.OK(c, resp)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// Refresh rotates the refresh token.
func (h *Handler) Refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, common.NewValidationError(err.Error()))
		return
	}

	tokens, err := h.service.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		common.Fail(c, err)
		return
	}
	common.OK(c, tokens)
}

// Logout revokes the presented session.
func (h *Handler) Logout(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, common.NewValidationError(err.Error()))
		return
	}

	if err := h.service.Logout(c.Request.Context(), req.RefreshToken); err != nil {
		common.Fail(c, err)
		return
	}
	common.OK(c, gin.H{"logged_out": true})
}

type tokenRequest struct {
	Token string `json:"token" binding:"required"`
}

// VerifyEmail consumes an email verification token.
func (h *Handler) VerifyEmail(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, common.NewValidationError(err.Error()))
		return
	}

	if err := h.service.VerifyEmail(c.Request.Context(), req.Token); err != nil {
		common.Fail(c, err)
		return
	}
	common.OK(c, gin.H{"verified": true})
}

type forgotPasswordRequest struct {
	Email string `json:"email" binding:"required,email"`
}

// ForgotPassword always answers the same way regardless of whether the email
// is known.
func (h *Handler) ForgotPassword(c *gin.Context) {
	var req forgotPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, common.NewValidationError(err.Error()))
		return
	}

	if err := h.service.ForgotPassword(c.Request.Context(), req.Email); err != nil {
		common.Fail(c, err)
		return
	}
	common.OK(c, gin.H{"message": "if the email exists, a reset link has been sent"})
}

type resetPasswordRequest struct {
	Token       string `json:"token" binding:"required"`
	NewPassword string `json:"new_password" binding:"required,min=8"`
}

// ResetPassword consumes a reset token.
func (h *Handler) ResetPassword(c *gin.Context) {
	var req resetPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, common.NewValidationError(err.Error()))
		return
	}

	if err := h.service.ResetPassword(c.Request.Context(), req.Token, req.NewPassword); err != nil {
		common.Fail(c, err)
		return
	}
	common.OK(c, gin.H{"reset": true})
}

// Me returns the caller's decrypted profile.
func (h *Handler) Me(c *gin.Context) {
	userID, err := middleware.GetUserID(c)
	if err != nil {
		common.Fail(c, common.NewAuthenticationError("unauthorized"))
		return
	}

	user, err := h.service.Profile(c.Request.Context(), userID)
	if err != nil {
		common.Fail(c, err)
		return
	}
	common.OK(c, user)
}
