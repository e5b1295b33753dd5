package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/esshgate/esshgate/pkg/models"
	"github.com/esshgate/esshgate/pkg/protocol"
	"github.com/esshgate/esshgate/pkg/service"
	"github.com/esshgate/esshgate/pkg/token"
)

// UserHandler serves registration, login, logout, and MFA management.
type UserHandler struct {
	Users  *service.UserService
	Tokens *token.Manager
	Logger *slog.Logger
}

func NewUserHandler(users *service.UserService, tokens *token.Manager, logger *slog.Logger) *UserHandler {
	return &UserHandler{Users: users, Tokens: tokens, Logger: logger}
}

func (h *UserHandler) Register(c *gin.Context) {
	var req models.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.Response{Success: false, Message: "invalid request: " + err.Error()})
		return
	}
	user, err := h.Users.Register(&req)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, service.ErrUsernameTaken) || errors.Is(err, service.ErrEmailTaken) {
			status = http.StatusConflict
		}
		c.JSON(status, models.Response{Success: false, Message: err.Error()})
		return
	}
	h.Logger.Info("user registered via API", "username", user.Username, "clientIP", c.ClientIP())
	c.JSON(http.StatusCreated, models.Response{Success: true, Message: "registered", Data: user})
}

func (h *UserHandler) Login(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.Response{Success: false, Message: "invalid request: " + err.Error()})
		return
	}

	res, err := h.Users.Login(&req)
	if err != nil {
		code, status := loginErrorCode(err)
		c.JSON(status, models.Response{Success: false, Message: code})
		return
	}
	if res.MFARequired {
		c.JSON(http.StatusOK, models.Response{
			Success: true,
			Message: protocol.ErrMFARequired,
			Data:    gin.H{"mfaRequired": true},
		})
		return
	}

	bearer, err := h.Tokens.Issue(res.User.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.Response{Success: false, Message: err.Error()})
		return
	}
	h.Logger.Info("user logged in", "username", res.User.Username, "clientIP", c.ClientIP())
	c.JSON(http.StatusOK, models.Response{Success: true, Data: gin.H{
		"token": bearer,
		"user":  res.User,
	}})
}

func loginErrorCode(err error) (string, int) {
	switch {
	case errors.Is(err, service.ErrAccountDisabled):
		return protocol.ErrAccountDisabled, http.StatusForbidden
	case errors.Is(err, service.ErrMFAInvalid):
		return protocol.ErrMFAInvalid, http.StatusUnauthorized
	default:
		return protocol.ErrInvalidCredentials, http.StatusUnauthorized
	}
}

// Logout revokes the presented token only.
func (h *UserHandler) Logout(c *gin.Context) {
	h.Tokens.Revoke(c.GetString("bearer"))
	c.JSON(http.StatusOK, models.Response{Success: true, Message: "logged out"})
}

// LogoutAll fences every live token of the principal, including the one used
// for this request.
func (h *UserHandler) LogoutAll(c *gin.Context) {
	n := h.Tokens.LogoutAll(principalID(c))
	h.Logger.Info("remote logout", "principalId", principalID(c), "sessions", n)
	c.JSON(http.StatusOK, models.Response{Success: true, Data: gin.H{"sessionsEnded": n}})
}

func (h *UserHandler) Me(c *gin.Context) {
	user, err := h.Users.Get(principalID(c))
	if err != nil {
		c.JSON(http.StatusNotFound, models.Response{Success: false, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, models.Response{Success: true, Data: user})
}

// MFASetup provisions a pending TOTP secret.
func (h *UserHandler) MFASetup(c *gin.Context) {
	secret, url, err := h.Users.GenerateMFASecret(principalID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.Response{Success: false, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, models.Response{Success: true, Data: gin.H{"secret": secret, "url": url}})
}

type mfaRequest struct {
	Code string `json:"code" binding:"required"`
}

func (h *UserHandler) MFAEnable(c *gin.Context) {
	var req mfaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.Response{Success: false, Message: "code is required"})
		return
	}
	if err := h.Users.EnableMFA(principalID(c), req.Code); err != nil {
		c.JSON(http.StatusBadRequest, models.Response{Success: false, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, models.Response{Success: true, Message: "mfa enabled"})
}

func (h *UserHandler) MFADisable(c *gin.Context) {
	var req mfaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.Response{Success: false, Message: "code is required"})
		return
	}
	if err := h.Users.DisableMFA(principalID(c), req.Code); err != nil {
		c.JSON(http.StatusBadRequest, models.Response{Success: false, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, models.Response{Success: true, Message: "mfa disabled"})
}
