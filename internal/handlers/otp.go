package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	iauth "github.com/lumenbank/lumen/internal/auth"
	"github.com/lumenbank/lumen/internal/services"
	"github.com/lumenbank/lumen/pkg/errors"
	"github.com/lumenbank/lumen/pkg/metrics"
	"github.com/lumenbank/lumen/pkg/response"
)

// OTPHandler exposes the email verification code endpoints.
type OTPHandler struct {
	otp      *services.OTPService
	users    *services.UserService
	sessions *iauth.SessionService
}

func NewOTPHandler(otp *services.OTPService, users *services.UserService, sessions *iauth.SessionService) *OTPHandler {
	return &OTPHandler{otp: otp, users: users, sessions: sessions}
}

type otpRequestRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type otpVerifyRequest struct {
	Email   string `json:"email" validate:"required,email"`
	OTPCode string `json:"otp_code" validate:"required,len=6,numeric"`
}

// POST /api/auth/otp/request
func (h *OTPHandler) Request(c *gin.Context) {
	var req otpRequestRequest
	if !bindAndValidate(c, &req) {
		return
	}

	receipt, err := h.otp.Issue(requestContext(c), req.Email, clientContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"message":            "If the address matches an account, a verification code has been sent",
		"expires_in_minutes": int(receipt.ExpiresIn.Minutes()),
	})
}

// POST /api/auth/otp/verify
func (h *OTPHandler) Verify(c *gin.Context) {
	var req otpVerifyRequest
	if !bindAndValidate(c, &req) {
		return
	}

	result, err := h.otp.Verify(requestContext(c), req.Email, req.OTPCode, clientContext(c))
	if err != nil {
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		response.Error(c, err)
		return
	}

	payload := gin.H{
		"subject_id": result.SubjectID,
		"message":    "Verification successful",
	}

	// Completing the challenge finishes the login when the session gate is wired.
	if h.users != nil && h.sessions != nil {
		user, err := h.users.GetByID(requestContext(c), result.SubjectID)
		if err != nil {
			response.Error(c, errors.ErrInternalServer.WithInternal(err))
			return
		}

		pair, _, err := h.sessions.CreateSession(user, iauth.SessionMetadata{
			IPAddress: c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
		})
		if err != nil {
			response.Error(c, errors.ErrInternalServer.WithInternal(err))
			return
		}

		_ = h.users.RecordLogin(requestContext(c), user.ID, c.ClientIP())

		payload["tokens"] = tokenResponse{
			AccessToken:  pair.AccessToken,
			RefreshToken: pair.RefreshToken,
		}
	}

	metrics.AuthAttempts.WithLabelValues("success").Inc()
	response.Success(c, http.StatusOK, payload)
}
