package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"charity-auth-service/internal/service"
	"charity-auth-service/internal/util"
)

// HealthChecker reports whether the backing stores are reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthCheckerFunc adapts a plain function to HealthChecker.
type HealthCheckerFunc func(ctx context.Context) error

func (f HealthCheckerFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// AuthHandler handles the OTP authentication endpoints.
type AuthHandler struct {
	issuer   *service.OTPIssuer
	verifier *service.OTPVerifier
	health   HealthChecker
	logger   *zap.Logger
}

func NewAuthHandler(issuer *service.OTPIssuer, verifier *service.OTPVerifier, health HealthChecker, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		issuer:   issuer,
		verifier: verifier,
		health:   health,
		logger:   logger,
	}
}

// Response is the error envelope. Success payloads carry their fields at the
// top level next to the success flag; see sendResponse and verifyResponse.
type Response struct {
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
	ErrorCode    string `json:"errorCode,omitempty"`
	Message      string `json:"message,omitempty"`
	UserNotFound bool   `json:"userNotFound,omitempty"`
}

type sendResponse struct {
	Success bool `json:"success"`
	*service.IssueResult
}

type verifyResponse struct {
	Success bool `json:"success"`
	*service.VerifyResult
}

type sendRequest struct {
	NationalID string `json:"nationalId"`
	Phone      string `json:"phone,omitempty"`
}

type verifyRequest struct {
	NationalID  string `json:"nationalId"`
	Code        string `json:"code"`
	SessionID   string `json:"sessionId"`
	Phone       string `json:"phone,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

// RegisterRoutes registers the OTP authentication routes.
func (h *AuthHandler) RegisterRoutes(router chi.Router) {
	router.Route("/auth/otp", func(r chi.Router) {
		r.Post("/send", h.SendOTP)
		r.Post("/verify", h.VerifyOTP)
		r.Post("/register", h.Register)
	})
}

// SendOTP issues a verification challenge for a national ID.
func (h *AuthHandler) SendOTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	result, err := h.issuer.Issue(ctx, util.SanitizeInput(req.NationalID), util.SanitizeInput(req.Phone))
	if err != nil {
		h.respondWithServiceError(w, err, "Failed to issue verification code")
		return
	}

	h.respondWithJSON(w, http.StatusOK, sendResponse{Success: true, IssueResult: result})
	h.logger.Info("OTP issued via HTTP",
		util.String("session_id", result.SessionID),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "SendOTP"),
	)
}

// VerifyOTP checks a submitted code and signs the existing user in.
func (h *AuthHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	h.verify(w, r, false)
}

// Register checks a submitted code and creates the account on first contact.
// The contact channel was fixed at issuance; a phone in this request body is
// accepted for contract compatibility but never trusted.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	h.verify(w, r, true)
}

func (h *AuthHandler) verify(w http.ResponseWriter, r *http.Request, registration bool) {
	ctx := r.Context()
	startTime := time.Now()

	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	in := service.VerifyInput{
		NationalID: util.SanitizeInput(req.NationalID),
		SessionID:  util.SanitizeInput(req.SessionID),
		Code:       req.Code,
	}
	if registration {
		in.DisplayName = util.SanitizeInput(req.DisplayName)
	}

	result, err := h.verifier.Verify(ctx, in)
	if err != nil {
		h.respondWithServiceError(w, err, "Verification failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, verifyResponse{Success: true, VerifyResult: result})
	h.logger.Info("OTP verified via HTTP",
		util.String("user_id", result.User.UserID),
		util.Bool("is_new_user", result.IsNewUser),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "VerifyOTP"),
	)
}

// HealthCheck reports service health.
func (h *AuthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.health.HealthCheck(r.Context()); err != nil {
		h.respondWithError(w, http.StatusServiceUnavailable, err, "Service unhealthy")
		return
	}
	h.respondWithJSON(w, http.StatusOK, Response{Success: true, Message: "Service is healthy"})
}

// Helper Methods

func (h *AuthHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func (h *AuthHandler) respondWithServiceError(w http.ResponseWriter, err error, message string) {
	statusCode := h.getStatusCode(err)
	resp := Response{
		Success:   false,
		Error:     err.Error(),
		ErrorCode: service.ErrorCode(err),
		Message:   message,
	}
	if errors.Is(err, service.ErrUserNotFound) {
		resp.UserNotFound = true
	}

	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("error_code", resp.ErrorCode),
	)
	h.respondWithJSON(w, statusCode, resp)
}

func (h *AuthHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, Response{Success: false, Error: err.Error(), Message: message})
}

// getStatusCode determines the appropriate HTTP status code for an error.
func (h *AuthHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidFormat),
		errors.Is(err, service.ErrMissingContact),
		errors.Is(err, service.ErrInvalidContact),
		errors.Is(err, service.ErrChallengeExpired),
		errors.Is(err, service.ErrInvalidCode):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrUserNotFound),
		errors.Is(err, service.ErrChallengeNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrAccountInactive):
		return http.StatusForbidden
	case errors.Is(err, service.ErrAlreadyConsumed):
		return http.StatusConflict
	case errors.Is(err, service.ErrRateLimited),
		errors.Is(err, service.ErrTooManyAttempts):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
