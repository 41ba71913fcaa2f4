package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"charity-auth-service/internal/config"
	"charity-auth-service/internal/hashing"
	"charity-auth-service/internal/model"
	"charity-auth-service/internal/phone"
	"charity-auth-service/internal/repository/scylla"
	"charity-auth-service/internal/sms"
	"charity-auth-service/internal/util"
)

// IssueResult is what the send endpoint returns to the caller. SimulatedCode
// is populated only when no live channel delivered the code.
type IssueResult struct {
	SessionID          string `json:"sessionId"`
	MaskedContact      string `json:"maskedContact"`
	ExpiresInSeconds   int    `json:"expiresInSeconds"`
	SentViaLiveChannel bool   `json:"sentViaLiveChannel"`
	SimulatedCode      string `json:"simulatedCode,omitempty"`
	IsNewUser          bool   `json:"isNewUser,omitempty"`
}

// OTPIssuer creates verification challenges and dispatches their codes.
type OTPIssuer struct {
	cfg      *config.Config
	users    model.UserRepository
	otps     model.OTPRepository
	throttle model.OTPThrottleCache
	sms      model.SMSDispatcher
	hasher   *hashing.Hasher
	events   model.SecurityEventPublisher
}

func NewOTPIssuer(
	cfg *config.Config,
	users model.UserRepository,
	otps model.OTPRepository,
	throttle model.OTPThrottleCache,
	dispatcher model.SMSDispatcher,
	hasher *hashing.Hasher,
	events model.SecurityEventPublisher,
) *OTPIssuer {
	return &OTPIssuer{
		cfg:      cfg,
		users:    users,
		otps:     otps,
		throttle: throttle,
		sms:      dispatcher,
		hasher:   hasher,
		events:   events,
	}
}

// Issue creates a challenge for the national ID. For known users the stored
// contact is used and rawPhone is ignored; for unknown users a non-empty
// rawPhone switches to the registration flow, otherwise ErrUserNotFound.
// Dispatch is best-effort: an unreachable or unconfigured SMS channel falls
// back to returning the code in the result, never to a failed issuance.
func (s *OTPIssuer) Issue(ctx context.Context, nationalID, rawPhone string) (*IssueResult, error) {
	if err := phone.ValidateNationalID(nationalID); err != nil {
		return nil, ErrInvalidFormat
	}

	contact, isNewUser, err := s.resolveContact(ctx, nationalID, rawPhone)
	if err != nil {
		return nil, err
	}

	if err := s.checkSendRate(ctx, contact); err != nil {
		return nil, err
	}

	code, err := generateCode(s.cfg.OTP.CodeLength)
	if err != nil {
		return nil, fmt.Errorf("failed to generate code: %w", err)
	}
	sessionID := uuid.New().String()

	hashed, err := s.hasher.HashOTP(code)
	if err != nil {
		return nil, fmt.Errorf("failed to hash code: %w", err)
	}

	outcome := s.dispatch(ctx, contact, code)

	now := time.Now().UTC()
	challenge := &model.OTPChallenge{
		NationalID:    nationalID,
		SessionID:     sessionID,
		Phone:         contact,
		CodeHash:      hashed.Hash,
		CodeSalt:      hashed.Salt,
		PepperVersion: hashed.PepperVersion,
		ExpiresAt:     now.Add(s.cfg.OTP.Expiry),
		Verified:      false,
		IsNewUser:     isNewUser,
		SentViaSMS:    outcome == model.DispatchSent,
		CreatedAt:     now,
	}
	if err := s.otps.CreateChallenge(ctx, challenge); err != nil {
		return nil, fmt.Errorf("failed to persist challenge: %w", err)
	}

	s.publishEvent(ctx, &model.SecurityEvent{
		EventType:  model.EventOTPIssued,
		NationalID: nationalID,
		SessionID:  sessionID,
		Details:    outcome.String(),
		EventTime:  now,
	})

	util.Info("OTP challenge issued",
		zap.String("session_id", sessionID),
		zap.String("contact", util.MaskContact(contact)),
		zap.String("dispatch", outcome.String()),
		zap.Bool("is_new_user", isNewUser),
	)

	result := &IssueResult{
		SessionID:          sessionID,
		MaskedContact:      util.MaskContact(contact),
		ExpiresInSeconds:   int(s.cfg.OTP.Expiry.Seconds()),
		SentViaLiveChannel: outcome == model.DispatchSent,
		IsNewUser:          isNewUser,
	}
	if outcome == model.DispatchSimulated {
		result.SimulatedCode = code
	}
	return result, nil
}

// resolveContact locates the target contact channel and reports whether this
// issuance belongs to the registration flow.
func (s *OTPIssuer) resolveContact(ctx context.Context, nationalID, rawPhone string) (string, bool, error) {
	user, err := s.users.GetUserByNationalID(ctx, nationalID)
	switch {
	case err == nil:
		if !user.IsActive {
			return "", false, ErrAccountInactive
		}
		if user.Phone == "" {
			return "", false, ErrMissingContact
		}
		contact, err := phone.Normalize(user.Phone)
		if err != nil {
			return "", false, ErrInvalidContact
		}
		return contact, false, nil

	case errors.Is(err, scylla.ErrUserNotFound):
		if rawPhone == "" {
			return "", false, ErrUserNotFound
		}
		contact, err := phone.Normalize(rawPhone)
		if err != nil {
			return "", false, ErrInvalidContact
		}
		return contact, true, nil

	default:
		return "", false, fmt.Errorf("failed to look up user: %w", err)
	}
}

// checkSendRate enforces the per-contact resend ceiling. A throttle store
// outage degrades to allowing the send; issuance must not depend on Redis.
func (s *OTPIssuer) checkSendRate(ctx context.Context, contact string) error {
	count, err := s.throttle.IncrementSends(ctx, contact, s.cfg.OTP.SendSpan)
	if err != nil {
		util.Warn("Send throttle unavailable, allowing send",
			zap.String("contact", util.MaskContact(contact)),
			zap.Error(err),
		)
		return nil
	}
	if count > s.cfg.OTP.MaxSendsPerSpan {
		util.Warn("Send rate exceeded",
			zap.String("contact", util.MaskContact(contact)),
			zap.Int("count", count),
		)
		return ErrRateLimited
	}
	return nil
}

func (s *OTPIssuer) dispatch(ctx context.Context, contact, code string) model.DispatchOutcome {
	err := s.sms.SendOTP(ctx, contact, code)
	if err == nil {
		return model.DispatchSent
	}
	if errors.Is(err, sms.ErrNotConfigured) {
		util.Debug("SMS channel not configured, simulating dispatch",
			zap.String("contact", util.MaskContact(contact)))
	} else {
		util.Warn("SMS dispatch failed, simulating",
			zap.String("contact", util.MaskContact(contact)),
			zap.Error(err),
		)
	}
	return model.DispatchSimulated
}

func (s *OTPIssuer) publishEvent(ctx context.Context, event *model.SecurityEvent) {
	if err := s.events.Publish(ctx, event); err != nil {
		util.Warn("Failed to publish security event",
			zap.String("event_type", event.EventType),
			zap.Error(err),
		)
	}
}

// generateCode draws a fixed-length numeric code from crypto/rand.
func generateCode(length int) (string, error) {
	digits := make([]byte, length)
	for i := range digits {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		digits[i] = byte('0' + n.Int64())
	}
	return string(digits), nil
}
