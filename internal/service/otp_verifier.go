package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"charity-auth-service/internal/authprovider"
	"charity-auth-service/internal/config"
	"charity-auth-service/internal/hashing"
	"charity-auth-service/internal/model"
	"charity-auth-service/internal/phone"
	"charity-auth-service/internal/repository/scylla"
	"charity-auth-service/internal/util"
)

// VerifyInput carries one verification attempt. DisplayName is honored only
// on the registration flow; the contact channel always comes from the
// challenge record, never from the caller.
type VerifyInput struct {
	NationalID  string
	SessionID   string
	Code        string
	DisplayName string
}

// VerifyResult is the success payload: the identity record merged with its
// profile, the minted session, and whether the account was just created.
type VerifyResult struct {
	User      *model.User               `json:"user"`
	Profile   *model.BeneficiaryProfile `json:"profile,omitempty"`
	Session   *model.Session            `json:"session"`
	IsNewUser bool                      `json:"isNewUser"`
}

// OTPVerifier checks submitted codes, consumes challenges exactly once, and
// reconciles the identity record with the authentication provider account.
type OTPVerifier struct {
	cfg      *config.Config
	users    model.UserRepository
	otps     model.OTPRepository
	throttle model.OTPThrottleCache
	provider model.AuthProvider
	hasher   *hashing.Hasher
	events   model.SecurityEventPublisher
}

func NewOTPVerifier(
	cfg *config.Config,
	users model.UserRepository,
	otps model.OTPRepository,
	throttle model.OTPThrottleCache,
	provider model.AuthProvider,
	hasher *hashing.Hasher,
	events model.SecurityEventPublisher,
) *OTPVerifier {
	return &OTPVerifier{
		cfg:      cfg,
		users:    users,
		otps:     otps,
		throttle: throttle,
		provider: provider,
		hasher:   hasher,
		events:   events,
	}
}

// Verify runs the full verification flow. The conditional update on the
// challenge record is the only concurrency guard: of two concurrent calls
// with the correct code, exactly one passes the consume step. Once the
// record is consumed the flow commits to finishing reconciliation; nothing
// past that point rolls the consumption back.
func (s *OTPVerifier) Verify(ctx context.Context, in VerifyInput) (*VerifyResult, error) {
	if err := phone.ValidateNationalID(in.NationalID); err != nil {
		return nil, ErrInvalidFormat
	}
	if !validCode(in.Code, s.cfg.OTP.CodeLength) || in.SessionID == "" {
		return nil, ErrInvalidFormat
	}

	challenge, err := s.otps.GetChallenge(ctx, in.NationalID, in.SessionID)
	if err != nil {
		if errors.Is(err, scylla.ErrChallengeNotFound) {
			return nil, ErrChallengeNotFound
		}
		return nil, fmt.Errorf("failed to load challenge: %w", err)
	}

	// A consumed challenge is terminal: every further attempt against it is
	// rejected the same way regardless of the submitted code.
	if challenge.Verified {
		return nil, ErrAlreadyConsumed
	}

	now := time.Now().UTC()
	if challenge.Expired(now) {
		return nil, ErrChallengeExpired
	}
	if challenge.AttemptCount >= s.cfg.OTP.MaxAttempts {
		return nil, ErrTooManyAttempts
	}

	match, err := s.hasher.VerifyOTP(in.Code, &hashing.HashResult{
		Hash:          challenge.CodeHash,
		Salt:          challenge.CodeSalt,
		PepperVersion: challenge.PepperVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to check code: %w", err)
	}
	if !match {
		if err := s.otps.IncrementAttempts(ctx, in.NationalID, in.SessionID); err != nil {
			util.Error("Failed to record failed attempt",
				zap.String("session_id", in.SessionID),
				zap.Error(err))
		}
		s.publishEvent(ctx, &model.SecurityEvent{
			EventType:  model.EventVerifyFailed,
			NationalID: in.NationalID,
			SessionID:  in.SessionID,
			EventTime:  now,
		})
		return nil, ErrInvalidCode
	}

	applied, err := s.otps.ConsumeChallenge(ctx, in.NationalID, in.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to consume challenge: %w", err)
	}
	if !applied {
		return nil, ErrAlreadyConsumed
	}

	// The challenge is spent. Everything below runs to completion even for
	// a user who turns out to be deactivated.
	user, err := s.resolveUser(ctx, challenge, in.DisplayName)
	if err != nil {
		return nil, err
	}

	var (
		session *model.Session
		profile *model.BeneficiaryProfile
	)
	grp, grpCtx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		var err error
		session, err = s.mintSession(grpCtx, user)
		return err
	})
	grp.Go(func() error {
		p, err := s.users.GetProfile(grpCtx, user.UserID)
		if err != nil {
			if errors.Is(err, scylla.ErrProfileNotFound) {
				return nil
			}
			util.Warn("Failed to load profile",
				zap.String("user_id", user.UserID),
				zap.Error(err))
			return nil
		}
		profile = p
		return nil
	})
	if err := grp.Wait(); err != nil {
		return nil, err
	}

	if !user.IsActive {
		return nil, ErrAccountInactive
	}

	if err := s.users.UpdateLastLogin(ctx, user.UserID, now); err != nil {
		util.Warn("Failed to update last login",
			zap.String("user_id", user.UserID),
			zap.Error(err))
	}
	if err := s.throttle.ResetSends(ctx, challenge.Phone); err != nil {
		util.Debug("Failed to reset send counter",
			zap.String("contact", util.MaskContact(challenge.Phone)),
			zap.Error(err))
	}

	s.publishEvent(ctx, &model.SecurityEvent{
		EventType:  model.EventOTPConsumed,
		UserID:     user.UserID,
		NationalID: in.NationalID,
		SessionID:  in.SessionID,
		EventTime:  now,
	})
	loginEvent := model.EventLoginSucceeded
	if challenge.IsNewUser {
		loginEvent = model.EventUserRegistered
	}
	s.publishEvent(ctx, &model.SecurityEvent{
		EventType: loginEvent,
		UserID:    user.UserID,
		EventTime: now,
	})

	util.Info("Verification succeeded",
		zap.String("user_id", user.UserID),
		zap.String("session_id", in.SessionID),
		zap.Bool("is_new_user", challenge.IsNewUser),
	)

	return &VerifyResult{
		User:      user,
		Profile:   profile,
		Session:   session,
		IsNewUser: challenge.IsNewUser,
	}, nil
}

// resolveUser loads the identity record, or creates it for the registration
// flow. The create is an idempotent upsert, so a retried registration lands
// on the record the first attempt made.
func (s *OTPVerifier) resolveUser(ctx context.Context, challenge *model.OTPChallenge, displayName string) (*model.User, error) {
	if challenge.IsNewUser {
		user, err := s.users.CreateUser(ctx, &model.User{
			NationalID:  challenge.NationalID,
			Phone:       challenge.Phone,
			DisplayName: displayName,
			Role:        model.RoleBeneficiary,
			IsActive:    true,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create user: %w", err)
		}
		if _, err := s.users.CreateDefaultProfile(ctx, user.UserID); err != nil {
			util.Warn("Failed to create default profile",
				zap.String("user_id", user.UserID),
				zap.Error(err))
		}
		return user, nil
	}

	user, err := s.users.GetUserByNationalID(ctx, challenge.NationalID)
	if err != nil {
		// The issuer checked existence, but the record may have vanished
		// between issue and verify.
		if errors.Is(err, scylla.ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return user, nil
}

// mintSession rotates the provider credential and signs in. The whole
// reconcile-then-sign-in sequence is retried once; provider-side propagation
// delay right after account creation is the expected reason for a first
// failure. An ID mismatch is never retried.
func (s *OTPVerifier) mintSession(ctx context.Context, user *model.User) (*model.Session, error) {
	session, err := s.establishSession(ctx, user)
	if err == nil {
		return session, nil
	}
	if errors.Is(err, ErrProviderIDMismatch) {
		return nil, err
	}

	util.Warn("Session establishment failed, retrying once",
		zap.String("user_id", user.UserID),
		zap.Error(err))

	session, err = s.establishSession(ctx, user)
	if err != nil {
		if errors.Is(err, ErrProviderIDMismatch) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrSessionCreationFailed, err)
	}
	return session, nil
}

func (s *OTPVerifier) establishSession(ctx context.Context, user *model.User) (*model.Session, error) {
	credential, err := generateCredential()
	if err != nil {
		return nil, fmt.Errorf("failed to generate credential: %w", err)
	}

	outcome, err := s.ensureLinkedAccount(ctx, user, credential)
	if err != nil {
		return nil, err
	}
	if outcome == accountReused {
		if err := s.provider.UpdatePassword(ctx, user.UserID, credential); err != nil {
			return nil, fmt.Errorf("failed to rotate credential: %w", err)
		}
	}

	return s.provider.SignIn(ctx, user.UserID, credential)
}

type linkOutcome int

const (
	accountReused linkOutcome = iota
	accountCreated
)

// ensureLinkedAccount guarantees a provider account exists under the
// identity record's exact UUID. The provider must honor a supplied ID; an
// account under any other ID means the two systems no longer share a join
// key, which is a bug and not a retryable condition.
func (s *OTPVerifier) ensureLinkedAccount(ctx context.Context, user *model.User, credential string) (linkOutcome, error) {
	account, err := s.provider.GetAccountByID(ctx, user.UserID)
	switch {
	case err == nil:
		if account.ID != user.UserID {
			return accountReused, fmt.Errorf("%w: have %s, provider returned %s",
				ErrProviderIDMismatch, user.UserID, account.ID)
		}
		return accountReused, nil

	case errors.Is(err, authprovider.ErrAccountNotFound):
		created, err := s.provider.CreateAccount(ctx, user.UserID, user.Phone, credential)
		if err != nil {
			return accountCreated, fmt.Errorf("failed to create provider account: %w", err)
		}
		if created.ID != user.UserID {
			return accountCreated, fmt.Errorf("%w: requested %s, provider assigned %s",
				ErrProviderIDMismatch, user.UserID, created.ID)
		}
		return accountCreated, nil

	default:
		return accountReused, fmt.Errorf("failed to look up provider account: %w", err)
	}
}

func (s *OTPVerifier) publishEvent(ctx context.Context, event *model.SecurityEvent) {
	if err := s.events.Publish(ctx, event); err != nil {
		util.Warn("Failed to publish security event",
			zap.String("event_type", event.EventType),
			zap.Error(err),
		)
	}
}

func validCode(code string, length int) bool {
	if len(code) != length {
		return false
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func generateCredential() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
