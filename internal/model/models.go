package model

import (
	"context"
	"time"
)

// -------------------- ROLES --------------------

const (
	RoleBeneficiary   = "beneficiary"
	RoleEmployee      = "employee"
	RoleBranchManager = "branch_manager"
	RoleAdmin         = "admin"
)

// -------------------- IDENTITY RECORD --------------------

// User is the application's durable identity record. UserID is shared with
// the Authentication Provider account and must never diverge from it.
type User struct {
	UserBucket     int        `json:"-" db:"user_bucket"`
	UserID         string     `json:"id" db:"user_id"` // UUID, join key with the auth provider
	NationalID     string     `json:"national_id" db:"national_id"`
	Phone          string     `json:"phone" db:"-"` // decrypted on read, never stored plaintext
	PhoneHash      string     `json:"-" db:"phone_hash"`
	PhoneEncrypted []byte     `json:"-" db:"phone_encrypted"`
	PhoneKeyID     string     `json:"-" db:"phone_key_id"`
	DisplayName    string     `json:"display_name" db:"display_name"`
	Role           string     `json:"role" db:"role"`
	IsActive       bool       `json:"is_active" db:"is_active"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      *time.Time `json:"updated_at,omitempty" db:"updated_at"`
	LastLoginAt    *time.Time `json:"last_login_at,omitempty" db:"last_login_at"`
}

// BeneficiaryProfile is the optional profile sub-record attached to a user.
type BeneficiaryProfile struct {
	UserID    string    `json:"user_id" db:"user_id"`
	Address   string    `json:"address" db:"address"`
	City      string    `json:"city" db:"city"`
	BranchID  string    `json:"branch_id" db:"branch_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// -------------------- OTP CHALLENGE --------------------

// OTPChallenge is one outstanding or consumed verification attempt, keyed by
// (national_id, session_id). Once Verified flips to true the record is
// terminal; a record past ExpiresAt must never be matched.
type OTPChallenge struct {
	NationalID    string    `json:"national_id" db:"national_id"`
	SessionID     string    `json:"session_id" db:"session_id"`
	Phone         string    `json:"phone" db:"phone"`
	CodeHash      string    `json:"-" db:"code_hash"`
	CodeSalt      string    `json:"-" db:"code_salt"`
	PepperVersion int       `json:"-" db:"pepper_version"`
	ExpiresAt     time.Time `json:"expires_at" db:"expires_at"`
	AttemptCount  int       `json:"attempt_count" db:"attempt_count"`
	Verified      bool      `json:"verified" db:"verified"`
	IsNewUser     bool      `json:"is_new_user" db:"is_new_user"`
	SentViaSMS    bool      `json:"sent_via_sms" db:"sent_via_sms"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// Expired reports whether the challenge is past its expiry at the given time.
func (c *OTPChallenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// -------------------- DISPATCH OUTCOME --------------------

// DispatchOutcome records how an OTP code reached (or failed to reach) the
// user. Simulation is a successful outcome: issuance never fails on dispatch.
type DispatchOutcome int

const (
	DispatchSent DispatchOutcome = iota
	DispatchSimulated
)

func (o DispatchOutcome) String() string {
	if o == DispatchSent {
		return "sent"
	}
	return "simulated"
}

// -------------------- AUTH PROVIDER --------------------

// ProviderAccount is the external provider's view of an account.
type ProviderAccount struct {
	ID        string    `json:"id"`
	Phone     string    `json:"phone"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is the token bundle minted by the Authentication Provider.
type Session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	UserID       string `json:"user_id"`
}

// -------------------- SECURITY EVENTS --------------------

type SecurityEvent struct {
	EventType  string    `json:"event_type"`
	UserID     string    `json:"user_id,omitempty"`
	NationalID string    `json:"national_id,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	EventTime  time.Time `json:"event_time"`
}

const (
	EventOTPIssued      = "otp_issued"
	EventOTPConsumed    = "otp_consumed"
	EventVerifyFailed   = "otp_verify_failed"
	EventLoginSucceeded = "login_succeeded"
	EventUserRegistered = "user_registered"
)

// -------------------- REPOSITORY INTERFACES --------------------

// UserRepository defines identity directory operations.
type UserRepository interface {
	GetUserByNationalID(ctx context.Context, nationalID string) (*User, error)
	GetUserByID(ctx context.Context, userID string) (*User, error)
	// CreateUser is an idempotent upsert keyed by national ID: if a record
	// already exists for the national ID, the existing record is returned.
	CreateUser(ctx context.Context, user *User) (*User, error)
	UpdateLastLogin(ctx context.Context, userID string, at time.Time) error
	DeactivateUser(ctx context.Context, userID string) error
	GetProfile(ctx context.Context, userID string) (*BeneficiaryProfile, error)
	CreateDefaultProfile(ctx context.Context, userID string) (*BeneficiaryProfile, error)
	HealthCheck(ctx context.Context) error
}

// OTPRepository defines OTP store operations.
type OTPRepository interface {
	CreateChallenge(ctx context.Context, challenge *OTPChallenge) error
	// GetChallenge returns the challenge for the pair in any state, or the
	// implementation's not-found error when no record exists. Consumed
	// records are returned so verification can report reuse.
	GetChallenge(ctx context.Context, nationalID, sessionID string) (*OTPChallenge, error)
	// ConsumeChallenge flips verified to true as a single compare-and-set.
	// It reports false when the record was already consumed by a concurrent
	// verify; the flip-and-report must be atomic at the storage layer.
	ConsumeChallenge(ctx context.Context, nationalID, sessionID string) (bool, error)
	IncrementAttempts(ctx context.Context, nationalID, sessionID string) error
	DeleteExpiredChallenges(ctx context.Context) (int, error)
}

// -------------------- CACHE INTERFACES --------------------

// OTPThrottleCache limits how often codes may be issued per contact channel.
type OTPThrottleCache interface {
	IncrementSends(ctx context.Context, phone string, span time.Duration) (int, error)
	ResetSends(ctx context.Context, phone string) error
}

// -------------------- EXTERNAL COLLABORATORS --------------------

// SMSDispatcher delivers one-time codes over the messaging channel.
// Implementations must bound the call with a timeout and return
// an error variable the issuer can map to simulation mode when the
// channel is not configured.
type SMSDispatcher interface {
	SendOTP(ctx context.Context, phone, code string) error
}

// AuthProvider is the external identity system holding credentials and
// minting sessions. Account IDs are supplied by this service, never by the
// provider, so the internal identifier stays the join key across systems.
type AuthProvider interface {
	GetAccountByID(ctx context.Context, userID string) (*ProviderAccount, error)
	CreateAccount(ctx context.Context, userID, phone, password string) (*ProviderAccount, error)
	UpdatePassword(ctx context.Context, userID, password string) error
	SignIn(ctx context.Context, userID, password string) (*Session, error)
}

// -------------------- EVENT PUBLISHING --------------------

// SecurityEventPublisher emits auth security events. Implementations are
// best-effort: callers log publish failures and continue.
type SecurityEventPublisher interface {
	Publish(ctx context.Context, event *SecurityEvent) error
}
