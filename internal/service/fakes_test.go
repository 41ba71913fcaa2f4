package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"charity-auth-service/internal/authprovider"
	"charity-auth-service/internal/config"
	"charity-auth-service/internal/hashing"
	"charity-auth-service/internal/model"
	"charity-auth-service/internal/repository/scylla"
	"charity-auth-service/internal/sms"
)

func testConfig() *config.Config {
	return &config.Config{
		OTP: config.OTPConfig{
			CodeLength:      4,
			Expiry:          5 * time.Minute,
			MaxAttempts:     5,
			MaxSendsPerSpan: 3,
			SendSpan:        10 * time.Minute,
		},
		Hashing: config.HashingConfig{
			Argon2MemoryCost:  8 * 1024,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
		},
	}
}

// -------------------- user repository fake --------------------

type fakeUserRepo struct {
	mu       sync.Mutex
	users    map[string]*model.User // keyed by national ID
	profiles map[string]*model.BeneficiaryProfile
	logins   map[string]time.Time
	getErr   error
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{
		users:    make(map[string]*model.User),
		profiles: make(map[string]*model.BeneficiaryProfile),
		logins:   make(map[string]time.Time),
	}
}

func (f *fakeUserRepo) add(u *model.User) *model.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u.UserID == "" {
		u.UserID = uuid.New().String()
	}
	f.users[u.NationalID] = u
	return u
}

func (f *fakeUserRepo) GetUserByNationalID(_ context.Context, nationalID string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	u, ok := f.users[nationalID]
	if !ok {
		return nil, scylla.ErrUserNotFound
	}
	copied := *u
	return &copied, nil
}

func (f *fakeUserRepo) GetUserByID(_ context.Context, userID string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.UserID == userID {
			copied := *u
			return &copied, nil
		}
	}
	return nil, scylla.ErrUserNotFound
}

func (f *fakeUserRepo) CreateUser(_ context.Context, user *model.User) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.users[user.NationalID]; ok {
		copied := *existing
		return &copied, nil
	}
	if user.UserID == "" {
		user.UserID = uuid.New().String()
	}
	user.CreatedAt = time.Now().UTC()
	f.users[user.NationalID] = user
	copied := *user
	return &copied, nil
}

func (f *fakeUserRepo) UpdateLastLogin(_ context.Context, userID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins[userID] = at
	return nil
}

func (f *fakeUserRepo) DeactivateUser(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.UserID == userID {
			u.IsActive = false
			return nil
		}
	}
	return scylla.ErrUserNotFound
}

func (f *fakeUserRepo) GetProfile(_ context.Context, userID string) (*model.BeneficiaryProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[userID]
	if !ok {
		return nil, scylla.ErrProfileNotFound
	}
	copied := *p
	return &copied, nil
}

func (f *fakeUserRepo) CreateDefaultProfile(_ context.Context, userID string) (*model.BeneficiaryProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.profiles[userID]; ok {
		copied := *p
		return &copied, nil
	}
	p := &model.BeneficiaryProfile{UserID: userID, CreatedAt: time.Now().UTC()}
	f.profiles[userID] = p
	copied := *p
	return &copied, nil
}

func (f *fakeUserRepo) HealthCheck(context.Context) error { return nil }

// -------------------- OTP repository fake --------------------

type fakeOTPRepo struct {
	mu         sync.Mutex
	challenges map[string]*model.OTPChallenge
	createErr  error
}

func newFakeOTPRepo() *fakeOTPRepo {
	return &fakeOTPRepo{challenges: make(map[string]*model.OTPChallenge)}
}

func challengeKey(nationalID, sessionID string) string {
	return nationalID + "/" + sessionID
}

func (f *fakeOTPRepo) CreateChallenge(_ context.Context, c *model.OTPChallenge) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	copied := *c
	f.challenges[challengeKey(c.NationalID, c.SessionID)] = &copied
	return nil
}

func (f *fakeOTPRepo) GetChallenge(_ context.Context, nationalID, sessionID string) (*model.OTPChallenge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.challenges[challengeKey(nationalID, sessionID)]
	if !ok {
		return nil, scylla.ErrChallengeNotFound
	}
	copied := *c
	return &copied, nil
}

// ConsumeChallenge mirrors the storage-level compare-and-set: the flip and
// the applied report happen under one lock.
func (f *fakeOTPRepo) ConsumeChallenge(_ context.Context, nationalID, sessionID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.challenges[challengeKey(nationalID, sessionID)]
	if !ok {
		return false, nil
	}
	if c.Verified {
		return false, nil
	}
	c.Verified = true
	return true, nil
}

func (f *fakeOTPRepo) IncrementAttempts(_ context.Context, nationalID, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.challenges[challengeKey(nationalID, sessionID)]
	if !ok {
		return scylla.ErrChallengeNotFound
	}
	c.AttemptCount++
	return nil
}

func (f *fakeOTPRepo) DeleteExpiredChallenges(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	n := 0
	for k, c := range f.challenges {
		if now.After(c.ExpiresAt) {
			delete(f.challenges, k)
			n++
		}
	}
	return n, nil
}

func (f *fakeOTPRepo) get(nationalID, sessionID string) *model.OTPChallenge {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.challenges[challengeKey(nationalID, sessionID)]
	if c == nil {
		return nil
	}
	copied := *c
	return &copied
}

func (f *fakeOTPRepo) put(c *model.OTPChallenge) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *c
	f.challenges[challengeKey(c.NationalID, c.SessionID)] = &copied
}

// -------------------- throttle fake --------------------

type fakeThrottle struct {
	mu     sync.Mutex
	counts map[string]int
	err    error
}

func newFakeThrottle() *fakeThrottle {
	return &fakeThrottle{counts: make(map[string]int)}
}

func (f *fakeThrottle) IncrementSends(_ context.Context, phone string, _ time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.counts[phone]++
	return f.counts[phone], nil
}

func (f *fakeThrottle) ResetSends(_ context.Context, phone string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.counts, phone)
	return nil
}

// -------------------- SMS fake --------------------

type fakeSMS struct {
	mu    sync.Mutex
	sent  []string
	codes []string
	err   error
}

func newFakeSMS() *fakeSMS { return &fakeSMS{} }

func unconfiguredSMS() *fakeSMS { return &fakeSMS{err: sms.ErrNotConfigured} }

func (f *fakeSMS) SendOTP(_ context.Context, phone, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, phone)
	f.codes = append(f.codes, code)
	return nil
}

// -------------------- auth provider fake --------------------

type fakeProvider struct {
	mu          sync.Mutex
	accounts    map[string]string // account ID -> password
	assignedID  string            // when set, CreateAccount ignores the requested ID
	signInFails int               // sign-ins to fail before succeeding
	createErr   error
	signIns     int
	creates     int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{accounts: make(map[string]string)}
}

func (f *fakeProvider) GetAccountByID(_ context.Context, userID string) (*model.ProviderAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.accounts[userID]; !ok {
		return nil, fmt.Errorf("lookup %s: %w", userID, authprovider.ErrAccountNotFound)
	}
	return &model.ProviderAccount{ID: userID}, nil
}

func (f *fakeProvider) CreateAccount(_ context.Context, userID, _, password string) (*model.ProviderAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.creates++
	id := userID
	if f.assignedID != "" {
		id = f.assignedID
	}
	f.accounts[id] = password
	return &model.ProviderAccount{ID: id}, nil
}

func (f *fakeProvider) UpdatePassword(_ context.Context, userID, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.accounts[userID]; !ok {
		return authprovider.ErrAccountNotFound
	}
	f.accounts[userID] = password
	return nil
}

func (f *fakeProvider) SignIn(_ context.Context, userID, password string) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signIns++
	if f.signInFails > 0 {
		f.signInFails--
		return nil, errors.New("provider not ready")
	}
	stored, ok := f.accounts[userID]
	if !ok || stored != password {
		return nil, errors.New("invalid credentials")
	}
	return &model.Session{
		AccessToken:  "access-" + userID,
		RefreshToken: "refresh-" + userID,
		TokenType:    "bearer",
		ExpiresIn:    3600,
		UserID:       userID,
	}, nil
}

// -------------------- event publisher fake --------------------

type fakeEvents struct {
	mu     sync.Mutex
	events []*model.SecurityEvent
}

func newFakeEvents() *fakeEvents { return &fakeEvents{} }

func (f *fakeEvents) Publish(_ context.Context, event *model.SecurityEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeEvents) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.EventType)
	}
	return out
}

// -------------------- harness --------------------

type fixture struct {
	cfg      *config.Config
	users    *fakeUserRepo
	otps     *fakeOTPRepo
	throttle *fakeThrottle
	sms      *fakeSMS
	provider *fakeProvider
	events   *fakeEvents
	hasher   *hashing.Hasher
}

func newFixture() *fixture {
	cfg := testConfig()
	return &fixture{
		cfg:      cfg,
		users:    newFakeUserRepo(),
		otps:     newFakeOTPRepo(),
		throttle: newFakeThrottle(),
		sms:      newFakeSMS(),
		provider: newFakeProvider(),
		events:   newFakeEvents(),
		hasher:   hashing.NewHasher(cfg),
	}
}

func (fx *fixture) issuer() *OTPIssuer {
	return NewOTPIssuer(fx.cfg, fx.users, fx.otps, fx.throttle, fx.sms, fx.hasher, fx.events)
}

func (fx *fixture) verifier() *OTPVerifier {
	return NewOTPVerifier(fx.cfg, fx.users, fx.otps, fx.throttle, fx.provider, fx.hasher, fx.events)
}
