package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"charity-auth-service/internal/authprovider"
	"charity-auth-service/internal/config"
	"charity-auth-service/internal/hashing"
	"charity-auth-service/internal/model"
	"charity-auth-service/internal/repository/scylla"
	"charity-auth-service/internal/service"
	"charity-auth-service/internal/sms"
	"charity-auth-service/internal/util"
)

// In-memory doubles for the storage and provider interfaces. Dispatch is
// left unconfigured so responses carry the simulated code for round-trips.

type memUsers struct {
	mu    sync.Mutex
	users map[string]*model.User
}

func (m *memUsers) GetUserByNationalID(_ context.Context, nationalID string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[nationalID]
	if !ok {
		return nil, scylla.ErrUserNotFound
	}
	copied := *u
	return &copied, nil
}

func (m *memUsers) GetUserByID(_ context.Context, userID string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.UserID == userID {
			copied := *u
			return &copied, nil
		}
	}
	return nil, scylla.ErrUserNotFound
}

func (m *memUsers) CreateUser(_ context.Context, user *model.User) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.users[user.NationalID]; ok {
		copied := *existing
		return &copied, nil
	}
	if user.UserID == "" {
		user.UserID = uuid.New().String()
	}
	m.users[user.NationalID] = user
	copied := *user
	return &copied, nil
}

func (m *memUsers) UpdateLastLogin(context.Context, string, time.Time) error { return nil }
func (m *memUsers) DeactivateUser(context.Context, string) error             { return nil }
func (m *memUsers) GetProfile(context.Context, string) (*model.BeneficiaryProfile, error) {
	return nil, scylla.ErrProfileNotFound
}
func (m *memUsers) CreateDefaultProfile(_ context.Context, userID string) (*model.BeneficiaryProfile, error) {
	return &model.BeneficiaryProfile{UserID: userID}, nil
}
func (m *memUsers) HealthCheck(context.Context) error { return nil }

type memOTPs struct {
	mu         sync.Mutex
	challenges map[string]*model.OTPChallenge
}

func (m *memOTPs) key(nationalID, sessionID string) string { return nationalID + "/" + sessionID }

func (m *memOTPs) CreateChallenge(_ context.Context, c *model.OTPChallenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *c
	m.challenges[m.key(c.NationalID, c.SessionID)] = &copied
	return nil
}

func (m *memOTPs) GetChallenge(_ context.Context, nationalID, sessionID string) (*model.OTPChallenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.challenges[m.key(nationalID, sessionID)]
	if !ok {
		return nil, scylla.ErrChallengeNotFound
	}
	copied := *c
	return &copied, nil
}

func (m *memOTPs) ConsumeChallenge(_ context.Context, nationalID, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.challenges[m.key(nationalID, sessionID)]
	if !ok || c.Verified {
		return false, nil
	}
	c.Verified = true
	return true, nil
}

func (m *memOTPs) IncrementAttempts(_ context.Context, nationalID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.challenges[m.key(nationalID, sessionID)]; ok {
		c.AttemptCount++
	}
	return nil
}

func (m *memOTPs) DeleteExpiredChallenges(context.Context) (int, error) { return 0, nil }

func (m *memOTPs) expire(nationalID, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.challenges[m.key(nationalID, sessionID)]; ok {
		c.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	}
}

type nullThrottle struct{}

func (nullThrottle) IncrementSends(context.Context, string, time.Duration) (int, error) {
	return 1, nil
}
func (nullThrottle) ResetSends(context.Context, string) error { return nil }

type unconfiguredDispatch struct{}

func (unconfiguredDispatch) SendOTP(context.Context, string, string) error {
	return sms.ErrNotConfigured
}

type memProvider struct {
	mu       sync.Mutex
	accounts map[string]string
}

func (m *memProvider) GetAccountByID(_ context.Context, userID string) (*model.ProviderAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[userID]; !ok {
		return nil, authprovider.ErrAccountNotFound
	}
	return &model.ProviderAccount{ID: userID}, nil
}

func (m *memProvider) CreateAccount(_ context.Context, userID, _, password string) (*model.ProviderAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[userID] = password
	return &model.ProviderAccount{ID: userID}, nil
}

func (m *memProvider) UpdatePassword(_ context.Context, userID, password string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[userID] = password
	return nil
}

func (m *memProvider) SignIn(_ context.Context, userID, password string) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.accounts[userID] != password {
		return nil, authprovider.ErrAccountNotFound
	}
	return &model.Session{AccessToken: "token", TokenType: "bearer", ExpiresIn: 3600, UserID: userID}, nil
}

type noopEvents struct{}

func (noopEvents) Publish(context.Context, *model.SecurityEvent) error { return nil }

type testServer struct {
	router http.Handler
	users  *memUsers
	otps   *memOTPs
}

func newTestServer() *testServer {
	return newTestServerWithHealth(nil)
}

func newTestServerWithHealth(health HealthChecker) *testServer {
	cfg := &config.Config{
		OTP: config.OTPConfig{
			CodeLength:      4,
			Expiry:          5 * time.Minute,
			MaxAttempts:     5,
			MaxSendsPerSpan: 10,
			SendSpan:        10 * time.Minute,
		},
		Hashing: config.HashingConfig{
			Argon2MemoryCost:  8 * 1024,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
		},
	}
	users := &memUsers{users: make(map[string]*model.User)}
	otps := &memOTPs{challenges: make(map[string]*model.OTPChallenge)}
	provider := &memProvider{accounts: make(map[string]string)}
	hasher := hashing.NewHasher(cfg)

	if health == nil {
		health = HealthCheckerFunc(func(context.Context) error { return nil })
	}

	issuer := service.NewOTPIssuer(cfg, users, otps, nullThrottle{}, unconfiguredDispatch{}, hasher, noopEvents{})
	verifier := service.NewOTPVerifier(cfg, users, otps, nullThrottle{}, provider, hasher, noopEvents{})
	authHandler := NewAuthHandler(issuer, verifier, health, util.Get())

	return &testServer{
		router: NewRouter(authHandler, util.Get()),
		users:  users,
		otps:   otps,
	}
}

func (ts *testServer) addActiveUser() {
	ts.users.users["1234567890"] = &model.User{
		UserID:     uuid.New().String(),
		NationalID: "1234567890",
		Phone:      "966512345678",
		Role:       model.RoleBeneficiary,
		IsActive:   true,
	}
}

func (ts *testServer) post(t *testing.T, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)

	var decoded map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("response is not JSON: %v (%s)", err, rec.Body.String())
	}
	return rec, decoded
}

func TestSendOTPEndpoint(t *testing.T) {
	ts := newTestServer()
	ts.addActiveUser()

	rec, body := ts.post(t, "/api/v1/auth/otp/send", `{"nationalId":"1234567890"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if body["success"] != true {
		t.Fatal("expected success")
	}
	if body["sessionId"] == "" || body["sessionId"] == nil {
		t.Fatal("expected a sessionId")
	}
	if body["expiresInSeconds"] != float64(300) {
		t.Fatalf("expected expiresInSeconds 300, got %v", body["expiresInSeconds"])
	}
	if body["maskedContact"] != "9665******78" {
		t.Fatalf("unexpected maskedContact %v", body["maskedContact"])
	}
	if body["sentViaLiveChannel"] != false {
		t.Fatal("no SMS channel in tests, dispatch must be simulated")
	}
}

func TestSendOTPUnknownUser(t *testing.T) {
	ts := newTestServer()

	rec, body := ts.post(t, "/api/v1/auth/otp/send", `{"nationalId":"9999999999"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if body["success"] != false {
		t.Fatal("expected failure envelope")
	}
	if body["userNotFound"] != true {
		t.Fatal("expected userNotFound flag")
	}
}

func TestSendOTPMalformedBody(t *testing.T) {
	ts := newTestServer()

	rec, _ := ts.post(t, "/api/v1/auth/otp/send", `{"nationalId":`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestSendOTPInvalidNationalID(t *testing.T) {
	ts := newTestServer()

	rec, body := ts.post(t, "/api/v1/auth/otp/send", `{"nationalId":"12ab"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if body["errorCode"] != "OTP_INVALID_FORMAT" {
		t.Fatalf("expected OTP_INVALID_FORMAT, got %v", body["errorCode"])
	}
}

func (ts *testServer) issueAndGetCode(t *testing.T) (sessionID, code string) {
	t.Helper()
	rec, body := ts.post(t, "/api/v1/auth/otp/send", `{"nationalId":"1234567890"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("send failed: %s", rec.Body.String())
	}
	return body["sessionId"].(string), body["simulatedCode"].(string)
}

func TestVerifyEndpointRoundTrip(t *testing.T) {
	ts := newTestServer()
	ts.addActiveUser()
	sessionID, code := ts.issueAndGetCode(t)

	rec, body := ts.post(t, "/api/v1/auth/otp/verify",
		`{"nationalId":"1234567890","code":"`+code+`","sessionId":"`+sessionID+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if body["success"] != true {
		t.Fatal("expected success")
	}

	user, ok := body["user"].(map[string]interface{})
	if !ok {
		t.Fatalf("missing user in response: %v", body)
	}
	if user["national_id"] != "1234567890" {
		t.Fatalf("unexpected national_id %v", user["national_id"])
	}
	session, ok := body["session"].(map[string]interface{})
	if !ok || session["access_token"] == "" {
		t.Fatalf("missing session in response: %v", body)
	}
	if body["isNewUser"] != false {
		t.Fatal("existing user must not be flagged new")
	}
}

func TestVerifyEndpointExpired(t *testing.T) {
	ts := newTestServer()
	ts.addActiveUser()
	sessionID, code := ts.issueAndGetCode(t)
	ts.otps.expire("1234567890", sessionID)

	rec, body := ts.post(t, "/api/v1/auth/otp/verify",
		`{"nationalId":"1234567890","code":"`+code+`","sessionId":"`+sessionID+`"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if body["errorCode"] != "OTP_EXPIRED" {
		t.Fatalf("expected OTP_EXPIRED, got %v", body["errorCode"])
	}
}

func TestVerifyEndpointReusedCode(t *testing.T) {
	ts := newTestServer()
	ts.addActiveUser()
	sessionID, code := ts.issueAndGetCode(t)

	payload := `{"nationalId":"1234567890","code":"` + code + `","sessionId":"` + sessionID + `"}`
	if rec, _ := ts.post(t, "/api/v1/auth/otp/verify", payload); rec.Code != http.StatusOK {
		t.Fatalf("first verify failed: %s", rec.Body.String())
	}

	rec, body := ts.post(t, "/api/v1/auth/otp/verify", payload)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if body["errorCode"] != "OTP_ALREADY_USED" {
		t.Fatalf("expected OTP_ALREADY_USED, got %v", body["errorCode"])
	}
}

func TestVerifyEndpointUnknownChallenge(t *testing.T) {
	ts := newTestServer()
	ts.addActiveUser()

	rec, body := ts.post(t, "/api/v1/auth/otp/verify",
		`{"nationalId":"1234567890","code":"1234","sessionId":"`+uuid.New().String()+`"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if body["errorCode"] != "OTP_NOT_FOUND" {
		t.Fatalf("expected OTP_NOT_FOUND, got %v", body["errorCode"])
	}
}

func TestRegisterEndpoint(t *testing.T) {
	ts := newTestServer()

	rec, body := ts.post(t, "/api/v1/auth/otp/send",
		`{"nationalId":"1234567890","phone":"0512345678"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("registration send failed: %s", rec.Body.String())
	}
	sessionID := body["sessionId"].(string)
	code := body["simulatedCode"].(string)

	rec, body = ts.post(t, "/api/v1/auth/otp/register",
		`{"nationalId":"1234567890","displayName":"Sara","code":"`+code+`","sessionId":"`+sessionID+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("register verify failed: %s", rec.Body.String())
	}
	if body["isNewUser"] != true {
		t.Fatal("registration must report a new user")
	}
	user := body["user"].(map[string]interface{})
	if user["display_name"] != "Sara" {
		t.Fatalf("display name lost, got %v", user["display_name"])
	}
	if !strings.EqualFold(user["role"].(string), "beneficiary") {
		t.Fatalf("unexpected role %v", user["role"])
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHealthEndpointUnavailableDependency(t *testing.T) {
	ts := newTestServerWithHealth(HealthCheckerFunc(func(context.Context) error {
		return errors.New("scylla unhealthy: no hosts available")
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if body["success"] != false {
		t.Fatal("expected failure envelope")
	}
}
