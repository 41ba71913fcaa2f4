package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"charity-auth-service/internal/model"
)

func activeUser() *model.User {
	return &model.User{
		UserID:     "0f8fad5b-d9cb-469f-a165-70867728950e",
		NationalID: "1234567890",
		Phone:      "966512345678",
		Role:       model.RoleBeneficiary,
		IsActive:   true,
	}
}

func TestIssueCreatesChallenge(t *testing.T) {
	fx := newFixture()
	fx.sms = unconfiguredSMS()
	fx.users.add(activeUser())

	res, err := fx.issuer().Issue(context.Background(), "1234567890", "")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if res.SessionID == "" {
		t.Fatal("expected a session id")
	}
	if res.ExpiresInSeconds != 300 {
		t.Fatalf("expected expiresInSeconds 300, got %d", res.ExpiresInSeconds)
	}
	if res.MaskedContact != "9665******78" {
		t.Fatalf("unexpected masked contact %q", res.MaskedContact)
	}
	if res.SentViaLiveChannel {
		t.Fatal("no channel configured, dispatch must be simulated")
	}
	if len(res.SimulatedCode) != 4 {
		t.Fatalf("simulated code must be 4 digits, got %q", res.SimulatedCode)
	}

	ch := fx.otps.get("1234567890", res.SessionID)
	if ch == nil {
		t.Fatal("challenge was not persisted")
	}
	if ch.Verified {
		t.Fatal("new challenge must start unverified")
	}
	if got := ch.ExpiresAt.Sub(ch.CreatedAt); got != 5*time.Minute {
		t.Fatalf("expected 5 minute expiry, got %v", got)
	}
	if ch.CodeHash == res.SimulatedCode || ch.CodeHash == "" {
		t.Fatal("stored challenge must hold a hash, not the raw code")
	}
	if ch.SentViaSMS {
		t.Fatal("challenge must record the simulated outcome")
	}
}

func TestIssueLiveDispatch(t *testing.T) {
	fx := newFixture()
	fx.users.add(activeUser())

	res, err := fx.issuer().Issue(context.Background(), "1234567890", "")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if !res.SentViaLiveChannel {
		t.Fatal("expected live dispatch")
	}
	if res.SimulatedCode != "" {
		t.Fatal("code must not be returned when dispatched live")
	}
	if len(fx.sms.sent) != 1 || fx.sms.sent[0] != "966512345678" {
		t.Fatalf("unexpected dispatch targets %v", fx.sms.sent)
	}
}

func TestIssueDispatchFailureFallsBackToSimulation(t *testing.T) {
	fx := newFixture()
	fx.sms.err = errors.New("gateway down")
	fx.users.add(activeUser())

	res, err := fx.issuer().Issue(context.Background(), "1234567890", "")
	if err != nil {
		t.Fatalf("issuance must not fail on dispatch: %v", err)
	}
	if res.SentViaLiveChannel || res.SimulatedCode == "" {
		t.Fatal("dispatch failure must fall back to simulation")
	}
	if fx.otps.get("1234567890", res.SessionID) == nil {
		t.Fatal("challenge must be persisted despite dispatch failure")
	}
}

func TestIssueUserNotFound(t *testing.T) {
	fx := newFixture()

	_, err := fx.issuer().Issue(context.Background(), "1234567890", "")
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestIssueInactiveUser(t *testing.T) {
	fx := newFixture()
	u := activeUser()
	u.IsActive = false
	fx.users.add(u)

	_, err := fx.issuer().Issue(context.Background(), "1234567890", "")
	if !errors.Is(err, ErrAccountInactive) {
		t.Fatalf("expected ErrAccountInactive, got %v", err)
	}
}

func TestIssueMissingContact(t *testing.T) {
	fx := newFixture()
	u := activeUser()
	u.Phone = ""
	fx.users.add(u)

	_, err := fx.issuer().Issue(context.Background(), "1234567890", "")
	if !errors.Is(err, ErrMissingContact) {
		t.Fatalf("expected ErrMissingContact, got %v", err)
	}
}

func TestIssueInvalidContact(t *testing.T) {
	fx := newFixture()
	u := activeUser()
	u.Phone = "123456"
	fx.users.add(u)

	_, err := fx.issuer().Issue(context.Background(), "1234567890", "")
	if !errors.Is(err, ErrInvalidContact) {
		t.Fatalf("expected ErrInvalidContact, got %v", err)
	}
}

func TestIssueInvalidNationalID(t *testing.T) {
	fx := newFixture()

	for _, id := range []string{"", "12345", "12345678901", "12345abcde"} {
		if _, err := fx.issuer().Issue(context.Background(), id, ""); !errors.Is(err, ErrInvalidFormat) {
			t.Fatalf("national id %q: expected ErrInvalidFormat, got %v", id, err)
		}
	}
}

func TestIssueRateLimited(t *testing.T) {
	fx := newFixture()
	fx.users.add(activeUser())
	issuer := fx.issuer()

	for i := 0; i < 3; i++ {
		if _, err := issuer.Issue(context.Background(), "1234567890", ""); err != nil {
			t.Fatalf("send %d failed: %v", i+1, err)
		}
	}
	_, err := issuer.Issue(context.Background(), "1234567890", "")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited on 4th send, got %v", err)
	}
}

func TestIssueThrottleOutageAllowsSend(t *testing.T) {
	fx := newFixture()
	fx.throttle.err = errors.New("redis down")
	fx.users.add(activeUser())

	if _, err := fx.issuer().Issue(context.Background(), "1234567890", ""); err != nil {
		t.Fatalf("throttle outage must not block issuance: %v", err)
	}
}

func TestIssueRegistration(t *testing.T) {
	fx := newFixture()
	fx.sms = unconfiguredSMS()

	res, err := fx.issuer().Issue(context.Background(), "1234567890", "0512345678")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if !res.IsNewUser {
		t.Fatal("unknown national id with phone must start a registration challenge")
	}

	ch := fx.otps.get("1234567890", res.SessionID)
	if ch == nil || !ch.IsNewUser {
		t.Fatal("challenge must carry the new-user flag")
	}
	if ch.Phone != "966512345678" {
		t.Fatalf("expected normalized contact, got %q", ch.Phone)
	}
}

func TestIssueRegistrationRejectsBadPhone(t *testing.T) {
	fx := newFixture()

	_, err := fx.issuer().Issue(context.Background(), "1234567890", "0412345678")
	if !errors.Is(err, ErrInvalidContact) {
		t.Fatalf("expected ErrInvalidContact, got %v", err)
	}
}
