package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"charity-auth-service/internal/model"
	"charity-auth-service/internal/util"
)

var ErrChallengeNotFound = errors.New("otp challenge not found")

// OTPRepository is the Scylla-backed OTP store. Challenges are keyed by
// (national_id, session_id); one-time consumption is enforced with a
// lightweight transaction so two concurrent verifies cannot both win.
type OTPRepository struct {
	client *ScyllaClient
}

func NewOTPRepository(client *ScyllaClient) *OTPRepository {
	return &OTPRepository{client: client}
}

const (
	stmtInsertChallenge = `
        INSERT INTO otp_challenges (
            national_id, session_id, phone, code_hash, code_salt,
            pepper_version, expires_at, attempt_count, verified,
            is_new_user, sent_via_sms, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	stmtSelectChallenge = `
        SELECT national_id, session_id, phone, code_hash, code_salt,
            pepper_version, expires_at, attempt_count, verified,
            is_new_user, sent_via_sms, created_at
        FROM otp_challenges WHERE national_id = ? AND session_id = ?`

	// The IF clause is the only concurrency guard in the verify path: the
	// flip to verified and the decision to proceed must be one statement.
	stmtConsumeChallenge = `
        UPDATE otp_challenges SET verified = true
        WHERE national_id = ? AND session_id = ?
        IF verified = false`

	// Conditional on the read value so two concurrent failed attempts each
	// count; a plain write would let one overwrite the other.
	stmtIncrementAttempts = `
        UPDATE otp_challenges SET attempt_count = ?
        WHERE national_id = ? AND session_id = ?
        IF attempt_count = ?`

	stmtSelectExpired = `
        SELECT national_id, session_id FROM otp_challenges
        WHERE expires_at < ? ALLOW FILTERING`

	stmtDeleteChallenge = `
        DELETE FROM otp_challenges WHERE national_id = ? AND session_id = ?`
)

func (r *OTPRepository) CreateChallenge(ctx context.Context, challenge *model.OTPChallenge) error {
	now := time.Now().UTC()
	if challenge.CreatedAt.IsZero() {
		challenge.CreatedAt = now
	}
	if challenge.ExpiresAt.IsZero() {
		challenge.ExpiresAt = now.Add(5 * time.Minute)
	}

	query := r.client.Query(stmtInsertChallenge,
		challenge.NationalID, challenge.SessionID, challenge.Phone,
		challenge.CodeHash, challenge.CodeSalt, challenge.PepperVersion,
		challenge.ExpiresAt, challenge.AttemptCount, challenge.Verified,
		challenge.IsNewUser, challenge.SentViaSMS, challenge.CreatedAt).
		WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to create OTP challenge",
			zap.String("session_id", challenge.SessionID),
			zap.Error(err))
		return fmt.Errorf("failed to create OTP challenge: %w", err)
	}

	util.Info("OTP challenge created",
		zap.String("session_id", challenge.SessionID),
		zap.Time("expires_at", challenge.ExpiresAt),
		zap.Bool("sent_via_sms", challenge.SentViaSMS))

	return nil
}

// GetChallenge returns the challenge for the pair in any state. Consumed
// records are returned so the caller can report reuse; records that never
// existed map to ErrChallengeNotFound.
func (r *OTPRepository) GetChallenge(ctx context.Context, nationalID, sessionID string) (*model.OTPChallenge, error) {
	challenge := &model.OTPChallenge{}

	query := r.client.Query(stmtSelectChallenge, nationalID, sessionID).WithContext(ctx)
	err := r.client.ScanWithRetry(query,
		&challenge.NationalID, &challenge.SessionID, &challenge.Phone,
		&challenge.CodeHash, &challenge.CodeSalt, &challenge.PepperVersion,
		&challenge.ExpiresAt, &challenge.AttemptCount, &challenge.Verified,
		&challenge.IsNewUser, &challenge.SentViaSMS, &challenge.CreatedAt)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, ErrChallengeNotFound
		}
		return nil, fmt.Errorf("failed to get OTP challenge: %w", err)
	}

	return challenge, nil
}

// ConsumeChallenge flips verified to true iff it is still false, as a single
// lightweight transaction. Returns false when a concurrent verify won the
// race; the caller must fail that branch rather than proceed.
func (r *OTPRepository) ConsumeChallenge(ctx context.Context, nationalID, sessionID string) (bool, error) {
	var prevVerified bool
	applied, err := r.client.Query(stmtConsumeChallenge, nationalID, sessionID).
		WithContext(ctx).
		ScanCAS(&prevVerified)
	if err != nil {
		util.Error("Failed to consume OTP challenge",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return false, fmt.Errorf("failed to consume OTP challenge: %w", err)
	}

	if !applied {
		util.Warn("OTP challenge consumption lost the race",
			zap.String("session_id", sessionID))
	}

	return applied, nil
}

// IncrementAttempts bumps the failed-attempt count with a compare-and-set on
// the value just read, retrying on contention so concurrent wrong codes are
// each counted toward the lockout.
func (r *OTPRepository) IncrementAttempts(ctx context.Context, nationalID, sessionID string) error {
	for retries := 0; retries < 3; retries++ {
		challenge, err := r.GetChallenge(ctx, nationalID, sessionID)
		if err != nil {
			return err
		}

		var prevCount int
		applied, err := r.client.Query(stmtIncrementAttempts,
			challenge.AttemptCount+1, nationalID, sessionID, challenge.AttemptCount).
			WithContext(ctx).
			ScanCAS(&prevCount)
		if err != nil {
			return fmt.Errorf("failed to increment OTP attempts: %w", err)
		}
		if applied {
			return nil
		}

		util.Debug("OTP attempt count moved underneath, retrying",
			zap.String("session_id", sessionID),
			zap.Int("prev_count", prevCount))
	}

	return fmt.Errorf("failed to increment OTP attempts: too much contention on session %s", sessionID)
}

// DeleteExpiredChallenges removes challenges past expiry. Retention is
// best-effort housekeeping; correctness never depends on it because the
// verifier checks expiry on every read.
func (r *OTPRepository) DeleteExpiredChallenges(ctx context.Context) (int, error) {
	iter := r.client.Query(stmtSelectExpired, time.Now().UTC()).WithContext(ctx).Iter()

	var nationalID, sessionID string
	deleted := 0

	for iter.Scan(&nationalID, &sessionID) {
		if err := r.client.Query(stmtDeleteChallenge, nationalID, sessionID).WithContext(ctx).Exec(); err != nil {
			util.Warn("Failed to delete expired OTP challenge",
				zap.String("session_id", sessionID),
				zap.Error(err))
			continue
		}
		deleted++
	}

	if err := iter.Close(); err != nil {
		return deleted, fmt.Errorf("failed to scan expired OTP challenges: %w", err)
	}

	if deleted > 0 {
		util.Info("Expired OTP challenges deleted", zap.Int("count", deleted))
	}
	return deleted, nil
}
