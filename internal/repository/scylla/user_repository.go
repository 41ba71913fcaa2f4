package scylla

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"charity-auth-service/internal/bucketing"
	"charity-auth-service/internal/encryption"
	"charity-auth-service/internal/model"
	"charity-auth-service/internal/util"
)

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrProfileNotFound = errors.New("profile not found")
)

// UserRepository is the Scylla-backed identity directory. Users are
// partitioned by a stable murmur3 bucket of the internal UUID and looked up
// by national ID through a dedicated lookup table.
type UserRepository struct {
	client       *ScyllaClient
	bucketingMgr *bucketing.BucketingManager
	encryptor    *encryption.Manager
}

func NewUserRepository(client *ScyllaClient, bucketingMgr *bucketing.BucketingManager, encryptor *encryption.Manager) *UserRepository {
	return &UserRepository{
		client:       client,
		bucketingMgr: bucketingMgr,
		encryptor:    encryptor,
	}
}

// HashContact produces the lookup hash stored alongside the encrypted phone.
func HashContact(phone string) string {
	sum := sha256.Sum256([]byte(phone))
	return hex.EncodeToString(sum[:])
}

const (
	stmtInsertUser = `
        INSERT INTO users (
            user_bucket, user_id, national_id, phone_hash, phone_encrypted,
            phone_key_id, display_name, role, is_active, created_at,
            updated_at, last_login_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	stmtInsertNationalIDLookup = `
        INSERT INTO national_id_to_user (national_id, user_bucket, user_id, created_at)
        VALUES (?, ?, ?, ?) IF NOT EXISTS`

	stmtSelectNationalIDLookup = `
        SELECT user_bucket, user_id FROM national_id_to_user WHERE national_id = ?`

	stmtSelectUser = `
        SELECT user_bucket, user_id, national_id, phone_hash, phone_encrypted,
            phone_key_id, display_name, role, is_active, created_at,
            updated_at, last_login_at
        FROM users WHERE user_bucket = ? AND user_id = ?`

	stmtUpdateLastLogin = `
        UPDATE users SET last_login_at = ?, updated_at = ?
        WHERE user_bucket = ? AND user_id = ?`

	stmtDeactivateUser = `
        UPDATE users SET is_active = false, updated_at = ?
        WHERE user_bucket = ? AND user_id = ?`

	stmtSelectProfile = `
        SELECT user_id, address, city, branch_id, created_at
        FROM beneficiary_profiles WHERE user_id = ?`

	stmtInsertProfile = `
        INSERT INTO beneficiary_profiles (user_id, address, city, branch_id, created_at)
        VALUES (?, ?, ?, ?, ?) IF NOT EXISTS`
)

// CreateUser inserts a new identity record. The insert is idempotent on
// national ID: if the lookup row already exists the stored record is loaded
// and returned instead, so retried registrations never fork identities.
func (r *UserRepository) CreateUser(ctx context.Context, user *model.User) (*model.User, error) {
	if user.UserID == "" {
		user.UserID = uuid.New().String()
	}
	user.UserBucket = r.bucketingMgr.GetUserBucket(user.UserID)

	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}

	if user.Phone != "" {
		blob, keyID, err := r.encryptor.EncryptContact(ctx, user.Phone)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt contact: %w", err)
		}
		user.PhoneEncrypted = blob
		user.PhoneKeyID = keyID
		user.PhoneHash = HashContact(user.Phone)
	}

	// Claim the national ID first; losing the claim means another request
	// already created this identity. A not-applied LWT result carries every
	// column of the existing row, so scan it as a map rather than coupling
	// to the server's column order.
	previous := make(map[string]interface{})
	applied, err := r.client.Query(stmtInsertNationalIDLookup,
		user.NationalID, user.UserBucket, user.UserID, now).
		WithContext(ctx).
		MapScanCAS(previous)
	if err != nil {
		return nil, fmt.Errorf("failed to claim national id: %w", err)
	}
	if !applied {
		existingBucket, _ := previous["user_bucket"].(int)
		existingID, _ := previous["user_id"].(string)
		util.Debug("National ID already claimed, returning existing user",
			zap.String("national_id", user.NationalID),
			zap.String("user_id", existingID))
		return r.getUser(ctx, existingBucket, existingID)
	}

	query := r.client.Query(stmtInsertUser,
		user.UserBucket, user.UserID, user.NationalID, user.PhoneHash,
		user.PhoneEncrypted, user.PhoneKeyID, user.DisplayName, user.Role,
		user.IsActive, user.CreatedAt, user.UpdatedAt, user.LastLoginAt).
		WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to create user",
			zap.String("user_id", user.UserID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	util.Info("User created",
		zap.String("user_id", user.UserID),
		zap.String("role", user.Role),
		zap.Int("user_bucket", user.UserBucket))

	return user, nil
}

func (r *UserRepository) GetUserByNationalID(ctx context.Context, nationalID string) (*model.User, error) {
	var bucket int
	var userID string

	query := r.client.Query(stmtSelectNationalIDLookup, nationalID).WithContext(ctx)
	if err := r.client.ScanWithRetry(query, &bucket, &userID); err != nil {
		if err == gocql.ErrNotFound {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to look up national id: %w", err)
	}

	return r.getUser(ctx, bucket, userID)
}

func (r *UserRepository) GetUserByID(ctx context.Context, userID string) (*model.User, error) {
	bucket := r.bucketingMgr.GetUserBucket(userID)
	return r.getUser(ctx, bucket, userID)
}

func (r *UserRepository) getUser(ctx context.Context, bucket int, userID string) (*model.User, error) {
	user := &model.User{}

	query := r.client.Query(stmtSelectUser, bucket, userID).WithContext(ctx)
	err := r.client.ScanWithRetry(query,
		&user.UserBucket, &user.UserID, &user.NationalID, &user.PhoneHash,
		&user.PhoneEncrypted, &user.PhoneKeyID, &user.DisplayName, &user.Role,
		&user.IsActive, &user.CreatedAt, &user.UpdatedAt, &user.LastLoginAt)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, ErrUserNotFound
		}
		util.Error("Failed to get user",
			zap.String("user_id", userID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	if len(user.PhoneEncrypted) > 0 {
		phone, err := r.encryptor.DecryptContact(ctx, user.PhoneEncrypted)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt contact: %w", err)
		}
		user.Phone = phone
	}

	return user, nil
}

func (r *UserRepository) UpdateLastLogin(ctx context.Context, userID string, at time.Time) error {
	bucket := r.bucketingMgr.GetUserBucket(userID)

	query := r.client.Query(stmtUpdateLastLogin, at, at, bucket, userID).WithContext(ctx)
	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}
	return nil
}

func (r *UserRepository) DeactivateUser(ctx context.Context, userID string) error {
	bucket := r.bucketingMgr.GetUserBucket(userID)

	query := r.client.Query(stmtDeactivateUser, time.Now().UTC(), bucket, userID).WithContext(ctx)
	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		return fmt.Errorf("failed to deactivate user: %w", err)
	}

	util.Warn("User deactivated", zap.String("user_id", userID))
	return nil
}

func (r *UserRepository) GetProfile(ctx context.Context, userID string) (*model.BeneficiaryProfile, error) {
	profile := &model.BeneficiaryProfile{}

	query := r.client.Query(stmtSelectProfile, userID).WithContext(ctx)
	err := r.client.ScanWithRetry(query,
		&profile.UserID, &profile.Address, &profile.City,
		&profile.BranchID, &profile.CreatedAt)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, ErrProfileNotFound
		}
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}

	return profile, nil
}

// CreateDefaultProfile inserts an empty profile sub-record; retries are safe
// because the insert is conditional on the row not existing.
func (r *UserRepository) CreateDefaultProfile(ctx context.Context, userID string) (*model.BeneficiaryProfile, error) {
	profile := &model.BeneficiaryProfile{
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}

	previous := make(map[string]interface{})
	applied, err := r.client.Query(stmtInsertProfile,
		profile.UserID, profile.Address, profile.City, profile.BranchID, profile.CreatedAt).
		WithContext(ctx).
		MapScanCAS(previous)
	if err != nil {
		return nil, fmt.Errorf("failed to create profile: %w", err)
	}
	if !applied {
		existing := &model.BeneficiaryProfile{UserID: userID}
		existing.Address, _ = previous["address"].(string)
		existing.City, _ = previous["city"].(string)
		existing.BranchID, _ = previous["branch_id"].(string)
		existing.CreatedAt, _ = previous["created_at"].(time.Time)
		return existing, nil
	}

	return profile, nil
}

func (r *UserRepository) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck(ctx)
}
