package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"charity-auth-service/internal/client"
	"charity-auth-service/internal/util"
)

const sendCountPrefix = "otp_sends:"

// OTPThrottle limits how many codes may be issued per contact channel within
// a rolling window. Counters expire on their own; Redis owns the TTL.
type OTPThrottle struct {
	client *client.RedisClient
}

func NewOTPThrottle(client *client.RedisClient) *OTPThrottle {
	return &OTPThrottle{client: client}
}

func (c *OTPThrottle) IncrementSends(ctx context.Context, phone string, span time.Duration) (int, error) {
	key := sendCountPrefix + phone

	count, err := c.client.IncrWithExpire(ctx, key, span)
	if err != nil {
		util.Error("Failed to increment OTP send counter",
			zap.String("phone", util.MaskContact(phone)),
			zap.Error(err))
		return 0, fmt.Errorf("failed to increment OTP send counter: %w", err)
	}

	util.Debug("OTP send counter incremented",
		zap.String("phone", util.MaskContact(phone)),
		zap.Int64("count", count))

	return int(count), nil
}

func (c *OTPThrottle) ResetSends(ctx context.Context, phone string) error {
	key := sendCountPrefix + phone

	if err := c.client.Del(ctx, key); err != nil {
		return fmt.Errorf("failed to reset OTP send counter: %w", err)
	}
	return nil
}
