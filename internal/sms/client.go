// Package sms sends one-time codes through an HTTP SMS gateway.
package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"charity-auth-service/internal/config"
	"charity-auth-service/internal/util"
)

// ErrNotConfigured signals that no live channel exists; the issuer maps this
// to simulation mode instead of failing issuance.
var ErrNotConfigured = errors.New("sms: channel not configured")

type Client struct {
	apiKey     string
	baseURL    string
	senderID   string
	httpClient *http.Client
}

func NewClient(cfg *config.Config) *Client {
	return &Client{
		apiKey:   cfg.SMS.APIKey,
		baseURL:  cfg.SMS.BaseURL,
		senderID: cfg.SMS.SenderID,
		httpClient: &http.Client{
			Timeout: cfg.SMS.Timeout,
		},
	}
}

type sendRequest struct {
	Number  string `json:"number"`
	Sender  string `json:"sender"`
	Message string `json:"message"`
}

// SendOTP dispatches the code to the given phone. The code itself is never
// logged. Any transport or gateway error is returned for the caller's
// fallback decision.
func (c *Client) SendOTP(ctx context.Context, phone, code string) error {
	if c.apiKey == "" || c.baseURL == "" {
		return ErrNotConfigured
	}

	body := sendRequest{
		Number:  phone,
		Sender:  c.senderID,
		Message: fmt.Sprintf("Your verification code is %s. It expires in 5 minutes.", code),
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("sms: failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("sms: failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sms: dispatch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("sms: gateway returned status %d: %s", resp.StatusCode, string(payload))
	}

	util.Debug("SMS dispatched",
		zap.String("phone", util.MaskContact(phone)),
		zap.Int("status", resp.StatusCode))

	return nil
}
