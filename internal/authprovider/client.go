// Package authprovider talks to the external identity provider's admin API.
package authprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"charity-auth-service/internal/config"
	"charity-auth-service/internal/model"
)

var ErrAccountNotFound = errors.New("authprovider: account not found")

// Client calls the provider's administrative endpoints with the service-role
// key. All calls are bounded by the configured HTTP timeout; a hung provider
// surfaces as an error, never as a stuck request.
type Client struct {
	baseURL    string
	serviceKey string
	httpClient *http.Client
}

func NewClient(cfg *config.Config) *Client {
	return &Client{
		baseURL:    cfg.AuthProvider.BaseURL,
		serviceKey: cfg.AuthProvider.ServiceRoleKey,
		httpClient: &http.Client{
			Timeout: cfg.AuthProvider.Timeout,
		},
	}
}

func (c *Client) GetAccountByID(ctx context.Context, userID string) (*model.ProviderAccount, error) {
	resp, err := c.do(ctx, http.MethodGet, "/admin/users/"+userID, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var account model.ProviderAccount
		if err := json.NewDecoder(resp.Body).Decode(&account); err != nil {
			return nil, fmt.Errorf("authprovider: failed to decode account: %w", err)
		}
		return &account, nil
	case http.StatusNotFound:
		return nil, ErrAccountNotFound
	default:
		return nil, c.statusError(resp)
	}
}

type createAccountRequest struct {
	ID       string `json:"id"`
	Phone    string `json:"phone"`
	Password string `json:"password"`
	Confirm  bool   `json:"phone_confirm"`
}

// CreateAccount creates a provider account with an explicit ID. The caller
// owns the invariant that the returned ID equals the requested one.
func (c *Client) CreateAccount(ctx context.Context, userID, phone, password string) (*model.ProviderAccount, error) {
	body := createAccountRequest{
		ID:       userID,
		Phone:    phone,
		Password: password,
		Confirm:  true,
	}

	resp, err := c.do(ctx, http.MethodPost, "/admin/users", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, c.statusError(resp)
	}

	var account model.ProviderAccount
	if err := json.NewDecoder(resp.Body).Decode(&account); err != nil {
		return nil, fmt.Errorf("authprovider: failed to decode created account: %w", err)
	}
	return &account, nil
}

func (c *Client) UpdatePassword(ctx context.Context, userID, password string) error {
	body := map[string]string{"password": password}

	resp, err := c.do(ctx, http.MethodPut, "/admin/users/"+userID, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrAccountNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return c.statusError(resp)
	}
	return nil
}

type signInRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

func (c *Client) SignIn(ctx context.Context, userID, password string) (*model.Session, error) {
	resp, err := c.do(ctx, http.MethodPost, "/token?grant_type=password", signInRequest{
		UserID:   userID,
		Password: password,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp)
	}

	var session model.Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, fmt.Errorf("authprovider: failed to decode session: %w", err)
	}
	if session.UserID == "" {
		session.UserID = userID
	}
	return &session, nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("authprovider: failed to encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("authprovider: failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.serviceKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("authprovider: request failed: %w", err)
	}
	return resp, nil
}

func (c *Client) statusError(resp *http.Response) error {
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("authprovider: unexpected status %d: %s", resp.StatusCode, string(payload))
}
