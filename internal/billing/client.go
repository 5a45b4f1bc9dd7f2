package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"docchat/pkg/plan"
)

// Client creates hosted checkout sessions against the payments gateway.
// The gateway wraps the payment provider; this service only needs the
// redirect URL back.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

type Config struct {
	BaseURL string
	APIKey  string
}

func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("billing base url required")
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}, nil
}

type sessionRequest struct {
	UserID     string `json:"userId"`
	Email      string `json:"email"`
	PriceID    string `json:"priceId"`
	PlanSlug   string `json:"planSlug"`
	SuccessURL string `json:"successUrl,omitempty"`
	CancelURL  string `json:"cancelUrl,omitempty"`
}

type sessionResponse struct {
	URL string `json:"url"`
}

type gatewayError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// CreateCheckoutSession starts an upgrade checkout for the given user and
// returns the hosted payment page URL.
func (c *Client) CreateCheckoutSession(ctx context.Context, userID, email string, target plan.Plan) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("user id required")
	}
	priceID := target.PriceIDProd
	if priceID == "" {
		priceID = target.PriceIDTest
	}
	if priceID == "" {
		return "", fmt.Errorf("plan %s is not purchasable", target.Name)
	}
	body, err := json.Marshal(sessionRequest{
		UserID:   userID,
		Email:    email,
		PriceID:  priceID,
		PlanSlug: target.Slug,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/checkout/sessions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("billing request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var gerr gatewayError
		_ = json.NewDecoder(resp.Body).Decode(&gerr)
		if gerr.Error.Message != "" {
			return "", fmt.Errorf("billing api error: %s", gerr.Error.Message)
		}
		return "", fmt.Errorf("billing api error: %s", resp.Status)
	}
	var out sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("billing decode: %w", err)
	}
	if out.URL == "" {
		return "", errors.New("billing api returned no session url")
	}
	return out.URL, nil
}
