package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Credentials identifies one endpoint to the login gateway.
type Credentials struct {
	Username string
	Password string
}

// HTTPLogin implements LoginService against a login gateway that
// exchanges credentials for a {token, expiry, serverBaseURL} triple.
type HTTPLogin struct {
	client      *http.Client
	authURL     string
	credentials map[string]Credentials
}

// NewHTTPLogin returns a LoginService posting to authURL. The
// credentials map is keyed by endpoint key.
func NewHTTPLogin(authURL string, credentials map[string]Credentials) *HTTPLogin {
	return &HTTPLogin{
		client:      &http.Client{Timeout: 30 * time.Second},
		authURL:     authURL,
		credentials: credentials,
	}
}

type loginRequest struct {
	EndpointKey string `json:"endpointKey"`
	Username    string `json:"username"`
	Password    string `json:"password"`
}

type loginResponse struct {
	Token         string    `json:"token"`
	ServerBaseURL string    `json:"serverBaseUrl"`
	ExpiresAt     time.Time `json:"expiresAt"`
	ErrorMessage  string    `json:"errorMessage,omitempty"`
}

// Login exchanges the endpoint's credentials for a session.
func (h *HTTPLogin) Login(ctx context.Context, endpointKey string) (*LoginResult, error) {
	creds, ok := h.credentials[endpointKey]
	if !ok {
		return nil, fmt.Errorf("no credentials configured for endpoint %q", endpointKey)
	}

	body, err := json.Marshal(loginRequest{
		EndpointKey: endpointKey,
		Username:    creds.Username,
		Password:    creds.Password,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.authURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("login request: %w", err)
	}
	defer res.Body.Close()

	var lr loginResponse
	if err := json.NewDecoder(res.Body).Decode(&lr); err != nil {
		return nil, fmt.Errorf("decoding login response: %w", err)
	}

	if res.StatusCode != http.StatusOK || lr.Token == "" {
		msg := lr.ErrorMessage
		if msg == "" {
			msg = res.Status
		}
		return nil, fmt.Errorf("login rejected: %s", msg)
	}

	return &LoginResult{
		Token:         lr.Token,
		ServerBaseURL: lr.ServerBaseURL,
		ExpiresAt:     lr.ExpiresAt,
	}, nil
}
