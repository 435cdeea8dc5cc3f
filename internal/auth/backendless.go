package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// BackendlessProvider authenticates against the Backendless Users service.
// Sessions are identified by the user-token header value rather than a JWT;
// profile fields are plain properties on the user object.
type BackendlessProvider struct {
	baseURL string
	appID   string
	apiKey  string
	http    *http.Client
	log     *slog.Logger
}

// NewBackendlessProvider creates a provider for the app identified by appID
// and its REST API key.
func NewBackendlessProvider(baseURL, appID, apiKey string, logger *slog.Logger) *BackendlessProvider {
	return &BackendlessProvider{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		appID:   appID,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     logger,
	}
}

func (p *BackendlessProvider) usersURL(path string) string {
	return fmt.Sprintf("%s/%s/%s/users%s", p.baseURL, p.appID, p.apiKey, path)
}

// Login authenticates with email and password.
func (p *BackendlessProvider) Login(ctx context.Context, email, password string) (User, error) {
	body := map[string]string{"login": email, "password": password}
	raw, err := p.post(ctx, p.usersURL("/login"), body)
	if err != nil {
		return User{}, fmt.Errorf("backendless login: %w", err)
	}
	return p.toUser(raw), nil
}

// Register creates an account. Backendless registration does not log the
// user in, so a login follows immediately to obtain a session token.
func (p *BackendlessProvider) Register(ctx context.Context, email, password, name string) (User, error) {
	body := map[string]string{"email": email, "password": password, "name": name}
	if _, err := p.post(ctx, p.usersURL("/register"), body); err != nil {
		return User{}, fmt.Errorf("backendless register: %w", err)
	}
	return p.Login(ctx, email, password)
}

// Logout invalidates the user token server-side.
func (p *BackendlessProvider) Logout(ctx context.Context, token string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.usersURL("/logout"), nil)
	if err != nil {
		return fmt.Errorf("backendless logout: %w", err)
	}
	req.Header.Set("user-token", token)

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("backendless logout: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("backendless logout: status %d", resp.StatusCode)
	}
	return nil
}

func (p *BackendlessProvider) toUser(raw map[string]any) User {
	str := func(key string) string {
		s, _ := raw[key].(string)
		return s
	}
	return User{
		ID:          str("objectId"),
		Token:       str("user-token"),
		Name:        str("name"),
		Email:       str("email"),
		Role:        roleOrDefault(str("role")),
		Department:  str("department"),
		Permissions: permissionsFromAny(raw["permissions"]),
	}
}

func (p *BackendlessProvider) post(ctx context.Context, url string, body any) (map[string]any, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var fault struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(raw, &fault)
		if fault.Message != "" {
			return nil, fmt.Errorf("status %d (fault %d): %s", resp.StatusCode, fault.Code, fault.Message)
		}
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, string(raw))
	}

	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return out, nil
}
