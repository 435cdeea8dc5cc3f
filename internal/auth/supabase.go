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

	"github.com/golang-jwt/jwt/v5"
)

// SupabaseProvider authenticates against Supabase's GoTrue service using the
// password grant. Profile fields (role, department, permissions) live in the
// JWT's user_metadata claim; the token is decoded without signature
// verification because the anon key holder cannot verify the project's
// signing secret anyway, and the token is only mined for display metadata.
type SupabaseProvider struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     *slog.Logger
}

// NewSupabaseProvider creates a provider for the project at baseURL using its
// anon key.
func NewSupabaseProvider(baseURL, apiKey string, logger *slog.Logger) *SupabaseProvider {
	return &SupabaseProvider{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     logger,
	}
}

type supabaseSession struct {
	AccessToken string `json:"access_token"`
	User        struct {
		ID           string         `json:"id"`
		Email        string         `json:"email"`
		UserMetadata map[string]any `json:"user_metadata"`
	} `json:"user"`
}

// Login exchanges credentials for a session via the password grant.
func (p *SupabaseProvider) Login(ctx context.Context, email, password string) (User, error) {
	body := map[string]string{"email": email, "password": password}
	var sess supabaseSession
	if err := p.post(ctx, "/auth/v1/token?grant_type=password", body, &sess); err != nil {
		return User{}, fmt.Errorf("supabase login: %w", err)
	}
	return p.toUser(sess), nil
}

// Register creates an account. The display name travels in user_metadata so
// it survives into every future session token.
func (p *SupabaseProvider) Register(ctx context.Context, email, password, name string) (User, error) {
	body := map[string]any{
		"email":    email,
		"password": password,
		"data":     map[string]any{"name": name},
	}
	var sess supabaseSession
	if err := p.post(ctx, "/auth/v1/signup", body, &sess); err != nil {
		return User{}, fmt.Errorf("supabase signup: %w", err)
	}
	u := p.toUser(sess)
	if u.Name == "" {
		u.Name = name
	}
	return u, nil
}

// Logout revokes the session server-side.
func (p *SupabaseProvider) Logout(ctx context.Context, token string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/auth/v1/logout", nil)
	if err != nil {
		return fmt.Errorf("supabase logout: %w", err)
	}
	req.Header.Set("apikey", p.apiKey)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("supabase logout: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("supabase logout: status %d", resp.StatusCode)
	}
	return nil
}

func (p *SupabaseProvider) toUser(sess supabaseSession) User {
	meta := sess.User.UserMetadata
	if meta == nil {
		meta = map[string]any{}
	}
	// The session payload's metadata is authoritative; the token claims fill
	// any gaps (older sessions carried metadata only in the JWT).
	if claims := p.tokenMetadata(sess.AccessToken); claims != nil {
		for k, v := range claims {
			if _, ok := meta[k]; !ok {
				meta[k] = v
			}
		}
	}

	str := func(key string) string {
		s, _ := meta[key].(string)
		return s
	}
	return User{
		ID:          sess.User.ID,
		Token:       sess.AccessToken,
		Name:        str("name"),
		Email:       sess.User.Email,
		Role:        roleOrDefault(str("role")),
		Department:  str("department"),
		Permissions: permissionsFromAny(meta["permissions"]),
	}
}

// tokenMetadata pulls the user_metadata claim out of the access token.
func (p *SupabaseProvider) tokenMetadata(token string) map[string]any {
	if token == "" {
		return nil
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		p.log.Debug("access token claims undecodable", "error", err)
		return nil
	}
	meta, _ := claims["user_metadata"].(map[string]any)
	return meta
}

func (p *SupabaseProvider) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("apikey", p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Message   string `json:"msg"`
			ErrorDesc string `json:"error_description"`
		}
		_ = json.Unmarshal(raw, &apiErr)
		msg := apiErr.Message
		if msg == "" {
			msg = apiErr.ErrorDesc
		}
		if msg == "" {
			msg = string(raw)
		}
		return fmt.Errorf("status %d: %s", resp.StatusCode, msg)
	}
	return json.Unmarshal(raw, out)
}
