// Package auth selects between the two interchangeable authentication
// backends and normalises their divergent user shapes into one canonical
// [User]. The selected provider name and the session state are persisted in
// the local mirror's key-value area and always cleared together on logout.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/iravin/reportsync/internal/model"
)

// ProviderName identifies one of the two supported backends. There are
// exactly two; no runtime registry exists.
type ProviderName string

const (
	ProviderSupabase    ProviderName = "supabase"
	ProviderBackendless ProviderName = "backendless"
)

// ParseProviderName validates a persisted or configured provider name.
func ParseProviderName(s string) (ProviderName, error) {
	switch n := ProviderName(s); n {
	case ProviderSupabase, ProviderBackendless:
		return n, nil
	default:
		return "", fmt.Errorf("unknown auth provider %q", s)
	}
}

// User is the canonical account shape both providers normalise into.
type User struct {
	ID          string   `json:"id"`
	Token       string   `json:"token"`
	Name        string   `json:"name"`
	Email       string   `json:"email"`
	Role        string   `json:"role"`
	Department  string   `json:"department"`
	Permissions []string `json:"permissions"`
}

// Provider is the capability surface each auth backend implements.
// Provider errors propagate unchanged: there is no automatic failover to the
// other provider, because silent failover would mask credential and
// configuration errors.
type Provider interface {
	Login(ctx context.Context, email, password string) (User, error)
	Register(ctx context.Context, email, password, name string) (User, error)
	Logout(ctx context.Context, token string) error
}

// KV is the persisted key-value surface the selector stores session state
// in. Implemented by [localstore.Store].
type KV interface {
	GetValue(ctx context.Context, key string) (string, error)
	SetValue(ctx context.Context, key, value string) error
	DeleteValues(ctx context.Context, keys ...string) error
}

// Persisted session keys. Cleared together on logout, never individually.
const (
	keyProvider = "auth.provider"
	keyToken    = "auth.token"
	keyUserID   = "auth.user_id"
	keyUser     = "auth.user"
)

// Selector holds both provider implementations behind the [Provider]
// interface and routes calls to the one chosen at startup (or persisted from
// a previous run). Defaults to Supabase when nothing is stored.
type Selector struct {
	kv          KV
	supabase    Provider
	backendless Provider
	log         *slog.Logger

	mu     sync.Mutex
	name   ProviderName
	user   *User
	loaded bool
}

// NewSelector creates a Selector over the two providers.
func NewSelector(kv KV, supabase, backendless Provider, logger *slog.Logger) *Selector {
	return &Selector{
		kv:          kv,
		supabase:    supabase,
		backendless: backendless,
		log:         logger,
		name:        ProviderSupabase,
	}
}

// Load restores the persisted provider choice and session, if any. Invalid
// persisted names fall back to the default rather than failing startup.
func (s *Selector) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.kv.GetValue(ctx, keyProvider)
	if err != nil {
		return fmt.Errorf("reading persisted provider: %w", err)
	}
	if raw != "" {
		name, err := ParseProviderName(raw)
		if err != nil {
			s.log.Warn("ignoring unknown persisted auth provider", "provider", raw)
		} else {
			s.name = name
		}
	}

	blob, err := s.kv.GetValue(ctx, keyUser)
	if err != nil {
		return fmt.Errorf("reading persisted user: %w", err)
	}
	if blob != "" {
		var u User
		if err := json.Unmarshal([]byte(blob), &u); err != nil {
			s.log.Warn("discarding undecodable persisted user", "error", err)
		} else {
			s.user = &u
		}
	}

	s.loaded = true
	return nil
}

// Use switches the active provider and persists the choice.
func (s *Selector) Use(ctx context.Context, name ProviderName) error {
	if _, err := ParseProviderName(string(name)); err != nil {
		return err
	}
	if err := s.kv.SetValue(ctx, keyProvider, string(name)); err != nil {
		return fmt.Errorf("persisting provider choice: %w", err)
	}
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
	return nil
}

// ActiveName returns the currently selected provider name.
func (s *Selector) ActiveName() ProviderName {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

func (s *Selector) active() Provider {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.name == ProviderBackendless {
		return s.backendless
	}
	return s.supabase
}

// Login authenticates against the active provider and persists the session.
// Provider errors are returned unchanged.
func (s *Selector) Login(ctx context.Context, email, password string) (User, error) {
	u, err := s.active().Login(ctx, email, password)
	if err != nil {
		return User{}, err
	}
	if err := s.persistSession(ctx, u); err != nil {
		return User{}, err
	}
	return u, nil
}

// Register creates an account on the active provider and persists the
// session. Provider errors are returned unchanged.
func (s *Selector) Register(ctx context.Context, email, password, name string) (User, error) {
	u, err := s.active().Register(ctx, email, password, name)
	if err != nil {
		return User{}, err
	}
	if err := s.persistSession(ctx, u); err != nil {
		return User{}, err
	}
	return u, nil
}

func (s *Selector) persistSession(ctx context.Context, u User) error {
	blob, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encoding user: %w", err)
	}
	if err := s.kv.SetValue(ctx, keyToken, u.Token); err != nil {
		return fmt.Errorf("persisting token: %w", err)
	}
	if err := s.kv.SetValue(ctx, keyUserID, u.ID); err != nil {
		return fmt.Errorf("persisting user id: %w", err)
	}
	if err := s.kv.SetValue(ctx, keyUser, string(blob)); err != nil {
		return fmt.Errorf("persisting user: %w", err)
	}

	s.mu.Lock()
	s.user = &u
	s.mu.Unlock()
	return nil
}

// Logout ends the provider session and clears every persisted auth key in
// one transaction. The provider name itself is cleared too: the next run
// starts from the default again.
func (s *Selector) Logout(ctx context.Context) error {
	s.mu.Lock()
	token := ""
	if s.user != nil {
		token = s.user.Token
	}
	s.mu.Unlock()

	if token != "" {
		if err := s.active().Logout(ctx, token); err != nil {
			return err
		}
	}

	if err := s.kv.DeleteValues(ctx, keyProvider, keyToken, keyUserID, keyUser); err != nil {
		return fmt.Errorf("clearing persisted session: %w", err)
	}

	s.mu.Lock()
	s.user = nil
	s.mu.Unlock()
	return nil
}

// IsLoggedIn reports whether a session is held.
func (s *Selector) IsLoggedIn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user != nil && s.user.Token != ""
}

// UserData returns the current session's user, if any.
func (s *Selector) UserData() (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return User{}, false
	}
	return *s.user, true
}

// permissionsFromAny converts the loosely typed permission lists both
// backends return into a string slice.
func permissionsFromAny(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	perms := make([]string, 0, len(raw))
	for _, p := range raw {
		if s, ok := p.(string); ok {
			perms = append(perms, s)
		}
	}
	return perms
}

// roleOrDefault maps missing roles to the ordinary-user role so downstream
// access checks never see an empty role.
func roleOrDefault(role string) string {
	if role == "" {
		return string(model.RoleUser)
	}
	return role
}
