package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeKV is an in-memory KV for selector tests.
type fakeKV struct {
	values map[string]string
	getErr error
	setErr error
}

func newFakeKV() *fakeKV {
	return &fakeKV{values: map[string]string{}}
}

func (kv *fakeKV) GetValue(_ context.Context, key string) (string, error) {
	if kv.getErr != nil {
		return "", kv.getErr
	}
	return kv.values[key], nil
}

func (kv *fakeKV) SetValue(_ context.Context, key, value string) error {
	if kv.setErr != nil {
		return kv.setErr
	}
	kv.values[key] = value
	return nil
}

func (kv *fakeKV) DeleteValues(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(kv.values, k)
	}
	return nil
}

// fakeProvider records calls and returns a canned user or error.
type fakeProvider struct {
	user       User
	loginErr   error
	logoutErr  error
	loginCalls int
	logoutWith []string
}

func (p *fakeProvider) Login(_ context.Context, email, _ string) (User, error) {
	p.loginCalls++
	if p.loginErr != nil {
		return User{}, p.loginErr
	}
	u := p.user
	u.Email = email
	return u, nil
}

func (p *fakeProvider) Register(ctx context.Context, email, password, name string) (User, error) {
	u, err := p.Login(ctx, email, password)
	if err != nil {
		return User{}, err
	}
	u.Name = name
	return u, nil
}

func (p *fakeProvider) Logout(_ context.Context, token string) error {
	p.logoutWith = append(p.logoutWith, token)
	return p.logoutErr
}

var errProvider = errors.New("provider unavailable")

func mustBeLoggedOut(t *testing.T, s *Selector) {
	t.Helper()
	if s.IsLoggedIn() {
		t.Error("selector still reports a session")
	}
	if _, ok := s.UserData(); ok {
		t.Error("UserData still returns a user")
	}
}
