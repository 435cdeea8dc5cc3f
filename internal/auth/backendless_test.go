package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newBackendlessProvider(t *testing.T, handler http.HandlerFunc) *BackendlessProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewBackendlessProvider(srv.URL, "app-1", "rest-key", testLogger())
}

func TestBackendlessLogin_MapsUserProperties(t *testing.T) {
	var gotPath string
	var gotBody map[string]string
	p := newBackendlessProvider(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		fmt.Fprint(w, `{
			"objectId":"u1","user-token":"tok","name":"Ada","email":"a@example.com",
			"role":"Manager","department":"Finance","permissions":["reports.read"]
		}`)
	})

	u, err := p.Login(context.Background(), "a@example.com", "pw")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "/app-1/rest-key/users/login" {
		t.Errorf("path = %q, want app id and key embedded", gotPath)
	}
	if gotBody["login"] != "a@example.com" || gotBody["password"] != "pw" {
		t.Errorf("body = %v", gotBody)
	}
	if u.ID != "u1" || u.Token != "tok" || u.Name != "Ada" {
		t.Errorf("user = %+v", u)
	}
	if u.Role != "Manager" || u.Department != "Finance" {
		t.Errorf("profile = %q/%q", u.Role, u.Department)
	}
	if len(u.Permissions) != 1 || u.Permissions[0] != "reports.read" {
		t.Errorf("permissions = %v", u.Permissions)
	}
}

func TestBackendlessLogin_EmptyRoleDefaults(t *testing.T) {
	p := newBackendlessProvider(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"objectId":"u1","user-token":"tok"}`)
	})
	u, err := p.Login(context.Background(), "a@example.com", "pw")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.Role != "User" {
		t.Errorf("Role = %q, want User default", u.Role)
	}
}

func TestBackendlessLogin_FaultMessageSurfaces(t *testing.T) {
	p := newBackendlessProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"code":3003,"message":"Invalid login or password"}`)
	})
	_, err := p.Login(context.Background(), "a@example.com", "wrong")
	if err == nil || !strings.Contains(err.Error(), "Invalid login or password") {
		t.Errorf("error = %v, want fault message", err)
	}
}

func TestBackendlessRegister_LogsInAfterwards(t *testing.T) {
	var paths []string
	p := newBackendlessProvider(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		switch {
		case strings.HasSuffix(r.URL.Path, "/register"):
			fmt.Fprint(w, `{"objectId":"u2","email":"b@example.com"}`)
		default:
			fmt.Fprint(w, `{"objectId":"u2","user-token":"tok","name":"Grace","email":"b@example.com"}`)
		}
	})

	u, err := p.Register(context.Background(), "b@example.com", "pw", "Grace")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(paths) != 2 || !strings.HasSuffix(paths[0], "/register") || !strings.HasSuffix(paths[1], "/login") {
		t.Errorf("requests = %v, want register then login", paths)
	}
	if u.Token != "tok" {
		t.Errorf("Token = %q, want session from the follow-up login", u.Token)
	}
}

func TestBackendlessLogout_SendsUserTokenHeader(t *testing.T) {
	var gotMethod, gotPath, gotToken string
	p := newBackendlessProvider(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotToken = r.Header.Get("user-token")
	})
	if err := p.Logout(context.Background(), "tok"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotMethod != http.MethodGet {
		t.Errorf("method = %s", gotMethod)
	}
	if gotPath != "/app-1/rest-key/users/logout" {
		t.Errorf("path = %q", gotPath)
	}
	if gotToken != "tok" {
		t.Errorf("user-token = %q", gotToken)
	}
}
