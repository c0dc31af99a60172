package vrm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/sneelco/hass-addon-vrm-cloud-mqtt/internal/credcache"
)

// fakeVRM is an httptest-backed VRM API with call accounting, enough of
// the surface for the full login and polling flows.
type fakeVRM struct {
	mu          sync.Mutex
	loginCalls  int
	listCalls   int
	createCalls int
	revokeCalls int
	calls       []string // event order: "login", "list", "revoke:<id>", "create"
	listAuth    string   // x-authorization seen on the last token list

	failLogin      bool
	existingTokens []AccessToken
}

func (f *fakeVRM) record(event string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, event)
}

func (f *fakeVRM) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.loginCalls++
		f.calls = append(f.calls, "login")
		fail := f.failLogin
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if fail {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]any{"success": false})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status": "login_success",
			"token":  "user-token-1",
			"idUser": 42,
		})
	})

	mux.HandleFunc("GET /users/42/accesstokens", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.listCalls++
		f.calls = append(f.calls, "list")
		f.listAuth = r.Header.Get("x-authorization")
		tokens := slices.Clone(f.existingTokens)
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"success": true, "tokens": tokens})
	})

	mux.HandleFunc("POST /users/42/accesstokens", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.createCalls++
		f.calls = append(f.calls, "create")
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"success": true, "token": "access-abc123"})
	})

	mux.HandleFunc("DELETE /users/42/accesstokens/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.revokeCalls++
		f.calls = append(f.calls, "revoke:"+r.PathValue("id"))
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"success": true})
	})

	mux.HandleFunc("GET /users/42/installations", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"records": []map[string]any{
				{"idSite": 101},
				{"idSite": 202},
			},
		})
	})

	mux.HandleFunc("GET /installations/{site}/diagnostics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		records := []map[string]any{
			{"Device": "Solar Charger", "instance": 276, "description": "PV Power", "rawValue": 140.5},
			{"Device": "Solar Charger", "instance": 276, "description": "Battery Voltage", "rawValue": 13.2},
		}
		if r.PathValue("site") == "202" {
			records = []map[string]any{
				{"Device": "Battery Monitor", "instance": 512, "description": "State of charge", "rawValue": 87.0},
			}
		}
		json.NewEncoder(w).Encode(map[string]any{"success": true, "records": records})
	})

	return mux
}

// newTestSession spins up the fake API and builds a session against it.
// cachePath "" disables the credential cache.
func newTestSession(t *testing.T, f *fakeVRM, cachePath string, revoke bool) *Session {
	t.Helper()

	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	var cache *credcache.Store
	if cachePath != "" {
		cache = credcache.New(cachePath, nil)
	}

	return NewSession(NewClient(srv.URL, 0, nil), cache, SessionConfig{
		Username:             "user@example.com",
		Password:             "hunter2",
		TokenName:            "vrm-cloud-mqtt",
		RevokeDuplicateToken: revoke,
	}, nil)
}

func TestSessionLogin_FreshAccount(t *testing.T) {
	f := &fakeVRM{}
	s := newTestSession(t, f, "", false)

	if s.Ready() {
		t.Fatal("session should not be ready before login")
	}
	if got := s.Authorization(); got != "none" {
		t.Fatalf("Authorization before login = %q, want none", got)
	}

	if err := s.Login(context.Background()); err != nil {
		t.Fatalf("Login: %v", err)
	}

	if got := s.State(); got != StateAuthenticatedAccess {
		t.Errorf("state = %v, want authenticated_access", got)
	}
	if !s.Ready() {
		t.Error("session should be ready after login")
	}
	if got := s.Authorization(); got != "Token access-abc123" {
		t.Errorf("Authorization = %q, want Token access-abc123", got)
	}
	if s.UserID() != 42 {
		t.Errorf("UserID = %d, want 42", s.UserID())
	}

	if f.loginCalls != 1 || f.createCalls != 1 || f.revokeCalls != 0 {
		t.Errorf("calls: login=%d create=%d revoke=%d, want 1/1/0",
			f.loginCalls, f.createCalls, f.revokeCalls)
	}
}

func TestSessionLogin_DuplicateTokenRevokeDisabled(t *testing.T) {
	f := &fakeVRM{
		existingTokens: []AccessToken{
			{Name: "portal", ID: "11"},
			{Name: "vrm-cloud-mqtt", ID: "12"},
		},
	}
	s := newTestSession(t, f, "", false)

	err := s.Login(context.Background())
	if !errors.Is(err, ErrDuplicateToken) {
		t.Fatalf("expected ErrDuplicateToken, got %v", err)
	}

	if f.createCalls != 0 {
		t.Errorf("createCalls = %d, want 0 (duplicate must block creation)", f.createCalls)
	}
	if f.revokeCalls != 0 {
		t.Errorf("revokeCalls = %d, want 0 (revocation is disabled)", f.revokeCalls)
	}
	if got := s.State(); got != StateFailed {
		t.Errorf("state = %v, want failed", got)
	}
	if s.Ready() {
		t.Error("session must not be ready after a duplicate-token failure")
	}
	if got := s.Authorization(); got != "none" {
		t.Errorf("Authorization = %q, want none after failure", got)
	}
}

func TestSessionLogin_DuplicateTokenRevokeEnabled(t *testing.T) {
	f := &fakeVRM{
		existingTokens: []AccessToken{
			{Name: "portal", ID: "11"},
			{Name: "vrm-cloud-mqtt", ID: "12"},
		},
	}
	s := newTestSession(t, f, "", true)

	if err := s.Login(context.Background()); err != nil {
		t.Fatalf("Login: %v", err)
	}

	if f.revokeCalls != 1 {
		t.Errorf("revokeCalls = %d, want exactly 1", f.revokeCalls)
	}
	if f.createCalls != 1 {
		t.Errorf("createCalls = %d, want exactly 1", f.createCalls)
	}

	// The matched ID is revoked, and revocation happens before creation.
	revokeIdx := slices.Index(f.calls, "revoke:12")
	createIdx := slices.Index(f.calls, "create")
	if revokeIdx == -1 {
		t.Fatalf("expected revoke of token 12, calls: %v", f.calls)
	}
	if createIdx == -1 || revokeIdx > createIdx {
		t.Errorf("revoke must precede create, calls: %v", f.calls)
	}

	if got := s.Authorization(); got != "Token access-abc123" {
		t.Errorf("Authorization = %q, want Token access-abc123", got)
	}
}

func TestSessionLogin_BadCredentials(t *testing.T) {
	f := &fakeVRM{failLogin: true}
	s := newTestSession(t, f, "", false)

	err := s.Login(context.Background())
	if !errors.Is(err, ErrLoginFailed) {
		t.Fatalf("expected ErrLoginFailed, got %v", err)
	}
	if got := s.State(); got != StateFailed {
		t.Errorf("state = %v, want failed", got)
	}
	if s.Ready() {
		t.Error("session must not be ready after rejected login")
	}
}

func TestSession_ResumeFromCache(t *testing.T) {
	cachePath := filepath.Join(t.TempDir(), "credentials.json")
	cache := credcache.New(cachePath, nil)
	if err := cache.Save(credcache.Credentials{AccessToken: "cached-token", UserID: 42}); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	f := &fakeVRM{}
	s := newTestSession(t, f, cachePath, false)

	if !s.Ready() {
		t.Fatal("session with cached token should be ready without logging in")
	}
	if got := s.State(); got != StateAuthenticatedAccess {
		t.Errorf("state = %v, want authenticated_access", got)
	}
	if got := s.Authorization(); got != "Token cached-token" {
		t.Errorf("Authorization = %q, want Token cached-token", got)
	}
	if s.UserID() != 42 {
		t.Errorf("UserID = %d, want 42", s.UserID())
	}
	if f.loginCalls != 0 {
		t.Errorf("loginCalls = %d, want 0 (cache resume must not touch the API)", f.loginCalls)
	}
}

func TestSessionLogin_SavesRawTokenToCache(t *testing.T) {
	cachePath := filepath.Join(t.TempDir(), "credentials.json")
	f := &fakeVRM{}
	s := newTestSession(t, f, cachePath, false)

	if err := s.Login(context.Background()); err != nil {
		t.Fatalf("Login: %v", err)
	}

	creds, err := credcache.New(cachePath, nil).Load()
	if err != nil {
		t.Fatalf("load cache: %v", err)
	}
	if creds == nil {
		t.Fatal("expected cached credentials after login")
	}
	if creds.AccessToken != "access-abc123" {
		t.Errorf("cached token = %q, want raw access-abc123", creds.AccessToken)
	}
	if creds.UserID != 42 {
		t.Errorf("cached user ID = %d, want 42", creds.UserID)
	}
}

func TestSessionLogin_FreshLoginIgnoresStaleCachedToken(t *testing.T) {
	// A relogin must run token operations with the new user token, not
	// whatever access token was cached before.
	cachePath := filepath.Join(t.TempDir(), "credentials.json")
	cache := credcache.New(cachePath, nil)
	if err := cache.Save(credcache.Credentials{AccessToken: "stale-token", UserID: 42}); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	f := &fakeVRM{}
	s := newTestSession(t, f, cachePath, false)

	if err := s.Login(context.Background()); err != nil {
		t.Fatalf("Login: %v", err)
	}

	if f.listAuth != "Bearer user-token-1" {
		t.Errorf("token list used %q, want the fresh Bearer user-token-1", f.listAuth)
	}
	if got := s.Authorization(); got != "Token access-abc123" {
		t.Errorf("Authorization = %q, want the newly created token", got)
	}
}

func TestSessionListSites(t *testing.T) {
	cachePath := filepath.Join(t.TempDir(), "credentials.json")
	cache := credcache.New(cachePath, nil)
	if err := cache.Save(credcache.Credentials{AccessToken: "cached-token", UserID: 42}); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	f := &fakeVRM{}
	s := newTestSession(t, f, cachePath, false)

	sites, err := s.ListSites(context.Background())
	if err != nil {
		t.Fatalf("ListSites: %v", err)
	}
	if len(sites) != 2 {
		t.Fatalf("expected 2 sites, got %d", len(sites))
	}
	if sites[0].ID() != 101 || sites[1].ID() != 202 {
		t.Errorf("site IDs = %d, %d, want 101, 202", sites[0].ID(), sites[1].ID())
	}

	devices, err := sites[0].Devices(context.Background())
	if err != nil {
		t.Fatalf("Devices: %v", err)
	}
	fields, ok := devices["solar_charger_276"]
	if !ok {
		t.Fatalf("expected solar_charger_276 in snapshot, got %v", devices)
	}
	if fields["pv_power"] != 140.5 || fields["battery_voltage"] != 13.2 {
		t.Errorf("unexpected fields: %v", fields)
	}

	other, err := sites[1].Devices(context.Background())
	if err != nil {
		t.Fatalf("Devices(202): %v", err)
	}
	if _, ok := other["battery_monitor_512"]; !ok {
		t.Errorf("expected battery_monitor_512 for site 202, got %v", other)
	}
}
