package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/xenking/gatekeeper/internal/domain/auth"
	"github.com/xenking/gatekeeper/internal/domain/identity"
	"github.com/xenking/gatekeeper/internal/domain/role"
	"github.com/xenking/gatekeeper/internal/secret"
	"github.com/xenking/gatekeeper/internal/storage/memory"
	"github.com/xenking/gatekeeper/internal/token"
)

// --- Helpers ---

const testRoles = `default_role: USER
roles:
  USER: [read]
  ADMIN: [read, write, catalog:reload, token:revoke]
`

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testEnv struct {
	server    *httptest.Server
	clock     *clock
	dir       *memory.Directory
	rolesPath string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	rolesPath := filepath.Join(t.TempDir(), "roles.yaml")
	require.NoError(t, os.WriteFile(rolesPath, []byte(testRoles), 0o600))
	catalog := role.NewTable(role.FileSource(rolesPath))
	require.NoError(t, catalog.Reload(ctx))

	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	keys, err := token.NewKeyHolder(bytes.Repeat([]byte{'k'}, token.MinKeyLength))
	require.NoError(t, err)
	deny := token.NewDenyList(64, clk.Now)
	codec := token.NewCodec(keys, token.WithClock(clk.Now), token.WithRevocations(deny))

	dir := memory.NewDirectory()
	hasher := secret.NewHasher(bcrypt.MinCost)
	svc, err := auth.NewService(dir, catalog, hasher, codec, time.Hour)
	require.NoError(t, err)

	h, err := NewHandler(Config{
		Auth:     svc,
		Codec:    codec,
		Keys:     keys,
		Catalog:  catalog,
		DenyList: deny,
	})
	require.NoError(t, err)

	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &testEnv{server: srv, clock: clk, dir: dir, rolesPath: rolesPath}
}

// addUser stores a user directly, bypassing registration.
func (e *testEnv) addUser(t *testing.T, username, plain string, roles ...string) {
	t.Helper()
	hash, err := secret.NewHasher(bcrypt.MinCost).Hash(plain)
	require.NoError(t, err)
	_, err = e.dir.Save(context.Background(), identity.Record{Username: username, SecretHash: hash, Roles: roles})
	require.NoError(t, err)
}

func (e *testEnv) do(t *testing.T, method, path, bearer string, body any) (int, map[string]any) {
	t.Helper()

	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(context.Background(), method, e.server.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := e.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

func (e *testEnv) login(t *testing.T, username, plain string) string {
	t.Helper()
	status, body := e.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"identifier": username,
		"secret":     plain,
	})
	require.Equal(t, http.StatusOK, status, "login %s: %v", username, body)
	return body["token"].(string)
}

// --- Tests ---

func TestRegisterAndAccess(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"identifier": "bob",
		"secret":     "secret123",
	})
	require.Equal(t, http.StatusCreated, status, "%v", body)
	assert.Equal(t, "Bearer", body["tokenType"])
	assert.Equal(t, "bob", body["username"])
	assert.Equal(t, []any{"USER"}, body["roles"])
	assert.Equal(t, []any{"read"}, body["scopes"])
	assert.Equal(t, "2026-03-01T13:00:00Z", body["expiresAt"])
	tok := body["token"].(string)
	require.NotEmpty(t, tok)

	status, body = env.do(t, http.MethodGet, "/api/me", tok, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "bob", body["username"])

	status, body = env.do(t, http.MethodGet, "/api/admin/roles", tok, nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "forbidden", body["message"])
}

func TestRegister_Errors(t *testing.T) {
	env := newTestEnv(t)

	status, _ := env.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{"identifier": "alice", "secret": "p@ss"})
	require.Equal(t, http.StatusCreated, status)

	status, body := env.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{"identifier": "alice", "secret": "other"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, float64(http.StatusConflict), body["code"])

	status, _ = env.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{"identifier": "  ", "secret": "x"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = env.do(t, http.MethodPost, "/api/auth/register", "", `{"identifier":`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = env.do(t, http.MethodPost, "/api/auth/register", "", `["alice"]`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestRegister_OmitsEmptyFields(t *testing.T) {
	env := newTestEnv(t)

	// A catalog whose default role grants nothing.
	require.NoError(t, os.WriteFile(env.rolesPath, []byte("default_role: GUEST\nroles:\n  GUEST: []\n"), 0o600))
	env.addUser(t, "root", "root-pw", "ADMIN")
	status, _ := env.do(t, http.MethodPost, "/api/admin/catalog/reload", env.login(t, "root", "root-pw"), nil)
	require.Equal(t, http.StatusNoContent, status)

	status, body := env.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{"identifier": "guest", "secret": "pw"})
	require.Equal(t, http.StatusCreated, status)
	assert.NotContains(t, body, "scopes")
	assert.Equal(t, []any{"GUEST"}, body["roles"])
}

func TestLogin_UniformFailure(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "alice", "right", "USER")

	ghostStatus, ghostBody := env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"identifier": "ghost", "secret": "anything"})
	wrongStatus, wrongBody := env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"identifier": "alice", "secret": "wrong"})

	assert.Equal(t, http.StatusUnauthorized, ghostStatus)
	assert.Equal(t, ghostStatus, wrongStatus)
	assert.Equal(t, ghostBody, wrongBody)

	// username/password aliases are accepted.
	status, _ := env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"username": "alice", "password": "right"})
	assert.Equal(t, http.StatusOK, status)
}

func TestAuthenticate_UniformRejection(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "bob", "pw", "USER")
	tok := env.login(t, "bob", "pw")

	tampered := []byte(tok)
	mid := len(tampered) / 2
	if tampered[mid] == 'A' {
		tampered[mid] = 'B'
	} else {
		tampered[mid] = 'A'
	}

	cases := map[string]string{
		"garbage":  "not-a-token",
		"tampered": string(tampered),
		"truncated": tok[:len(tok)-4],
	}

	_, want := env.do(t, http.MethodGet, "/api/me", "garbage", nil)
	for name, bearer := range cases {
		t.Run(name, func(t *testing.T) {
			status, body := env.do(t, http.MethodGet, "/api/me", bearer, nil)
			assert.Equal(t, http.StatusUnauthorized, status)
			assert.Equal(t, want, body)
		})
	}

	t.Run("missing header", func(t *testing.T) {
		status, body := env.do(t, http.MethodGet, "/api/me", "", nil)
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Equal(t, want, body)
	})

	t.Run("wrong scheme", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, env.server.URL+"/api/me", nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Basic "+tok)
		resp, err := env.server.Client().Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Bearer")
	})

	t.Run("expired", func(t *testing.T) {
		env.clock.Advance(time.Hour)
		status, body := env.do(t, http.MethodGet, "/api/me", tok, nil)
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Equal(t, want, body)
	})
}

func TestAdmin(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "root", "root-pw", "ADMIN", "USER")
	env.addUser(t, "bob", "bob-pw", "USER")
	admin := env.login(t, "root", "root-pw")

	t.Run("roles", func(t *testing.T) {
		status, body := env.do(t, http.MethodGet, "/api/admin/roles", admin, nil)
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, "USER", body["defaultRole"])
		roles := body["roles"].(map[string]any)
		assert.Equal(t, []any{"read"}, roles["USER"])
	})

	t.Run("revoke", func(t *testing.T) {
		bob := env.login(t, "bob", "bob-pw")

		status, _ := env.do(t, http.MethodPost, "/api/admin/tokens/revoke", bob, map[string]string{"token": bob})
		require.Equal(t, http.StatusForbidden, status)

		status, _ = env.do(t, http.MethodPost, "/api/admin/tokens/revoke", admin, map[string]string{"token": bob})
		require.Equal(t, http.StatusNoContent, status)

		status, _ = env.do(t, http.MethodGet, "/api/me", bob, nil)
		assert.Equal(t, http.StatusUnauthorized, status)

		status, _ = env.do(t, http.MethodPost, "/api/admin/tokens/revoke", admin, map[string]string{"token": "junk"})
		assert.Equal(t, http.StatusBadRequest, status)

		// A fresh login is unaffected.
		status, _ = env.do(t, http.MethodGet, "/api/me", env.login(t, "bob", "bob-pw"), nil)
		assert.Equal(t, http.StatusOK, status)
	})

	t.Run("catalog reload", func(t *testing.T) {
		updated := strings.Replace(testRoles, "USER: [read]", "USER: [read, comment]", 1)
		require.NoError(t, os.WriteFile(env.rolesPath, []byte(updated), 0o600))

		status, _ := env.do(t, http.MethodPost, "/api/admin/catalog/reload", admin, nil)
		require.Equal(t, http.StatusNoContent, status)

		status, body := env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"identifier": "bob", "secret": "bob-pw"})
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, []any{"comment", "read"}, body["scopes"])

		require.NoError(t, os.WriteFile(env.rolesPath, []byte("default_role: NOPE\nroles: {}\n"), 0o600))
		status, _ = env.do(t, http.MethodPost, "/api/admin/catalog/reload", admin, nil)
		assert.Equal(t, http.StatusUnprocessableEntity, status)

		status, body = env.do(t, http.MethodGet, "/api/admin/roles", admin, nil)
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, "USER", body["defaultRole"])
	})

	t.Run("rotate key", func(t *testing.T) {
		status, body := env.do(t, http.MethodPost, "/api/admin/keys/rotate", admin, nil)
		require.Equal(t, http.StatusOK, status)
		assert.NotEmpty(t, body["kid"])

		status, _ = env.do(t, http.MethodGet, "/api/admin/roles", admin, nil)
		assert.Equal(t, http.StatusUnauthorized, status)

		fresh := env.login(t, "root", "root-pw")
		status, _ = env.do(t, http.MethodGet, "/api/admin/roles", fresh, nil)
		assert.Equal(t, http.StatusOK, status)
	})
}

func TestRevoke_Disabled(t *testing.T) {
	keys, err := token.NewKeyHolder(bytes.Repeat([]byte{'k'}, token.MinKeyLength))
	require.NoError(t, err)
	codec := token.NewCodec(keys)
	catalog, err := role.NewStaticTable(&role.Mapping{DefaultRole: "ADMIN", Roles: map[string][]string{"ADMIN": {"token:revoke"}}})
	require.NoError(t, err)

	h, err := NewHandler(Config{Codec: codec, Keys: keys, Catalog: catalog})
	require.NoError(t, err)
	mux := http.NewServeMux()
	h.Register(mux)

	raw, _, err := codec.Issue("root", []string{"ADMIN"}, []string{"token:revoke"}, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/admin/tokens/revoke", strings.NewReader(`{"token":"x"}`))
	req.Header.Set("Authorization", "bearer "+raw)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestMapAuthError(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{auth.ErrInvalidCredentials, http.StatusUnauthorized},
		{auth.ErrUsernameTaken, http.StatusConflict},
		{auth.ErrInvalidInput, http.StatusBadRequest},
		{auth.ErrDirectoryUnavailable, http.StatusServiceUnavailable},
		{&auth.IssueError{Username: "x", Err: role.ErrNotLoaded}, http.StatusInternalServerError},
		{context.Canceled, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		status, msg := mapAuthError(tt.err)
		assert.Equal(t, tt.status, status, "%v", tt.err)
		assert.NotEmpty(t, msg)
	}
}
