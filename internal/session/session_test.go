package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/consultahub/portal-client-go/internal/discovery"
	"github.com/consultahub/portal-client-go/internal/gateway"
	"github.com/consultahub/portal-client-go/internal/store"
)

type fixture struct {
	manager *Manager
	cookies *store.CookieStore
	kv      *store.KVStore
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	cookies, err := store.NewCookieStore(dir)
	require.NoError(t, err)
	kv, err := store.NewKVStore(dir)
	require.NoError(t, err)
	t.Cleanup(kv.Close)

	f := &fixture{
		cookies: cookies,
		kv:      kv,
		now:     time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	f.manager = NewManager(Config{
		Cookies: cookies,
		KV:      kv,
		Now:     func() time.Time { return f.now },
	})
	return f
}

func (f *fixture) attachBackend(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	resolver := discovery.NewResolver("http://127.0.0.1:1/closed", srv.URL, &http.Client{Timeout: time.Second})
	gw := gateway.New(gateway.Config{Resolver: resolver, Tokens: f.manager})
	f.manager.SetGateway(gw)
	return srv
}

// seedRecord writes an agreeing session record to both stores with the given
// last-activity age.
func (f *fixture) seedRecord(t *testing.T, age time.Duration) {
	t.Helper()

	principal := Principal{
		ID:     "u-42",
		Login:  "maria",
		Email:  "maria@example.com",
		Role:   RoleSubscriber,
		Status: StatusActive,
	}
	blob, err := json.Marshal(principal)
	require.NoError(t, err)

	record := map[string]string{
		keyToken:        "tok-abc",
		keyUserID:       "u-42",
		keySessionID:    "sess-1",
		keyPrincipal:    string(blob),
		keyLastActivity: strconv.FormatInt(f.now.Add(-age).Unix(), 10),
	}
	require.NoError(t, f.kv.SetMany(kvNamespace, record))
	require.NoError(t, f.cookies.SetMany(record))
}

func TestRestore_FreshSessionAuthenticatesWithoutNetwork(t *testing.T) {
	f := newFixture(t)
	f.seedRecord(t, 29*time.Minute)

	// No gateway attached: any network attempt would panic.
	state := f.manager.Restore()

	assert.Equal(t, StateAuthenticated, state)
	p, ok := f.manager.Principal()
	require.True(t, ok)
	assert.Equal(t, "u-42", p.ID)
	assert.Equal(t, RoleSubscriber, p.Role)
	assert.Equal(t, "tok-abc", f.manager.Token())
}

func TestRestore_ExpiredSessionPurgesBothStores(t *testing.T) {
	f := newFixture(t)
	f.seedRecord(t, 31*time.Minute)

	state := f.manager.Restore()
	assert.Equal(t, StateAnonymous, state)

	pairs, err := f.cookies.Load()
	require.NoError(t, err)
	assert.Empty(t, pairs, "cookie store must be cleared")

	kvPairs, err := f.kv.List(kvNamespace)
	require.NoError(t, err)
	assert.Empty(t, kvPairs, "local store must be cleared")
}

func TestRestore_DisagreeingStoresYieldAnonymous(t *testing.T) {
	f := newFixture(t)
	f.seedRecord(t, time.Minute)

	// Simulate a partially cleared environment: cookie token differs.
	require.NoError(t, f.cookies.SetMany(map[string]string{keyToken: "tok-other"}))

	assert.Equal(t, StateAnonymous, f.manager.Restore())

	kvPairs, err := f.kv.List(kvNamespace)
	require.NoError(t, err)
	assert.Empty(t, kvPairs, "disagreement purges both stores")
}

func TestRestore_EmptyStoresYieldAnonymous(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, StateAnonymous, f.manager.Restore())
}

func TestSignIn_CommitsRecordToBothStores(t *testing.T) {
	f := newFixture(t)
	f.attachBackend(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/auth/login", r.URL.Path)
		w.Write([]byte(`{"success":true,"data":{"token":"tok-new","user":{"id":"u-7","login":"joao","email":"joao@example.com","role":"subscriber","status":"active","plan_name":"premium"}}}`))
	}))

	p, err := f.manager.SignIn(context.Background(), "joao", "secret")
	require.NoError(t, err)
	assert.Equal(t, "u-7", p.ID)
	assert.Equal(t, "premium", p.PlanName)
	assert.Equal(t, StateAuthenticated, f.manager.State())
	assert.Equal(t, "tok-new", f.manager.Token())

	cookiePairs, err := f.cookies.Load()
	require.NoError(t, err)
	kvPairs, err := f.kv.List(kvNamespace)
	require.NoError(t, err)
	assert.Equal(t, "tok-new", cookiePairs[keyToken])
	assert.Equal(t, "tok-new", kvPairs[keyToken])
	assert.Equal(t, cookiePairs[keySessionID], kvPairs[keySessionID])
}

func TestSignIn_RejectionDoesNotTouchState(t *testing.T) {
	f := newFixture(t)
	f.attachBackend(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"success":false,"error":"bad credentials"}`))
	}))

	_, err := f.manager.SignIn(context.Background(), "joao", "wrong")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad credentials")
	assert.NotEqual(t, StateAuthenticated, f.manager.State())
}

func TestSignOut_ClearsLocalStateEvenWhenRemoteFails(t *testing.T) {
	f := newFixture(t)
	f.seedRecord(t, time.Minute)
	require.Equal(t, StateAuthenticated, f.manager.Restore())

	srv := f.attachBackend(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // backend unreachable

	f.manager.SignOut(context.Background())

	assert.Equal(t, StateAnonymous, f.manager.State())
	assert.Empty(t, f.manager.Token())

	// A fresh manager over the same stores restores to anonymous.
	again := NewManager(Config{Cookies: f.cookies, KV: f.kv, Now: func() time.Time { return f.now }})
	assert.Equal(t, StateAnonymous, again.Restore())
}

func TestCheck_LazyExpiryDuringRun(t *testing.T) {
	f := newFixture(t)
	f.seedRecord(t, time.Minute)
	require.Equal(t, StateAuthenticated, f.manager.Restore())

	f.now = f.now.Add(31 * time.Minute)
	assert.Equal(t, StateAnonymous, f.manager.Check())
	assert.Empty(t, f.manager.Token())
}

func TestTouch_ExtendsTheWindow(t *testing.T) {
	f := newFixture(t)
	f.seedRecord(t, time.Minute)
	require.Equal(t, StateAuthenticated, f.manager.Restore())

	f.now = f.now.Add(20 * time.Minute)
	f.manager.Touch()

	f.now = f.now.Add(20 * time.Minute)
	assert.Equal(t, StateAuthenticated, f.manager.Check(), "activity 20 minutes ago keeps the session alive")

	f.now = f.now.Add(11 * time.Minute)
	assert.Equal(t, StateAnonymous, f.manager.Check())
}

func TestTouch_PersistsAcrossRestart(t *testing.T) {
	f := newFixture(t)
	f.seedRecord(t, 25*time.Minute)
	require.Equal(t, StateAuthenticated, f.manager.Restore())

	f.manager.Touch()
	f.now = f.now.Add(29 * time.Minute)

	again := NewManager(Config{Cookies: f.cookies, KV: f.kv, Now: func() time.Time { return f.now }})
	assert.Equal(t, StateAuthenticated, again.Restore(), "touched session restores within the refreshed window")
}
