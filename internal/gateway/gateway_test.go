package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/consultahub/portal-client-go/internal/discovery"
	perrors "github.com/consultahub/portal-client-go/internal/errors"
)

type staticTokens string

func (s staticTokens) Token() string { return string(s) }

func newTestGateway(t *testing.T, handler http.Handler, window time.Duration) (*Gateway, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	// Point the resolver's fallback at the test server; no discovery probe
	// is needed because an unreachable discovery URL falls back.
	resolver := discovery.NewResolver("http://127.0.0.1:1/closed", srv.URL, &http.Client{Timeout: time.Second})
	g := New(Config{
		Resolver:    resolver,
		Tokens:      staticTokens("test-token"),
		CacheWindow: window,
	})
	return g, srv
}

func TestDo_DeduplicatesConcurrentIdenticalRequests(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	g, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		<-release
		w.Write([]byte(`{"success":true,"data":{"value":42}}`))
	}), time.Minute)

	const callers = 10
	envs := make([]Envelope, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			envs[i], errs[i] = g.Post(context.Background(), "/billing/recharge", map[string]string{"ref": "abc"})
		}(i)
	}

	// Let all callers pile onto the single in-flight entry before completing.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "identical concurrent POSTs must collapse into one call")
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.True(t, envs[i].Success)
	}
}

func TestDo_DifferentBodiesAreNotDeduplicated(t *testing.T) {
	var calls int32
	g, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{"success":true}`))
	}), time.Minute)

	_, err := g.Post(context.Background(), "/billing/recharge", map[string]string{"ref": "a"})
	require.NoError(t, err)
	_, err = g.Post(context.Background(), "/billing/recharge", map[string]string{"ref": "b"})
	require.NoError(t, err)

	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestDo_CacheExpiryTriggersFreshCall(t *testing.T) {
	var calls int32
	g, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{"success":true}`))
	}), 50*time.Millisecond)

	_, err := g.Get(context.Background(), "/wallet/balance")
	require.NoError(t, err)

	// Within the window: served from the shared entry
	_, err = g.Get(context.Background(), "/wallet/balance")
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	time.Sleep(80 * time.Millisecond)

	_, err = g.Get(context.Background(), "/wallet/balance")
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls), "a request after the cache window must hit the network")
}

func TestDo_ClearCacheForcesFreshness(t *testing.T) {
	var calls int32
	g, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{"success":true}`))
	}), time.Minute)

	g.Get(context.Background(), "/wallet/balance")
	g.ClearCache()
	g.Get(context.Background(), "/wallet/balance")

	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestDo_NonJSONBodyYieldsTypedParseError(t *testing.T) {
	g, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<br />\n<b>Warning</b>: Undefined variable $saldo in /var/www/api.php on line 87"))
	}), time.Minute)

	_, err := g.Get(context.Background(), "/wallet/balance")
	require.Error(t, err)

	var parseErr *perrors.ParseError
	require.True(t, errors.As(err, &parseErr), "expected ParseError, got %T", err)
	assert.True(t, errors.Is(err, perrors.ErrMalformedBody))
	assert.Contains(t, parseErr.Preview, "Undefined variable")
	assert.LessOrEqual(t, len(parseErr.Preview), 170, "preview must stay bounded")
}

func TestDo_Non2xxParseableBodyIsNotAnError(t *testing.T) {
	g, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"success":false,"error":"insufficient balance"}`))
	}), time.Minute)

	env, err := g.Post(context.Background(), "/wallet/debit", map[string]string{"amount": "10.00"})
	require.NoError(t, err, "parseable business rejections are normal results")
	assert.False(t, env.Success)
	assert.Equal(t, "insufficient balance", env.ErrorMessage())
}

func TestDo_Non2xxUnparseableBodyThrows(t *testing.T) {
	g, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("<html>502 Bad Gateway</html>"))
	}), time.Minute)

	_, err := g.Get(context.Background(), "/wallet/balance")
	require.Error(t, err)

	var perr *perrors.PortalError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, http.StatusBadGateway, perr.StatusCode)
}

func TestDo_ErrorEvictsCacheEntry(t *testing.T) {
	var calls int32
	g, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.Write([]byte("not json at all"))
			return
		}
		w.Write([]byte(`{"success":true}`))
	}), time.Minute)

	_, err := g.Get(context.Background(), "/wallet/balance")
	require.Error(t, err)

	// The failed entry must not poison the slot: an immediate retry goes out.
	env, err := g.Get(context.Background(), "/wallet/balance")
	require.NoError(t, err)
	assert.True(t, env.Success)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestDo_AttachesBearerToken(t *testing.T) {
	var got string
	g, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		w.Write([]byte(`{"success":true}`))
	}), time.Minute)

	_, err := g.Get(context.Background(), "/me")
	require.NoError(t, err)
	assert.Equal(t, "Bearer test-token", got)
}

func TestDo_AbandonedCallerStillPopulatesSharedEntry(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	g, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		<-release
		w.Write([]byte(`{"success":true}`))
	}), time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := g.Get(ctx, "/history")
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	close(release)

	// The underlying request completed and the entry is shared.
	env, err := g.Get(context.Background(), "/history")
	require.NoError(t, err)
	assert.True(t, env.Success)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestEnvelope_DecodeData(t *testing.T) {
	env := Envelope{Success: true, Data: []byte(`{"wallet":"80.00"}`)}

	var out struct {
		Wallet string `json:"wallet"`
	}
	require.NoError(t, env.DecodeData(&out))
	assert.Equal(t, "80.00", out.Wallet)

	failed := Envelope{Success: false, Error: "nope"}
	assert.Error(t, failed.DecodeData(&out))
}
