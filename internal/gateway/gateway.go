// Package gateway issues HTTP calls against the portal backend. It resolves
// the base URL through the discovery client, deduplicates identical
// in-flight requests, keeps a short-lived response cache, and parses bodies
// defensively so an HTML error page never surfaces as a panic.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/consultahub/portal-client-go/internal/discovery"
	perrors "github.com/consultahub/portal-client-go/internal/errors"
	"github.com/consultahub/portal-client-go/internal/metrics"
)

// TokenSource supplies the current bearer token; the session manager
// implements it. An empty token means the call goes out unauthenticated.
type TokenSource interface {
	Token() string
}

// DefaultCacheWindow is how long an in-flight or completed request entry is
// shared with identical callers.
const DefaultCacheWindow = 5 * time.Second

const maxBodyBytes = 1 << 20

// Config configures the gateway.
type Config struct {
	Resolver    *discovery.Resolver
	Client      *http.Client
	Tokens      TokenSource
	CacheWindow time.Duration
	// Now returns the current time; injectable for tests
	Now func() time.Time
}

// Gateway is the single path every remote call takes.
type Gateway struct {
	resolver    *discovery.Resolver
	client      *http.Client
	tokens      TokenSource
	cacheWindow time.Duration
	now         func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingEntry
}

// pendingEntry is one shared in-flight (or recently completed) request.
// At most one entry exists per key; done is closed when the result fields
// are populated.
type pendingEntry struct {
	done      chan struct{}
	env       Envelope
	err       error
	createdAt time.Time
}

// New creates a gateway.
func New(cfg Config) *Gateway {
	if cfg.Resolver == nil {
		panic("gateway: resolver is required")
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	window := cfg.CacheWindow
	if window <= 0 {
		window = DefaultCacheWindow
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Gateway{
		resolver:    cfg.Resolver,
		client:      client,
		tokens:      cfg.Tokens,
		cacheWindow: window,
		now:         now,
		pending:     make(map[string]*pendingEntry),
	}
}

// Do performs a request against the backend. body may be nil; otherwise it
// is JSON-encoded. Identical concurrent calls (same method, resolved URL and
// body) share one network request and one result.
//
// Error contract: a transport failure or an unparseable non-2xx body returns
// an error; a parseable {success:false} body of any status returns a normal
// Envelope with Success=false and no error.
func (g *Gateway) Do(ctx context.Context, method, endpoint string, body interface{}) (Envelope, error) {
	baseURL := g.resolver.ResolveBaseURL(ctx)
	absURL := baseURL + "/" + strings.TrimPrefix(endpoint, "/")

	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return Envelope{}, perrors.WrapValidationError("encode_request", err)
		}
	}

	key := method + " " + absURL + " " + string(bodyBytes)

	g.mu.Lock()
	if entry, ok := g.pending[key]; ok && g.now().Sub(entry.createdAt) < g.cacheWindow {
		g.mu.Unlock()
		metrics.GatewayDedupHits.Inc()
		return g.await(ctx, entry)
	}

	entry := &pendingEntry{done: make(chan struct{}), createdAt: g.now()}
	g.pending[key] = entry
	g.mu.Unlock()

	// Entries self-expire after the cache window regardless of outcome.
	time.AfterFunc(g.cacheWindow, func() { g.evict(key, entry) })

	go func() {
		env, err := g.execute(ctx, method, absURL, endpoint, bodyBytes)
		entry.env = env
		entry.err = err
		if err != nil {
			// A poisoned cache slot must not block a legitimate retry.
			g.evict(key, entry)
		}
		close(entry.done)
	}()

	return g.await(ctx, entry)
}

// Get is shorthand for Do with GET and no body.
func (g *Gateway) Get(ctx context.Context, endpoint string) (Envelope, error) {
	return g.Do(ctx, http.MethodGet, endpoint, nil)
}

// Post is shorthand for Do with POST.
func (g *Gateway) Post(ctx context.Context, endpoint string, body interface{}) (Envelope, error) {
	return g.Do(ctx, http.MethodPost, endpoint, body)
}

func (g *Gateway) await(ctx context.Context, entry *pendingEntry) (Envelope, error) {
	select {
	case <-entry.done:
		return entry.env, entry.err
	case <-ctx.Done():
		// The underlying request keeps running and still populates the
		// shared entry for other callers.
		return Envelope{}, ctx.Err()
	}
}

func (g *Gateway) evict(key string, entry *pendingEntry) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if current, ok := g.pending[key]; ok && current == entry {
		delete(g.pending, key)
	}
}

// ClearCache drops every pending entry so the next call of any key hits the
// network. Callers use it to force freshness after a mutation.
func (g *Gateway) ClearCache() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending = make(map[string]*pendingEntry)
}

// execute performs the actual HTTP round-trip. The detached context keeps
// the call alive past a single caller abandoning it.
func (g *Gateway) execute(ctx context.Context, method, absURL, endpoint string, bodyBytes []byte) (Envelope, error) {
	var reader io.Reader
	if bodyBytes != nil {
		reader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), method, absURL, reader)
	if err != nil {
		return Envelope{}, perrors.WrapValidationError("build_request", err)
	}
	req.Header.Set("Accept", "application/json")
	if bodyBytes != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.tokens != nil {
		if token := g.tokens.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := g.client.Do(req)
	if err != nil {
		metrics.GatewayRequests.WithLabelValues("transport_error").Inc()
		return Envelope{}, perrors.WrapConnectionError("request", endpoint, err)
	}
	defer resp.Body.Close()

	// Read as text first; parse only afterwards so a PHP warning or HTML
	// error page becomes a typed parse failure, never a decoder panic.
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		metrics.GatewayRequests.WithLabelValues("transport_error").Inc()
		return Envelope{}, perrors.WrapConnectionError("read_response", endpoint, err)
	}

	var env Envelope
	if jsonErr := json.Unmarshal(raw, &env); jsonErr != nil {
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			metrics.GatewayRequests.WithLabelValues("parse_error").Inc()
			return Envelope{}, perrors.NewParseError(endpoint, string(raw), jsonErr)
		}
		// Non-2xx and unparseable: the only case the gateway throws a
		// status error.
		metrics.GatewayRequests.WithLabelValues("transport_error").Inc()
		perr := perrors.NewPortalError(perrors.ErrorTypeConnection, "request", endpoint,
			fmt.Errorf("status %d with unparseable body", resp.StatusCode)).WithStatusCode(resp.StatusCode)
		return Envelope{}, perr
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Structured backend rejection: normalize to a non-throwing
		// {success:false} result.
		env.Success = false
		if env.Error == "" && env.Message == "" {
			env.Message = http.StatusText(resp.StatusCode)
		}
		log.Debug().
			Str("endpoint", endpoint).
			Int("status", resp.StatusCode).
			Str("error", env.ErrorMessage()).
			Msg("Backend rejected request")
		metrics.GatewayRequests.WithLabelValues("business_error").Inc()
		return env, nil
	}

	if env.Success {
		metrics.GatewayRequests.WithLabelValues("ok").Inc()
	} else {
		metrics.GatewayRequests.WithLabelValues("business_error").Inc()
	}
	return env, nil
}
