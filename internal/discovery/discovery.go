// Package discovery resolves the backend base URL from the well-known
// discovery endpoint. Resolution happens at most once per process: the first
// caller probes, concurrent callers share that probe, and the outcome
// (including the hard-coded fallback) is memoized for the process lifetime.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Source records how the base URL was obtained.
type Source string

const (
	SourceDiscovery Source = "discovery"
	SourceFallback  Source = "fallback"
)

// Resolver memoizes the backend base URL.
type Resolver struct {
	discoveryURL string
	defaultURL   string
	client       *http.Client

	group singleflight.Group

	mu       sync.RWMutex
	resolved string
	source   Source
	done     bool
}

// NewResolver creates a resolver. client may be nil, in which case a client
// with a short timeout is used; discovery must never hang the application.
func NewResolver(discoveryURL, defaultURL string, client *http.Client) *Resolver {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Resolver{
		discoveryURL: discoveryURL,
		defaultURL:   strings.TrimSuffix(defaultURL, "/"),
		client:       client,
	}
}

type discoveryEnvelope struct {
	Success bool `json:"success"`
	Data    struct {
		APIURL string `json:"api_url"`
	} `json:"data"`
}

// ResolveBaseURL returns the backend base URL. It never returns an error:
// a failed or malformed probe memoizes the hard-coded default instead.
func (r *Resolver) ResolveBaseURL(ctx context.Context) string {
	r.mu.RLock()
	if r.done {
		url := r.resolved
		r.mu.RUnlock()
		return url
	}
	r.mu.RUnlock()

	// All concurrent first callers share one probe.
	v, _, _ := r.group.Do("base-url", func() (interface{}, error) {
		// Re-check: a previous group call may have completed between the
		// read-lock release and entering the group.
		r.mu.RLock()
		if r.done {
			url := r.resolved
			r.mu.RUnlock()
			return url, nil
		}
		r.mu.RUnlock()

		url, source := r.probe(ctx)

		r.mu.Lock()
		r.resolved = url
		r.source = source
		r.done = true
		r.mu.Unlock()

		log.Info().
			Str("baseUrl", url).
			Str("source", string(source)).
			Msg("Backend base URL resolved")
		return url, nil
	})
	return v.(string)
}

func (r *Resolver) probe(ctx context.Context) (string, Source) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.discoveryURL, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Discovery request invalid, using fallback URL")
		return r.defaultURL, SourceFallback
	}

	resp, err := r.client.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("url", r.discoveryURL).Msg("Discovery probe failed, using fallback URL")
		return r.defaultURL, SourceFallback
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		log.Warn().Err(err).Msg("Discovery body unreadable, using fallback URL")
		return r.defaultURL, SourceFallback
	}

	var env discoveryEnvelope
	if err := json.Unmarshal(body, &env); err != nil || !env.Success || strings.TrimSpace(env.Data.APIURL) == "" {
		if err == nil {
			err = fmt.Errorf("envelope missing api_url")
		}
		log.Warn().Err(err).Int("status", resp.StatusCode).Msg("Discovery response malformed, using fallback URL")
		return r.defaultURL, SourceFallback
	}

	return strings.TrimSuffix(strings.TrimSpace(env.Data.APIURL), "/"), SourceDiscovery
}

// Source reports how the memoized URL was obtained; empty until resolved.
func (r *Resolver) Source() Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.source
}
