// Package session owns the authenticated principal. It persists the session
// record redundantly in the cookie store and the local key-value store,
// restores it across restarts without a network round-trip, and enforces the
// rolling 30-minute inactivity window lazily.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/consultahub/portal-client-go/internal/gateway"
	"github.com/consultahub/portal-client-go/internal/store"
)

// InactivityWindow is the client-owned session expiry window.
const InactivityWindow = 30 * time.Minute

// Role is the closed set of portal roles.
type Role string

const (
	RoleSubscriber Role = "subscriber"
	RoleSupport    Role = "support"
	RoleAdmin      Role = "admin"
)

// Status is the account lifecycle status.
type Status string

const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusSuspended Status = "suspended"
	StatusPending   Status = "pending"
)

// Principal is the authenticated user. It is owned exclusively by the
// Manager and mutated only through sign-in, sign-out and profile refresh.
type Principal struct {
	ID             string    `json:"id"`
	Login          string    `json:"login"`
	Email          string    `json:"email"`
	Role           Role      `json:"role"`
	Status         Status    `json:"status"`
	PlanName       string    `json:"planName"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// State is the lifecycle state of the session manager.
type State int

const (
	StateUninitialized State = iota
	StateRestoring
	StateAuthenticated
	StateAnonymous
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateRestoring:
		return "restoring"
	case StateAuthenticated:
		return "authenticated"
	case StateAnonymous:
		return "anonymous"
	default:
		return "unknown"
	}
}

// Persistence keys. The same names are used in both stores so disagreement
// is a straight field comparison.
const (
	kvNamespace = "session"

	keyToken        = "portal_token"
	keyUserID       = "portal_user_id"
	keySessionID    = "portal_session_id"
	keyPrincipal    = "portal_principal"
	keyLastActivity = "portal_last_activity"
)

// Config configures the session manager.
type Config struct {
	Gateway *gateway.Gateway
	Cookies *store.CookieStore
	KV      *store.KVStore
	// Window overrides InactivityWindow; zero means the default
	Window time.Duration
	// Now returns the current time; injectable for tests
	Now func() time.Time
}

// Manager is the session lifecycle manager. It implements
// gateway.TokenSource.
type Manager struct {
	gw      *gateway.Gateway
	cookies *store.CookieStore
	kv      *store.KVStore
	window  time.Duration
	now     func() time.Time

	mu        sync.Mutex
	state     State
	principal *Principal
	token     string
	sessionID string
}

// NewManager creates a session manager in the uninitialized state.
func NewManager(cfg Config) *Manager {
	window := cfg.Window
	if window <= 0 {
		window = InactivityWindow
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		gw:      cfg.Gateway,
		cookies: cfg.Cookies,
		kv:      cfg.KV,
		window:  window,
		now:     now,
		state:   StateUninitialized,
	}
}

// SetGateway attaches the gateway after construction. The manager is the
// gateway's token source, so the two are built in sequence.
func (m *Manager) SetGateway(gw *gateway.Gateway) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gw = gw
}

// Restore loads the persisted session record. Both stores must agree and the
// inactivity window must not have elapsed; otherwise every local trace is
// purged and the session is anonymous. No network call is made either way.
func (m *Manager) Restore() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state = StateRestoring

	cookiePairs, err := m.cookies.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Cookie store unreadable during restore")
		return m.purgeLocked("cookie store unreadable")
	}
	kvPairs, err := m.kv.List(kvNamespace)
	if err != nil {
		log.Warn().Err(err).Msg("Local store unreadable during restore")
		return m.purgeLocked("local store unreadable")
	}

	token := cookiePairs[keyToken]
	if token == "" || kvPairs[keyToken] == "" {
		return m.purgeLocked("no persisted session")
	}

	// Both stores must hold the same record; a partially cleared
	// environment is treated as no session at all.
	if token != kvPairs[keyToken] ||
		cookiePairs[keyUserID] != kvPairs[keyUserID] ||
		cookiePairs[keySessionID] != kvPairs[keySessionID] {
		return m.purgeLocked("session stores disagree")
	}

	var principal Principal
	if err := json.Unmarshal([]byte(kvPairs[keyPrincipal]), &principal); err != nil {
		return m.purgeLocked("persisted principal unreadable")
	}

	lastActivity, err := parseUnix(kvPairs[keyLastActivity])
	if err != nil {
		return m.purgeLocked("persisted activity timestamp unreadable")
	}

	if m.now().Sub(lastActivity) >= m.window {
		log.Info().
			Str("userId", principal.ID).
			Time("lastActivity", lastActivity).
			Msg("Persisted session expired, discarding")
		return m.purgeLocked("inactivity window elapsed")
	}

	principal.LastActivityAt = lastActivity
	m.principal = &principal
	m.token = token
	m.sessionID = kvPairs[keySessionID]
	m.state = StateAuthenticated

	log.Info().
		Str("userId", principal.ID).
		Str("role", string(principal.Role)).
		Msg("Session restored without network round-trip")
	return m.state
}

// purgeLocked clears both stores and moves to anonymous. Both stores are
// always cleared together, never one without the other.
func (m *Manager) purgeLocked(reason string) State {
	if err := m.cookies.Clear(); err != nil {
		log.Warn().Err(err).Msg("Failed to clear cookie store")
	}
	if err := m.kv.ClearNamespace(kvNamespace); err != nil {
		log.Warn().Err(err).Msg("Failed to clear local session store")
	}
	m.principal = nil
	m.token = ""
	m.sessionID = ""
	m.state = StateAnonymous
	log.Debug().Str("reason", reason).Msg("Session is anonymous")
	return m.state
}

type loginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type loginData struct {
	Token string `json:"token"`
	User  struct {
		ID       string `json:"id"`
		Login    string `json:"login"`
		Email    string `json:"email"`
		Role     string `json:"role"`
		Status   string `json:"status"`
		PlanName string `json:"plan_name"`
	} `json:"user"`
}

// SignIn authenticates against the backend and commits the session record as
// one logical step: either both stores hold the full record afterwards, or
// neither does.
func (m *Manager) SignIn(ctx context.Context, login, password string) (*Principal, error) {
	env, err := m.gw.Post(ctx, "/auth/login", loginRequest{Login: login, Password: password})
	if err != nil {
		return nil, fmt.Errorf("sign in: %w", err)
	}
	if !env.Success {
		return nil, fmt.Errorf("sign in rejected: %s", env.ErrorMessage())
	}

	var data loginData
	if err := env.DecodeData(&data); err != nil {
		return nil, fmt.Errorf("sign in: %w", err)
	}
	if data.Token == "" {
		return nil, fmt.Errorf("sign in: backend returned empty token")
	}

	now := m.now()
	principal := &Principal{
		ID:             data.User.ID,
		Login:          data.User.Login,
		Email:          data.User.Email,
		Role:           Role(data.User.Role),
		Status:         Status(data.User.Status),
		PlanName:       data.User.PlanName,
		LastActivityAt: now,
	}
	sessionID := uuid.New().String()

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.persistLocked(principal, data.Token, sessionID); err != nil {
		// Partial writes must not survive: roll both stores back to empty.
		m.purgeLocked("sign-in persistence failed")
		return nil, fmt.Errorf("sign in: persist session: %w", err)
	}

	m.principal = principal
	m.token = data.Token
	m.sessionID = sessionID
	m.state = StateAuthenticated

	log.Info().
		Str("userId", principal.ID).
		Str("role", string(principal.Role)).
		Msg("Signed in")
	return principal, nil
}

func (m *Manager) persistLocked(principal *Principal, token, sessionID string) error {
	blob, err := json.Marshal(principal)
	if err != nil {
		return fmt.Errorf("encode principal: %w", err)
	}

	record := map[string]string{
		keyToken:        token,
		keyUserID:       principal.ID,
		keySessionID:    sessionID,
		keyPrincipal:    string(blob),
		keyLastActivity: strconv.FormatInt(principal.LastActivityAt.UTC().Unix(), 10),
	}

	// The KV write is transactional; the cookie write is atomic via rename.
	if err := m.kv.SetMany(kvNamespace, record); err != nil {
		return err
	}
	if err := m.cookies.SetMany(record); err != nil {
		return err
	}
	return nil
}

// SignOut informs the backend best-effort, then unconditionally clears every
// local trace. Local cleanup happens even when the remote call fails.
func (m *Manager) SignOut(ctx context.Context) {
	env, err := m.gw.Post(ctx, "/auth/logout", nil)
	switch {
	case err != nil:
		log.Warn().Err(err).Msg("Remote logout failed, clearing local session anyway")
	case !env.Success:
		log.Warn().Str("error", env.ErrorMessage()).Msg("Remote logout rejected, clearing local session anyway")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeLocked("signed out")
	log.Info().Msg("Signed out")
}

// Touch stamps the current time as the last activity and persists it to both
// stores. Every authenticated action routes through this.
func (m *Manager) Touch() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateAuthenticated || m.principal == nil {
		return
	}

	now := m.now()
	m.principal.LastActivityAt = now
	stamp := strconv.FormatInt(now.UTC().Unix(), 10)

	if err := m.kv.Set(kvNamespace, keyLastActivity, stamp); err != nil {
		log.Warn().Err(err).Msg("Failed to persist activity timestamp")
	}
	if err := m.cookies.SetMany(map[string]string{keyLastActivity: stamp}); err != nil {
		log.Warn().Err(err).Msg("Failed to persist activity cookie")
	}
}

// Check lazily evaluates expiry: an authenticated session whose inactivity
// window has elapsed silently becomes anonymous. No timer ever fires in the
// background.
func (m *Manager) Check() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateAuthenticated && m.principal != nil {
		if m.now().Sub(m.principal.LastActivityAt) >= m.window {
			return m.purgeLocked("inactivity window elapsed")
		}
	}
	return m.state
}

// State returns the current lifecycle state without evaluating expiry.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Principal returns a copy of the authenticated principal.
func (m *Manager) Principal() (Principal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateAuthenticated || m.principal == nil {
		return Principal{}, false
	}
	return *m.principal, true
}

// Token implements gateway.TokenSource. An expired session yields an empty
// token, so no stale bearer header ever goes out.
func (m *Manager) Token() string {
	if m.Check() != StateAuthenticated {
		return ""
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// RefreshProfile re-reads the principal from the backend and persists the
// updated record. The token and session id are untouched.
func (m *Manager) RefreshProfile(ctx context.Context) error {
	env, err := m.gw.Get(ctx, "/me")
	if err != nil {
		return fmt.Errorf("refresh profile: %w", err)
	}
	if !env.Success {
		return fmt.Errorf("refresh profile rejected: %s", env.ErrorMessage())
	}

	var data loginData
	if err := env.DecodeData(&data); err != nil {
		return fmt.Errorf("refresh profile: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateAuthenticated || m.principal == nil {
		return fmt.Errorf("refresh profile: not authenticated")
	}

	m.principal.Login = data.User.Login
	m.principal.Email = data.User.Email
	m.principal.Role = Role(data.User.Role)
	m.principal.Status = Status(data.User.Status)
	m.principal.PlanName = data.User.PlanName
	m.principal.LastActivityAt = m.now()

	if err := m.persistLocked(m.principal, m.token, m.sessionID); err != nil {
		return fmt.Errorf("refresh profile: persist: %w", err)
	}
	return nil
}

func parseUnix(s string) (time.Time, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(v, 0).UTC(), nil
}
