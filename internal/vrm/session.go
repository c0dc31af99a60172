package vrm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sneelco/hass-addon-vrm-cloud-mqtt/internal/credcache"
)

// SessionState is where a Session stands in the credential lifecycle.
type SessionState int

const (
	// StateUnauthenticated means no credential is held yet.
	StateUnauthenticated SessionState = iota
	// StateAuthenticating means a login flow is in progress.
	StateAuthenticating
	// StateAuthenticatedUser means only the short-lived user token from
	// password login is held.
	StateAuthenticatedUser
	// StateAuthenticatedAccess means a long-lived access token is held.
	StateAuthenticatedAccess
	// StateFailed means the last login attempt was rejected. The
	// session does not retry on its own.
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticatedUser:
		return "authenticated_user"
	case StateAuthenticatedAccess:
		return "authenticated_access"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// SessionConfig carries the account settings a Session needs.
type SessionConfig struct {
	Username string
	Password string
	// TokenName is the display name for the access token the session
	// creates on the account.
	TokenName string
	// RevokeDuplicateToken permits revoking an existing token that
	// collides with TokenName. When false, a collision is a terminal
	// ErrDuplicateToken.
	RevokeDuplicateToken bool
}

// Session drives the VRM credential lifecycle: password login, upgrade
// to a named access token, and reuse of a cached token across restarts.
// All exported methods are safe for concurrent use; the poll loop reads
// Ready() while the bootstrap path may still be logging in.
type Session struct {
	client *Client
	cache  *credcache.Store // nil disables caching
	cfg    SessionConfig
	logger *slog.Logger

	mu          sync.Mutex
	state       SessionState
	userToken   string
	accessToken string
	userID      int64
}

// NewSession creates a Session. If cache is non-nil, previously saved
// credentials are adopted immediately: a usable cached access token
// puts the session straight into StateAuthenticatedAccess with no
// network traffic.
func NewSession(client *Client, cache *credcache.Store, cfg SessionConfig, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Session{
		client: client,
		cache:  cache,
		cfg:    cfg,
		logger: logger,
		state:  StateUnauthenticated,
	}

	if cache != nil {
		creds, err := cache.Load()
		if err != nil {
			logger.Warn("credential cache unreadable, starting unauthenticated", "error", err)
		} else if creds != nil {
			s.accessToken = creds.AccessToken
			s.userID = creds.UserID
			s.state = StateAuthenticatedAccess
			logger.Info("resumed session from credential cache", "user_id", creds.UserID)
		}
	}

	return s
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ready reports whether the session holds a credential the poll path
// can use.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateAuthenticatedUser || s.state == StateAuthenticatedAccess
}

// UserID returns the VRM account's numeric user ID, 0 if unknown.
func (s *Session) UserID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Authorization returns the x-authorization header value for the
// session's current credential: "none" with no credential, the access
// token form when one is held, otherwise the user token form. The
// access token always wins — it is the long-lived credential.
func (s *Session) Authorization() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authorizationLocked()
}

func (s *Session) authorizationLocked() string {
	switch {
	case s.accessToken != "":
		return "Token " + s.accessToken
	case s.userToken != "":
		return "Bearer " + s.userToken
	default:
		return "none"
	}
}

// Login runs the full credential bootstrap: password login, then
// establishing the named access token. A credential rejection returns
// ErrLoginFailed and leaves the session in StateFailed; a token-name
// collision with revocation disabled returns ErrDuplicateToken. The
// session never retries by itself — the caller decides what a failure
// means for the process.
func (s *Session) Login(ctx context.Context) error {
	s.mu.Lock()
	s.state = StateAuthenticating
	// Drop any previously held tokens: a fresh login replaces them.
	s.userToken = ""
	s.accessToken = ""
	s.mu.Unlock()

	s.logger.Info("logging in to VRM", "username", s.cfg.Username)

	userToken, userID, err := s.client.Login(ctx, s.cfg.Username, s.cfg.Password)
	if err != nil {
		s.fail()
		return err
	}

	s.mu.Lock()
	s.userToken = userToken
	s.userID = userID
	s.state = StateAuthenticatedUser
	s.mu.Unlock()

	s.logger.Debug("password login succeeded", "user_id", userID)

	if err := s.establishAccessToken(ctx); err != nil {
		s.fail()
		return err
	}

	return nil
}

// establishAccessToken upgrades a user-token session to an access-token
// session: resolve a name collision per configuration, create the
// token, persist it.
func (s *Session) establishAccessToken(ctx context.Context) error {
	auth := s.Authorization()
	userID := s.UserID()

	tokens, err := s.client.ListAccessTokens(ctx, auth, userID)
	if err != nil {
		return fmt.Errorf("list access tokens: %w", err)
	}

	for _, t := range tokens {
		if t.Name != s.cfg.TokenName {
			continue
		}
		if !s.cfg.RevokeDuplicateToken {
			return fmt.Errorf("%w: %q (id %s); revoke it in the VRM portal or set revoke_duplicate_token",
				ErrDuplicateToken, t.Name, t.ID)
		}
		s.logger.Info("revoking duplicate access token",
			"name", t.Name,
			"token_id", t.ID,
		)
		if err := s.client.RevokeAccessToken(ctx, auth, userID, t.ID); err != nil {
			return err
		}
		break
	}

	accessToken, err := s.client.CreateAccessToken(ctx, auth, userID, s.cfg.TokenName)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.accessToken = accessToken
	s.state = StateAuthenticatedAccess
	s.mu.Unlock()

	s.logger.Info("access token established", "name", s.cfg.TokenName)

	if s.cache != nil {
		// The cache records the raw token value, never the header form.
		err := s.cache.Save(credcache.Credentials{
			AccessToken: accessToken,
			UserID:      userID,
		})
		if err != nil {
			// Cache trouble costs a login on the next restart, nothing more.
			s.logger.Warn("failed to save credential cache", "error", err)
		}
	}

	return nil
}

// fail moves the session to StateFailed and drops held credentials so
// Authorization() cannot hand out a token the API already rejected.
func (s *Session) fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateFailed
	s.userToken = ""
	s.accessToken = ""
}

// ListSites returns a Site handle for every installation on the
// account. The list is materialized eagerly; site enumeration is cheap
// compared to the per-site diagnostics fetch.
func (s *Session) ListSites(ctx context.Context) ([]*Site, error) {
	ids, err := s.client.ListInstallations(ctx, s.Authorization(), s.UserID())
	if err != nil {
		return nil, err
	}

	sites := make([]*Site, 0, len(ids))
	for _, id := range ids {
		sites = append(sites, &Site{session: s, id: id})
	}
	return sites, nil
}
