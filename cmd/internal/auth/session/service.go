package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"avancira/cmd/identity"
	"avancira/cmd/identity/ids"
	"avancira/cmd/internal/auth/clientinfo"
	"avancira/cmd/internal/auth/sessioncache"
	"avancira/cmd/internal/events"
	"avancira/cmd/security/token"
)

// Users resolves credentials and user records. *identity.Service satisfies it.
type Users interface {
	Authenticate(ctx context.Context, now time.Time, email, password string) (identity.User, error)
	User(ctx context.Context, userID string) (identity.User, error)
}

// Recorder receives session telemetry. *metrics.Metrics satisfies it.
type Recorder interface {
	Login(result string)
	Refresh(result string)
	Revocation(reason string)
	SessionsExpired(n int)
}

// Deps are the collaborators of a Service. Store, Tokens and Users are required.
type Deps struct {
	Store    Store
	Tokens   AccessTokenManager
	Users    Users
	Cache    *sessioncache.Cache
	Events   events.Publisher
	Notifier SecurityNotifier
	Metrics  Recorder
	Logger   *slog.Logger
}

// Service implements login, refresh rotation, validation and revocation.
type Service struct {
	cfg      Config
	store    Store
	tokens   AccessTokenManager
	users    Users
	cache    *sessioncache.Cache
	events   events.Publisher
	notifier SecurityNotifier
	metrics  Recorder
	log      *slog.Logger
	hasher   token.Hasher
}

// NewService constructs a Service.
func NewService(cfg Config, d Deps) (*Service, error) {
	if d.Store == nil || d.Tokens == nil || d.Users == nil {
		return nil, fmt.Errorf("%w: store, tokens and users are required", ErrConfig)
	}
	hasher, err := token.NewHasher(cfg.RefreshPepper, cfg.RequirePepper)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Notifier == nil {
		d.Notifier = LogNotifier{Log: d.Logger}
	}
	if !hasher.Keyed() {
		d.Logger.Warn("session.refresh_pepper.missing", "detail", "refresh tokens hashed with unkeyed SHA-256")
	}
	return &Service{
		cfg:      cfg,
		store:    d.Store,
		tokens:   d.Tokens,
		users:    d.Users,
		cache:    d.Cache,
		events:   d.Events,
		notifier: d.Notifier,
		metrics:  d.Metrics,
		log:      d.Logger,
		hasher:   hasher,
	}, nil
}

// Config returns the service configuration.
func (s *Service) Config() Config { return s.cfg }

// Tokens returns the access token manager.
func (s *Service) Tokens() AccessTokenManager { return s.tokens }

// GenerateToken validates credentials and opens a new session.
func (s *Service) GenerateToken(ctx context.Context, now time.Time, email, password string, rememberMe bool, info clientinfo.Info) (TokenPair, error) {
	user, err := s.users.Authenticate(ctx, now, email, password)
	if err != nil {
		s.recordLogin("fail")
		if errors.Is(err, identity.ErrInvalidCredentials) || identity.IsInvalidInput(err) {
			return TokenPair{}, ErrInvalidCredentials
		}
		return TokenPair{}, err
	}
	pair, err := s.issue(ctx, now, user, rememberMe, info)
	if err != nil {
		s.recordLogin("error")
		return TokenPair{}, err
	}
	s.recordLogin("success")
	return pair, nil
}

// IssueForUser opens a session for an already authenticated user
// (authorization-code exchange).
func (s *Service) IssueForUser(ctx context.Context, now time.Time, userID string, rememberMe bool, info clientinfo.Info) (TokenPair, error) {
	user, err := s.users.User(ctx, userID)
	if err != nil {
		if identity.IsNotFound(err) {
			return TokenPair{}, ErrInvalidCredentials
		}
		return TokenPair{}, err
	}
	return s.issue(ctx, now, user, rememberMe, info)
}

func (s *Service) issue(ctx context.Context, now time.Time, user identity.User, rememberMe bool, info clientinfo.Info) (TokenPair, error) {
	sessionID := ids.New(now)
	sess := newSession(sessionID, user.ID, info, now, now.Add(s.cfg.lifetime(rememberMe)))

	rt, plain, err := s.mintRefreshToken(now, sessionID, sess.AbsoluteExpiry, nil)
	if err != nil {
		return TokenPair{}, err
	}
	sess.RefreshTokenReferenceID = rt.ID

	access, accessExp, err := s.tokens.Issue(Subject{UserID: user.ID, SessionID: sessionID, Roles: user.Roles}, now)
	if err != nil {
		return TokenPair{}, err
	}

	err = s.store.InTx(ctx, func(tx Tx) error {
		if err := tx.CreateSession(ctx, sess); err != nil {
			return err
		}
		return tx.InsertRefreshToken(ctx, rt)
	})
	if err != nil {
		return TokenPair{}, err
	}

	s.cache.Set(ctx, sess.TokenInfo())
	s.log.Info("session.create",
		"user_id", user.ID,
		"session_id", sessionID,
		"platform", string(sess.Platform),
		"remember_me", rememberMe,
	)

	return TokenPair{
		SessionID:        sessionID,
		UserID:           user.ID,
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     plain,
		RefreshExpiresAt: rt.AbsoluteExpiry,
		TokenType:        "Bearer",
	}, nil
}

// Refresh exchanges a refresh token for a new pair, rotating the token.
//
// The presented token is locked, verified and retired in one transaction, so
// of two concurrent refreshes with the same token exactly one succeeds.
// A rotated token presented again outside ReuseGrace revokes the session
// (or every session of the user with ReuseRevokesAll) and returns
// ErrRefreshReuseDetected.
func (s *Service) Refresh(ctx context.Context, now time.Time, plain string, info clientinfo.Info) (TokenPair, error) {
	tokenID, secret, ok := splitRefreshToken(plain)
	if !ok {
		s.recordRefresh("invalid")
		return TokenPair{}, ErrSessionNotFound
	}

	var (
		pair    TokenPair
		sess    Session
		reused  []string
		reuseBy string
	)
	err := s.store.InTx(ctx, func(tx Tx) error {
		rt, err := tx.RefreshTokenForUpdate(ctx, tokenID)
		if err != nil {
			return err
		}
		if !s.hasher.Equal(rt.TokenHash, rt.Salt, secret) {
			return ErrSessionNotFound
		}
		sess, err = tx.SessionForUpdate(ctx, rt.SessionID)
		if err != nil {
			return err
		}

		if rt.RevokedAt != nil {
			if !sess.IsActive(now) {
				if err := sess.check(now); err != nil {
					return err
				}
				return ErrSessionRevoked
			}
			if rt.RevokedReason == reasonRotated && now.Sub(*rt.RevokedAt) <= s.cfg.ReuseGrace {
				return ErrRefreshConflict
			}
			reuseBy = sess.UserID
			if s.cfg.ReuseRevokesAll {
				reused, err = tx.RevokeUserSessions(ctx, sess.UserID, "", now, ReasonReuseDetected)
				return err
			}
			revoked, err := tx.RevokeSession(ctx, sess.ID, now, ReasonReuseDetected)
			if revoked {
				reused = []string{sess.ID}
			}
			return err
		}

		if err := sess.check(now); err != nil {
			return err
		}
		if !rt.AbsoluteExpiry.After(now) {
			return ErrSessionExpired
		}

		user, err := s.users.User(ctx, sess.UserID)
		if err != nil {
			if identity.IsNotFound(err) {
				return ErrSessionNotFound
			}
			return err
		}

		next, nextPlain, err := s.mintRefreshToken(now, sess.ID, sess.AbsoluteExpiry, &rt.ID)
		if err != nil {
			return err
		}
		access, accessExp, err := s.tokens.Issue(Subject{UserID: user.ID, SessionID: sess.ID, Roles: user.Roles}, now)
		if err != nil {
			return err
		}

		if err := tx.RevokeRefreshToken(ctx, rt.ID, now, reasonRotated); err != nil {
			return err
		}
		if err := tx.InsertRefreshToken(ctx, next); err != nil {
			return err
		}
		if err := tx.UpdateRotation(ctx, sess.ID, next.ID, now); err != nil {
			return err
		}

		sess.LastRefreshAt = now
		sess.LastActivityAt = now
		sess.RefreshTokenReferenceID = next.ID
		pair = TokenPair{
			SessionID:        sess.ID,
			UserID:           user.ID,
			AccessToken:      access,
			AccessExpiresAt:  accessExp,
			RefreshToken:     nextPlain,
			RefreshExpiresAt: next.AbsoluteExpiry,
			TokenType:        "Bearer",
		}
		return nil
	})

	switch {
	case err != nil:
		s.recordRefresh(refreshResult(err))
		s.log.Info("auth.refresh.fail", "session_id", sess.ID, "reason", refreshResult(err))
		return TokenPair{}, err
	case reuseBy != "":
		s.recordRefresh("reuse")
		s.log.Warn("auth.refresh.reuse_detected",
			"user_id", reuseBy,
			"session_id", sess.ID,
			"revoked", len(reused),
			"user_agent", info.UserAgent,
			"ip", info.IPString(),
		)
		s.afterRevoke(ctx, now, reuseBy, reused, ReasonReuseDetected)
		return TokenPair{}, ErrRefreshReuseDetected
	}

	// Evict rather than write: a revocation committed after this rotation
	// must not be overwritten by the session state read inside it.
	s.cache.Invalidate(ctx, sess.ID)
	s.recordRefresh("success")
	return pair, nil
}

func refreshResult(err error) string {
	switch {
	case errors.Is(err, ErrRefreshConflict):
		return "conflict"
	case errors.Is(err, ErrSessionExpired):
		return "expired"
	case errors.Is(err, ErrSessionRevoked):
		return "revoked"
	case errors.Is(err, ErrSessionNotFound):
		return "invalid"
	default:
		return "error"
	}
}

// ValidateAccessToken verifies the token and checks the backing session
// through the cache, falling back to the store on a miss.
func (s *Service) ValidateAccessToken(ctx context.Context, raw string, now time.Time) (AccessClaims, error) {
	claims, err := s.tokens.Verify(raw, now)
	if err != nil {
		return AccessClaims{}, err
	}

	info, err := s.cache.GetOrLoad(ctx, claims.SessionID, func(ctx context.Context) (sessioncache.SessionTokenInfo, error) {
		sess, err := s.store.GetSession(ctx, claims.SessionID)
		if err != nil {
			return sessioncache.SessionTokenInfo{}, err
		}
		return sess.TokenInfo(), nil
	})
	if err != nil {
		return AccessClaims{}, err
	}
	if info.UserID != claims.UserID {
		return AccessClaims{}, ErrInvalidToken
	}
	if err := entryErr(info, now); err != nil {
		return AccessClaims{}, err
	}

	if info.IsStale(now, s.cache.StaleThreshold()) {
		fresh, err := s.touch(ctx, now, claims.SessionID, "")
		if err != nil {
			s.log.Warn("session.touch.fail", "session_id", claims.SessionID, "err", err)
			return claims, nil
		}
		if err := entryErr(fresh, now); err != nil {
			return AccessClaims{}, err
		}
	}
	return claims, nil
}

func entryErr(info sessioncache.SessionTokenInfo, now time.Time) error {
	switch {
	case info.IsValid(now):
		return nil
	case info.Status == string(StatusActive) || info.Status == string(StatusExpired):
		return ErrSessionExpired
	default:
		return ErrSessionRevoked
	}
}

// TouchActivity records activity on a session in the store and reloads its
// cache entry from the store.
func (s *Service) TouchActivity(ctx context.Context, now time.Time, sessionID, resourceID string) error {
	_, err := s.touch(ctx, now, sessionID, resourceID)
	return err
}

func (s *Service) touch(ctx context.Context, now time.Time, sessionID, resourceID string) (sessioncache.SessionTokenInfo, error) {
	if err := s.store.Touch(ctx, sessionID, now, resourceID); err != nil {
		return sessioncache.SessionTokenInfo{}, err
	}
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return sessioncache.SessionTokenInfo{}, err
	}
	info := sess.TokenInfo()
	s.cache.Set(ctx, info)
	return info, nil
}

// SessionInfo returns the stored session.
func (s *Service) SessionInfo(ctx context.Context, sessionID string) (Session, error) {
	return s.store.GetSession(ctx, sessionID)
}

func (s *Service) recordLogin(result string) {
	if s.metrics != nil {
		s.metrics.Login(result)
	}
}

func (s *Service) recordRefresh(result string) {
	if s.metrics != nil {
		s.metrics.Refresh(result)
	}
}
