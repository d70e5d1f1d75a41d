package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/erdsync/internal/users"
	"go.uber.org/zap"
)

// AuthPayloadParameter is the query parameter carrying an explicit credential
// for clients that cannot set cookies or headers on the upgrade request.
const AuthPayloadParameter = "token"

const bearerPrefix = "Bearer "

var (
	// ErrConnectionRejected is the generic rejection returned when a gate
	// neither continues nor rejects with a reason.
	ErrConnectionRejected = errors.New("gatekeeper: connection rejected")
	// ErrMissingCredential indicates that no credential was presented.
	ErrMissingCredential = errors.New("gatekeeper: credential required")
	// ErrUnknownIdentity indicates that the token references a user that does not exist.
	ErrUnknownIdentity = errors.New("gatekeeper: user not found")
	// ErrUnknownSession indicates that the token references a session that does not exist.
	ErrUnknownSession = errors.New("gatekeeper: session not found")
	// ErrSessionExpired indicates that the referenced session is past its expiry.
	ErrSessionExpired = errors.New("gatekeeper: session expired")

	errMissingValidator = errors.New("token validator dependency required")
	errMissingDirectory = errors.New("identity directory dependency required")
	errMissingCookie    = errors.New("cookie name required")
)

// RejectionReason returns the client-facing text for a rejection. Reasons
// other than the credential sentinels collapse to ErrConnectionRejected.
func RejectionReason(err error) string {
	for _, known := range []error{
		ErrMissingCredential,
		ErrUnknownIdentity,
		ErrUnknownSession,
		ErrSessionExpired,
		ErrExpiredSessionToken,
		ErrInvalidSessionToken,
		ErrMissingSessionToken,
		ErrMissingSessionSubject,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return ErrConnectionRejected.Error()
}

// CredentialSource records where a credential was found.
type CredentialSource string

const (
	CredentialFromCookie  CredentialSource = "cookie"
	CredentialFromPayload CredentialSource = "payload"
	CredentialFromHeader  CredentialSource = "header"
)

// Handshake is the per-connection context populated by gates.
type Handshake struct {
	Request          *http.Request
	Credential       string
	CredentialSource CredentialSource
	Claims           SessionClaims
	User             users.User
	Session          users.Session
}

// Next continues the chain with a nil error or rejects the connection with a non-nil one.
type Next func(err error)

// Gate inspects a handshake and must call next exactly once before returning.
type Gate func(ctx context.Context, handshake *Handshake, next Next)

// Chain runs gates in order; every gate has to call next(nil) for the
// connection to be admitted.
type Chain struct {
	gates []Gate
}

// NewChain constructs a chain over gates.
func NewChain(gates ...Gate) *Chain {
	return &Chain{gates: append([]Gate(nil), gates...)}
}

// Admit runs the chain for request. A gate that returns without calling next
// halts the chain with ErrConnectionRejected.
func (c *Chain) Admit(ctx context.Context, request *http.Request) (*Handshake, error) {
	handshake := &Handshake{Request: request}
	for _, gate := range c.gates {
		var (
			called   bool
			rejected error
		)
		gate(ctx, handshake, func(err error) {
			if called {
				return
			}
			called = true
			rejected = err
		})
		if !called {
			return nil, ErrConnectionRejected
		}
		if rejected != nil {
			return nil, rejected
		}
	}
	return handshake, nil
}

// ExtractCredential returns the first credential found in, by priority, the
// named cookie, the explicit auth payload parameter, then an Authorization
// bearer header.
func ExtractCredential(request *http.Request, cookieName string) (string, CredentialSource, bool) {
	if request == nil {
		return "", "", false
	}
	if cookie, err := request.Cookie(cookieName); err == nil && strings.TrimSpace(cookie.Value) != "" {
		return strings.TrimSpace(cookie.Value), CredentialFromCookie, true
	}
	if request.URL != nil {
		if value := strings.TrimSpace(request.URL.Query().Get(AuthPayloadParameter)); value != "" {
			return value, CredentialFromPayload, true
		}
	}
	header := request.Header.Get("Authorization")
	if strings.HasPrefix(header, bearerPrefix) {
		if value := strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix)); value != "" {
			return value, CredentialFromHeader, true
		}
	}
	return "", "", false
}

// TokenValidator parses and verifies an access token.
type TokenValidator interface {
	ValidateToken(token string) (SessionClaims, error)
}

// IdentityDirectory resolves the user and session records a token references.
type IdentityDirectory interface {
	FindUser(ctx context.Context, userID string) (users.User, error)
	FindSession(ctx context.Context, sessionID string) (users.Session, error)
}

// SessionGateConfig describes the dependencies of the session gate.
type SessionGateConfig struct {
	Validator  TokenValidator
	Directory  IdentityDirectory
	CookieName string
	Clock      func() time.Time
	Logger     *zap.Logger
}

// NewSessionGate returns a gate that authenticates the handshake credential and
// attaches the resolved user and session.
func NewSessionGate(cfg SessionGateConfig) (Gate, error) {
	if cfg.Validator == nil {
		return nil, errMissingValidator
	}
	if cfg.Directory == nil {
		return nil, errMissingDirectory
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		return nil, errMissingCookie
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	reject := func(next Next, err error, fields ...zap.Field) {
		fields = append(fields, zap.Error(err))
		if errors.Is(err, ErrExpiredSessionToken) || errors.Is(err, ErrSessionExpired) {
			logger.Info("connection authentication failed", fields...)
		} else {
			logger.Warn("connection authentication failed", fields...)
		}
		next(err)
	}

	return func(ctx context.Context, handshake *Handshake, next Next) {
		token, source, found := ExtractCredential(handshake.Request, cookieName)
		if !found {
			reject(next, ErrMissingCredential)
			return
		}
		sourceField := zap.String("credential_source", string(source))

		claims, err := cfg.Validator.ValidateToken(token)
		if err != nil {
			reject(next, err, sourceField)
			return
		}
		userField := zap.String("user_id", claims.UserID)

		user, err := cfg.Directory.FindUser(ctx, claims.UserID)
		if errors.Is(err, users.ErrUserNotFound) {
			reject(next, ErrUnknownIdentity, sourceField, userField)
			return
		}
		if err != nil {
			reject(next, ErrConnectionRejected, sourceField, userField, zap.NamedError("cause", err))
			return
		}

		session, err := cfg.Directory.FindSession(ctx, claims.SessionID)
		if errors.Is(err, users.ErrSessionNotFound) || (err == nil && session.UserID != user.ID) {
			reject(next, ErrUnknownSession, sourceField, userField)
			return
		}
		if err != nil {
			reject(next, ErrConnectionRejected, sourceField, userField, zap.NamedError("cause", err))
			return
		}
		if session.Expired(clock()) {
			reject(next, ErrSessionExpired, sourceField, userField)
			return
		}

		handshake.Credential = token
		handshake.CredentialSource = source
		handshake.Claims = claims
		handshake.User = user
		handshake.Session = session
		next(nil)
	}, nil
}
