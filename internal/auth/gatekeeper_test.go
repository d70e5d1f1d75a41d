package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/erdsync/internal/users"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const testCookieName = "access_token"

type stubDirectory struct {
	users    map[string]users.User
	sessions map[string]users.Session
	err      error
}

func (d *stubDirectory) FindUser(_ context.Context, userID string) (users.User, error) {
	if d.err != nil {
		return users.User{}, d.err
	}
	user, ok := d.users[userID]
	if !ok {
		return users.User{}, users.ErrUserNotFound
	}
	return user, nil
}

func (d *stubDirectory) FindSession(_ context.Context, sessionID string) (users.Session, error) {
	session, ok := d.sessions[sessionID]
	if !ok {
		return users.Session{}, users.ErrSessionNotFound
	}
	return session, nil
}

type gateFixture struct {
	now       time.Time
	directory *stubDirectory
	issuer    *TokenIssuer
	logs      *observer.ObservedLogs
	chain     *Chain
}

func newGateFixture(t *testing.T) *gateFixture {
	t.Helper()
	now := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}

	directory := &stubDirectory{
		users: map[string]users.User{
			testSessionUserID: {ID: testSessionUserID, Email: "alice@example.com"},
		},
		sessions: map[string]users.Session{
			testSessionID:     {ID: testSessionID, UserID: testSessionUserID, ExpiresAt: now.Add(time.Hour)},
			"expired-session": {ID: "expired-session", UserID: testSessionUserID, ExpiresAt: now.Add(-time.Minute)},
			"foreign-session": {ID: "foreign-session", UserID: "someone-else", ExpiresAt: now.Add(time.Hour)},
		},
	}

	core, logs := observer.New(zapcore.InfoLevel)
	gate, err := NewSessionGate(SessionGateConfig{
		Validator:  validator,
		Directory:  directory,
		CookieName: testCookieName,
		Clock:      clock,
		Logger:     zap.New(core),
	})
	if err != nil {
		t.Fatalf("failed to construct gate: %v", err)
	}

	return &gateFixture{
		now:       now,
		directory: directory,
		issuer:    issuer,
		logs:      logs,
		chain:     NewChain(gate),
	}
}

func (f *gateFixture) token(t *testing.T, userID, sessionID string) string {
	t.Helper()
	token, _, err := f.issuer.IssueAccessToken(context.Background(), userID, sessionID)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func TestSessionGateAdmitsValidCredentialSources(t *testing.T) {
	fixture := newGateFixture(t)
	token := fixture.token(t, testSessionUserID, testSessionID)

	cases := []struct {
		name   string
		build  func(*http.Request)
		target string
		source CredentialSource
	}{
		{
			name: "cookie",
			build: func(r *http.Request) {
				r.AddCookie(&http.Cookie{Name: testCookieName, Value: token})
			},
			target: "/realtime",
			source: CredentialFromCookie,
		},
		{
			name:   "payload",
			build:  func(*http.Request) {},
			target: "/realtime?token=" + token,
			source: CredentialFromPayload,
		},
		{
			name: "header",
			build: func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer "+token)
			},
			target: "/realtime",
			source: CredentialFromHeader,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			request := httptest.NewRequest(http.MethodGet, tc.target, nil)
			tc.build(request)

			handshake, err := fixture.chain.Admit(context.Background(), request)
			if err != nil {
				t.Fatalf("expected admission, got %v", err)
			}
			if handshake.User.ID != testSessionUserID {
				t.Fatalf("unexpected user %q", handshake.User.ID)
			}
			if handshake.Session.ID != testSessionID {
				t.Fatalf("unexpected session %q", handshake.Session.ID)
			}
			if handshake.CredentialSource != tc.source {
				t.Fatalf("expected source %q, got %q", tc.source, handshake.CredentialSource)
			}
		})
	}
}

func TestExtractCredentialPrefersCookie(t *testing.T) {
	request := httptest.NewRequest(http.MethodGet, "/realtime?token=from-payload", nil)
	request.AddCookie(&http.Cookie{Name: testCookieName, Value: "from-cookie"})
	request.Header.Set("Authorization", "Bearer from-header")

	value, source, ok := ExtractCredential(request, testCookieName)
	if !ok || value != "from-cookie" || source != CredentialFromCookie {
		t.Fatalf("expected cookie credential, got %q from %q", value, source)
	}

	request = httptest.NewRequest(http.MethodGet, "/realtime", nil)
	request.Header.Set("Authorization", "Basic abc")
	if _, _, ok := ExtractCredential(request, testCookieName); ok {
		t.Fatalf("expected non-bearer header to be ignored")
	}
}

func TestSessionGateRejections(t *testing.T) {
	fixture := newGateFixture(t)

	cases := []struct {
		name     string
		token    string
		expected error
	}{
		{name: "missing", token: "", expected: ErrMissingCredential},
		{name: "garbage", token: "garbage", expected: ErrInvalidSessionToken},
		{name: "unknown user", token: fixture.token(t, "ghost", testSessionID), expected: ErrUnknownIdentity},
		{name: "unknown session", token: fixture.token(t, testSessionUserID, "ghost"), expected: ErrUnknownSession},
		{name: "foreign session", token: fixture.token(t, testSessionUserID, "foreign-session"), expected: ErrUnknownSession},
		{name: "expired session", token: fixture.token(t, testSessionUserID, "expired-session"), expected: ErrSessionExpired},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			request := httptest.NewRequest(http.MethodGet, "/realtime", nil)
			if tc.token != "" {
				request.Header.Set("Authorization", "Bearer "+tc.token)
			}
			handshake, err := fixture.chain.Admit(context.Background(), request)
			if !errors.Is(err, tc.expected) {
				t.Fatalf("expected %v, got %v", tc.expected, err)
			}
			if handshake != nil {
				t.Fatalf("expected no handshake on rejection")
			}
		})
	}
}

func TestSessionGateLogsExpiredSessionAtInfoLevel(t *testing.T) {
	fixture := newGateFixture(t)
	request := httptest.NewRequest(http.MethodGet, "/realtime", nil)
	request.AddCookie(&http.Cookie{Name: testCookieName, Value: fixture.token(t, testSessionUserID, "expired-session")})

	if _, err := fixture.chain.Admit(context.Background(), request); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected expired session, got %v", err)
	}

	entries := fixture.logs.FilterMessage("connection authentication failed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel {
		t.Fatalf("expected info level, got %s", entries[0].Level)
	}
}

func TestSessionGateWrapsDirectoryFailures(t *testing.T) {
	fixture := newGateFixture(t)
	fixture.directory.err = errors.New("database offline")
	request := httptest.NewRequest(http.MethodGet, "/realtime", nil)
	request.Header.Set("Authorization", "Bearer "+fixture.token(t, testSessionUserID, testSessionID))

	_, err := fixture.chain.Admit(context.Background(), request)
	if !errors.Is(err, ErrConnectionRejected) {
		t.Fatalf("expected generic rejection, got %v", err)
	}
	if strings.Contains(err.Error(), "database offline") {
		t.Fatalf("rejection must not carry directory detail: %v", err)
	}
	entries := fixture.logs.FilterMessage("connection authentication failed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one rejection log, got %d", len(entries))
	}
	if cause, ok := entries[0].ContextMap()["cause"]; !ok || cause != "database offline" {
		t.Fatalf("expected directory detail in log, got %v", entries[0].ContextMap())
	}
}

func TestRejectionReasonHidesUnexpectedErrors(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want string
	}{
		{name: "missing credential", err: ErrMissingCredential, want: ErrMissingCredential.Error()},
		{name: "expired session", err: ErrSessionExpired, want: ErrSessionExpired.Error()},
		{name: "invalid token detail", err: fmt.Errorf("%w: signature is invalid", ErrInvalidSessionToken), want: ErrInvalidSessionToken.Error()},
		{name: "backend failure", err: errors.New("dial tcp 10.0.0.5:5432: connection refused"), want: ErrConnectionRejected.Error()},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if got := RejectionReason(testCase.err); got != testCase.want {
				t.Fatalf("expected %q, got %q", testCase.want, got)
			}
		})
	}
}

func TestChainRunsGatesInOrder(t *testing.T) {
	var visited []string
	record := func(name string, err error) Gate {
		return func(_ context.Context, _ *Handshake, next Next) {
			visited = append(visited, name)
			next(err)
		}
	}
	denied := errors.New("denied")

	chain := NewChain(record("first", nil), record("second", denied), record("third", nil))
	if _, err := chain.Admit(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil)); !errors.Is(err, denied) {
		t.Fatalf("expected second gate rejection, got %v", err)
	}
	if len(visited) != 2 || visited[0] != "first" || visited[1] != "second" {
		t.Fatalf("unexpected gate order %v", visited)
	}
}

func TestChainRejectsGateThatNeverContinues(t *testing.T) {
	silent := func(context.Context, *Handshake, Next) {}
	chain := NewChain(silent)
	if _, err := chain.Admit(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil)); !errors.Is(err, ErrConnectionRejected) {
		t.Fatalf("expected generic rejection, got %v", err)
	}

	handshake, err := NewChain().Admit(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
	if err != nil || handshake == nil {
		t.Fatalf("expected empty chain to admit, got %v", err)
	}
}
