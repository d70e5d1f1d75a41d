package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
)

var (
	// ErrUserNotFound indicates that no user has the requested id.
	ErrUserNotFound = errors.New("users: user not found")
	// ErrSessionNotFound indicates that no session has the requested id.
	ErrSessionNotFound = errors.New("users: session not found")
	// ErrInvalidEmail indicates an empty or malformed email address.
	ErrInvalidEmail = errors.New("users: invalid email")
)

// ServiceConfig describes the dependencies required for user and session lookups.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
}

// Service resolves users and sessions for connection authentication.
// Users are cached after the first lookup; sessions are always read through
// so that expiry and deletion take effect immediately.
type Service struct {
	db         *gorm.DB
	now        func() time.Time
	idProvider IDProvider
	cache      sync.Map
}

// NewService constructs the user service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	return &Service{
		db:         cfg.Database,
		now:        clock,
		idProvider: idProvider,
		cache:      sync.Map{},
	}, nil
}

// FindUser returns the user with the provided id.
func (s *Service) FindUser(ctx context.Context, userID string) (User, error) {
	userID = normalize(userID)
	if userID == "" {
		return User{}, ErrUserNotFound
	}
	if cached, ok := s.cache.Load(userID); ok {
		if user, ok := cached.(User); ok {
			return user, nil
		}
	}
	var user User
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, err
	}
	s.cache.Store(userID, user)
	return user, nil
}

// FindSession returns the session with the provided id.
func (s *Service) FindSession(ctx context.Context, sessionID string) (Session, error) {
	sessionID = normalize(sessionID)
	if sessionID == "" {
		return Session{}, ErrSessionNotFound
	}
	var session Session
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, err
	}
	return session, nil
}

// EnsureUser returns the user registered under email, creating it when absent.
func (s *Service) EnsureUser(ctx context.Context, email, displayName string) (User, error) {
	email = strings.ToLower(normalize(email))
	if email == "" || !strings.Contains(email, "@") {
		return User{}, ErrInvalidEmail
	}
	var user User
	err := s.db.WithContext(ctx).Where("user_email = ?", email).Take(&user).Error
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, err
	}
	userID, err := s.idProvider.NewID()
	if err != nil {
		return User{}, err
	}
	user = User{
		ID:          userID,
		Email:       email,
		DisplayName: normalize(displayName),
	}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		return User{}, err
	}
	return user, nil
}

// CreateSession opens a session for userID lasting ttl.
func (s *Service) CreateSession(ctx context.Context, userID string, ttl time.Duration) (Session, error) {
	user, err := s.FindUser(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	sessionID, err := s.idProvider.NewID()
	if err != nil {
		return Session{}, err
	}
	session := Session{
		ID:        sessionID,
		UserID:    user.ID,
		ExpiresAt: s.now().UTC().Add(ttl),
	}
	if err := s.db.WithContext(ctx).Create(&session).Error; err != nil {
		return Session{}, err
	}
	return session, nil
}

// RevokeSession deletes a session so tokens referencing it stop authenticating.
func (s *Service) RevokeSession(ctx context.Context, sessionID string) error {
	return s.db.WithContext(ctx).Where("session_id = ?", normalize(sessionID)).Delete(&Session{}).Error
}
