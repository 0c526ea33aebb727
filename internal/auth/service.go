package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/joel-Y/WizLock-Tech-App/internal/model"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnauthenticated    = errors.New("not signed in")
	ErrSessionExpired     = errors.New("session expired")
	ErrForbidden          = errors.New("access denied")
)

// SessionStore persists the single technician session.
type SessionStore interface {
	Save(ctx context.Context, s model.Session) error
	Load(ctx context.Context) (*model.Session, error)
	Clear(ctx context.Context) error
}

// ActivityRecorder appends to the local activity log.
type ActivityRecorder interface {
	Record(ctx context.Context, action, details string) (model.ActivityLog, error)
}

// Service orchestrates login, logout and session checks
type Service struct {
	verifier      Verifier
	jwtService    *JWTService
	sessions      SessionStore
	activity      ActivityRecorder
	directory     Directory
	enforceExpiry bool
	now           func() time.Time
	log           zerolog.Logger
}

// NewService creates a new auth service
func NewService(
	verifier Verifier,
	jwtService *JWTService,
	sessions SessionStore,
	activity ActivityRecorder,
	directory Directory,
	enforceExpiry bool,
	log zerolog.Logger,
) *Service {
	return &Service{
		verifier:      verifier,
		jwtService:    jwtService,
		sessions:      sessions,
		activity:      activity,
		directory:     directory,
		enforceExpiry: enforceExpiry,
		now:           time.Now,
		log:           log,
	}
}

// Login verifies credentials, derives the role and replaces any stored session.
func (s *Service) Login(ctx context.Context, username, password string) (*model.Session, error) {
	username = strings.TrimSpace(username)
	if err := s.verifier.Verify(ctx, username, password); err != nil {
		return nil, err
	}

	role := RoleForUsername(username)
	token, expiresAt, err := s.jwtService.SignSessionToken(username, role, s.now())
	if err != nil {
		return nil, err
	}

	session := model.Session{
		Token:     token,
		Username:  username,
		Role:      role,
		ExpiresAt: expiresAt.UnixMilli(),
	}
	if err := s.sessions.Save(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	if _, err := s.activity.Record(ctx, "LOGIN", fmt.Sprintf("%s signed in as %s", username, role)); err != nil {
		s.log.Warn().Err(err).Msg("failed to record login activity")
	}
	s.log.Info().Str("username", username).Str("role", string(role)).Msg("technician signed in")

	return &session, nil
}

// Logout clears the stored session. Logging out twice is fine.
func (s *Service) Logout(ctx context.Context) error {
	current, err := s.sessions.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if err := s.sessions.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	if current != nil {
		if _, err := s.activity.Record(ctx, "LOGOUT", current.Username+" signed out"); err != nil {
			s.log.Warn().Err(err).Msg("failed to record logout activity")
		}
	}
	return nil
}

// Authenticate resolves a bearer token to the stored session. Only the token
// of the current session is accepted.
func (s *Service) Authenticate(ctx context.Context, token string) (*model.Session, error) {
	claims, err := s.jwtService.VerifyToken(token)
	if err != nil {
		if errors.Is(err, ErrSessionExpired) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	current, err := s.sessions.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if current == nil || current.Token != token {
		return nil, ErrUnauthenticated
	}
	if current.Username != claims.Username {
		return nil, ErrUnauthenticated
	}
	if s.enforceExpiry && current.Expired(s.now()) {
		return nil, ErrSessionExpired
	}
	return current, nil
}

// Current returns the stored session without a token check, or nil.
func (s *Service) Current(ctx context.Context) (*model.Session, error) {
	return s.sessions.Load(ctx)
}

// ListUsers returns technician accounts. Only user managers may call it.
func (s *Service) ListUsers(ctx context.Context, caller model.Session) ([]model.User, error) {
	if !Can(caller.Role, CapUsersManage) {
		return nil, ErrForbidden
	}
	return s.directory.ListUsers(ctx)
}
