// Package identity provides user accounts and cookie-based sessions.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/savikov/accountd/internal/domain"
	"golang.org/x/crypto/bcrypt"
)

// sessionTokenBytes is the entropy of a session token before hex encoding.
const sessionTokenBytes = 32

// dummyHash is compared against when the email is unknown so that login
// latency does not reveal whether an account exists.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("accountd-no-such-user"), bcrypt.DefaultCost)

// Service implements account and session business logic.
type Service struct {
	repo       Repository
	sessionTTL time.Duration
}

// NewService creates a new identity service. sessionTTL bounds the lifetime
// of every session the service opens.
func NewService(repo Repository, sessionTTL time.Duration) *Service {
	return &Service{
		repo:       repo,
		sessionTTL: sessionTTL,
	}
}

// RegisterInput holds data for creating a user.
type RegisterInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
}

// Register creates a new member account with a hashed password.
func (s *Service) Register(ctx context.Context, input RegisterInput) (*domain.User, error) {
	return s.createUser(ctx, input, domain.RoleMember)
}

func (s *Service) createUser(ctx context.Context, input RegisterInput, role domain.Role) (*domain.User, error) {
	email := NormalizeEmail(input.Email)

	_, err := s.repo.GetUserByEmail(ctx, email)
	if err == nil {
		return nil, ErrEmailExists
	}
	if !errors.Is(err, ErrUserNotFound) {
		return nil, fmt.Errorf("check existing email: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &domain.User{
		ID:           uuid.NewString(),
		Email:        email,
		FirstName:    input.FirstName,
		LastName:     input.LastName,
		PasswordHash: string(hash),
		Role:         role,
	}

	if err := s.repo.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	return user, nil
}

// Login verifies credentials and opens a new session. It returns the user
// and the opaque session token to be handed to the client as a cookie.
func (s *Service) Login(ctx context.Context, email, password string) (*domain.User, string, error) {
	user, err := s.verifyCredentials(ctx, email, password)
	if err != nil {
		recordLogin("failure")
		return nil, "", err
	}

	token, err := newSessionToken()
	if err != nil {
		return nil, "", fmt.Errorf("generate session token: %w", err)
	}

	now := time.Now().UTC()
	session := &domain.Session{
		Token:     token,
		UserID:    user.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.sessionTTL),
	}

	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, "", fmt.Errorf("create session: %w", err)
	}

	recordLogin("success")
	return user, token, nil
}

// verifyCredentials looks up the user by email and checks the password.
// Unknown email and wrong password are indistinguishable to the caller.
func (s *Service) verifyCredentials(ctx context.Context, email, password string) (*domain.User, error) {
	user, err := s.repo.GetUserByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			// Burn a comparison so unknown emails take as long as bad passwords.
			_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("get user by email: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return user, nil
}

// ResolveSession maps a session token to the owning user. Expired sessions
// are deleted on sight and reported as ErrSessionExpired.
func (s *Service) ResolveSession(ctx context.Context, token string) (string, domain.Role, error) {
	session, err := s.repo.GetSession(ctx, token)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return "", "", ErrSessionNotFound
		}
		return "", "", fmt.Errorf("get session: %w", err)
	}

	if session.Expired(time.Now().UTC()) {
		if err := s.repo.DeleteSession(ctx, token); err != nil && !errors.Is(err, ErrSessionNotFound) {
			return "", "", fmt.Errorf("delete expired session: %w", err)
		}
		return "", "", ErrSessionExpired
	}

	user, err := s.repo.GetUserByID(ctx, session.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return "", "", ErrSessionNotFound
		}
		return "", "", fmt.Errorf("get session user: %w", err)
	}

	return user.ID, user.Role, nil
}

// Logout revokes a session. Revoking a session that no longer exists is not
// an error.
func (s *Service) Logout(ctx context.Context, token string) error {
	err := s.repo.DeleteSession(ctx, token)
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// GetUserByID returns a user by id.
func (s *Service) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	user, err := s.repo.GetUserByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user by id: %w", err)
	}
	return user, nil
}

// ListUsers returns a page of users ordered newest first, plus the total count.
func (s *Service) ListUsers(ctx context.Context, limit, offset int) ([]domain.User, int, error) {
	users, err := s.repo.ListUsers(ctx, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list users: %w", err)
	}

	total, err := s.repo.CountUsers(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("count users: %w", err)
	}

	return users, total, nil
}

// PurgeExpiredSessions removes sessions past their expiry and returns how
// many were removed.
func (s *Service) PurgeExpiredSessions(ctx context.Context) (int64, error) {
	purged, err := s.repo.DeleteExpiredSessions(ctx, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return purged, nil
}

// CountActiveSessions returns the number of unexpired sessions.
func (s *Service) CountActiveSessions(ctx context.Context) (int, error) {
	count, err := s.repo.CountActiveSessions(ctx, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("count active sessions: %w", err)
	}
	return count, nil
}

// EnsureAdmin creates an administrator account with the given credentials if
// no user with that email exists yet. Used to bootstrap the first admin.
func (s *Service) EnsureAdmin(ctx context.Context, email, password string) (*domain.User, error) {
	user, err := s.createUser(ctx, RegisterInput{Email: email, Password: password}, domain.RoleAdmin)
	if errors.Is(err, ErrEmailExists) {
		return s.repo.GetUserByEmail(ctx, NormalizeEmail(email))
	}
	return user, err
}

// NormalizeEmail lowercases and trims an email address. Uniqueness is
// enforced on the normalized form.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// newSessionToken mints an opaque unguessable token.
func newSessionToken() (string, error) {
	b := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
