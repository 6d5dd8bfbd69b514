package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/strandci/strand/internal/domain"
	"github.com/strandci/strand/internal/repository"
	"github.com/strandci/strand/pkg/config"
	"github.com/strandci/strand/pkg/crypto"
	jwtpkg "github.com/strandci/strand/pkg/jwt"
)

// ErrInvalidCredentials hides whether the account or the password was wrong.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Service handles operator authentication.
type Service struct {
	users  repository.UserRepository
	logger *slog.Logger
	cfg    config.APIConfig
}

// New constructs a Service.
func New(users repository.UserRepository, logger *slog.Logger, cfg config.APIConfig) Service {
	return Service{users: users, logger: logger, cfg: cfg}
}

// Token couples an access token with its lifetime.
type Token struct {
	AccessToken string
	ExpiresIn   time.Duration
}

// Register creates an operator account.
func (s Service) Register(ctx context.Context, email, password string) (*domain.User, Token, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return nil, Token{}, errors.New("email is required")
	}
	if len(password) < 8 {
		return nil, Token{}, errors.New("password must be at least 8 characters")
	}
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return nil, Token{}, err
	}
	user := &domain.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		return nil, Token{}, err
	}
	token, err := s.issueToken(user.ID)
	if err != nil {
		return nil, Token{}, err
	}
	s.logger.Info("operator registered", "user_id", user.ID)
	return user, token, nil
}

// Login authenticates an operator and returns an access token.
func (s Service) Login(ctx context.Context, email, password string) (*domain.User, Token, error) {
	user, err := s.users.GetUserByEmail(ctx, strings.TrimSpace(strings.ToLower(email)))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, Token{}, ErrInvalidCredentials
		}
		return nil, Token{}, err
	}
	if err := crypto.ComparePassword(user.PasswordHash, password); err != nil {
		return nil, Token{}, ErrInvalidCredentials
	}
	token, err := s.issueToken(user.ID)
	if err != nil {
		return nil, Token{}, err
	}
	s.logger.Info("operator logged in", "user_id", user.ID)
	return user, token, nil
}

// Authorize validates a bearer token and returns the associated user.
func (s Service) Authorize(ctx context.Context, token string) (*domain.User, *jwtpkg.Claims, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, nil, errors.New("token required")
	}
	claims, err := jwtpkg.Parse(trimmed, s.cfg.JWTSecret)
	if err != nil {
		return nil, nil, err
	}
	user, err := s.users.GetUserByID(ctx, claims.UserID)
	if err != nil {
		return nil, nil, err
	}
	return user, claims, nil
}

func (s Service) issueToken(userID string) (Token, error) {
	access, err := jwtpkg.GenerateToken(userID, s.cfg.JWTSecret, s.cfg.AccessTokenTTL)
	if err != nil {
		return Token{}, err
	}
	return Token{AccessToken: access, ExpiresIn: s.cfg.AccessTokenTTL}, nil
}
