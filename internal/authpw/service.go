// Package authpw provides login/password registration and authentication.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"docvault/api/internal/store"
)

var (
	ErrLoginTaken         = errors.New("login already registered")
	ErrInvalidCredentials = errors.New("invalid login or password")
)

// UserStore is the storage interface for registration and login.
type UserStore interface {
	CreateUser(ctx context.Context, user store.User) error
	GetUserByLogin(ctx context.Context, login string) (store.User, error)
}

type Service struct {
	store UserStore
}

func NewService(userStore UserStore) *Service {
	return &Service{store: userStore}
}

// Register creates a user with a bcrypt password hash. Logins are unique;
// a collision surfaces as ErrLoginTaken.
func (s *Service) Register(ctx context.Context, login, password string) (store.User, error) {
	login = strings.TrimSpace(login)
	if login == "" {
		return store.User{}, errors.New("login is required")
	}
	if len(password) < 8 {
		return store.User{}, errors.New("password must be at least 8 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	user := store.User{
		ID:           uuid.NewString(),
		Login:        login,
		PasswordHash: string(hash),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return store.User{}, ErrLoginTaken
		}
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// Authenticate verifies login and password. Unknown login and wrong password
// are indistinguishable to the caller.
func (s *Service) Authenticate(ctx context.Context, login, password string) (store.User, error) {
	user, err := s.store.GetUserByLogin(ctx, strings.TrimSpace(login))
	if err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	return user, nil
}
