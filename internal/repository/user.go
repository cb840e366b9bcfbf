package repository

import (
	"context"
	"errors"

	"btcore/internal/domain"
)

var (
	// ErrUserNotFound reports a lookup for a user that does not exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrUsernameTaken reports a create with an already registered username.
	ErrUsernameTaken = errors.New("username already taken")
)

// UserRepository defines persistence operations for User entities.
type UserRepository interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, user *domain.User) (int64, error)
	GetByUsername(ctx context.Context, username string) (*domain.User, error)
	GetByID(ctx context.Context, id int64) (*domain.User, error)
}
