package dataaccess

import (
	"context"
	"net/http"
	"strings"

	"bolashakai/pkg/auth"
	"bolashakai/pkg/domain"
	"bolashakai/pkg/localstore"
)

// LocalBackend serves the whole Remote surface from a Local Store, for
// running the portal without a data API. Errors mirror the data API replies
// so callers branch the same way in both modes.
type LocalBackend struct {
	*localstore.Store
	hash func(string) (string, error)
}

// NewLocalBackend wraps an initialized store. hash defaults to bcrypt.
func NewLocalBackend(s *localstore.Store, hash func(string) (string, error)) *LocalBackend {
	if hash == nil {
		hash = auth.HashPassword
	}
	return &LocalBackend{Store: s, hash: hash}
}

// Users lists accounts without credentials.
func (b *LocalBackend) Users(ctx context.Context) ([]domain.User, error) {
	users, err := b.Store.Users(ctx)
	if err != nil {
		return nil, err
	}
	for i := range users {
		users[i] = users[i].Public()
	}
	return users, nil
}

func (b *LocalBackend) CreateUser(ctx context.Context, in NewUser) (domain.User, error) {
	u := domain.User{Email: in.Email, Name: in.Name, Role: in.Role, Avatar: in.Avatar, Department: in.Department}
	if in.Password != "" {
		hash, err := b.hash(in.Password)
		if err != nil {
			return domain.User{}, err
		}
		u.PasswordHash = hash
	}
	created, err := b.Store.CreateUser(ctx, u)
	if err != nil {
		return domain.User{}, err
	}
	return created.Public(), nil
}

func (b *LocalBackend) UpdateUser(ctx context.Context, id string, patch domain.UserPatch) (domain.User, error) {
	u, err := b.Store.UpdateUser(ctx, id, patch)
	if err != nil {
		return domain.User{}, err
	}
	return u.Public(), nil
}

func (b *LocalBackend) Login(ctx context.Context, email, password string) (domain.User, error) {
	u, ok, err := b.Store.UserByEmail(ctx, email)
	if err != nil {
		return domain.User{}, err
	}
	if !ok {
		return domain.User{}, domain.ErrorFromStatus(http.StatusNotFound, "user not found")
	}
	if !auth.CheckPassword(password, u.PasswordHash) {
		return domain.User{}, domain.ErrorFromStatus(http.StatusUnauthorized, "invalid credentials")
	}
	return u.Public(), nil
}

func (b *LocalBackend) Register(ctx context.Context, in Credentials) (domain.User, error) {
	if strings.TrimSpace(in.Name) == "" {
		return domain.User{}, domain.Required("name")
	}
	if err := auth.ValidatePassword(in.Password); err != nil {
		return domain.User{}, domain.Invalid("password", err.Error())
	}
	if in.Role == domain.RoleAdmin {
		return domain.User{}, domain.Invalid("role", "admin accounts cannot self-register")
	}
	return b.CreateUser(ctx, NewUser{
		Email:      in.Email,
		Name:       in.Name,
		Role:       in.Role,
		Department: in.Department,
		Password:   in.Password,
	})
}

var _ Remote = (*LocalBackend)(nil)
