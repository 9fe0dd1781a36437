package localstore

import (
	"context"
	"strings"

	"bolashakai/pkg/domain"
)

// Users returns every user. Rows missing a password hash get the hash of the
// default password and the corrected table is written back.
func (s *Store) Users(ctx context.Context) ([]domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usersLocked(ctx)
}

func (s *Store) usersLocked(ctx context.Context) ([]domain.User, error) {
	users, err := load[domain.User](ctx, s.kv, keyUsers)
	if err != nil {
		return nil, err
	}
	var hash string
	migrated := false
	for i := range users {
		if users[i].PasswordHash != "" {
			continue
		}
		if hash == "" {
			if hash, err = s.hash(domain.DefaultPassword); err != nil {
				return nil, err
			}
		}
		users[i].PasswordHash = hash
		migrated = true
	}
	if migrated {
		if err := save(ctx, s.kv, keyUsers, users); err != nil {
			return nil, err
		}
	}
	return users, nil
}

// UserByEmail looks a user up by normalized email.
func (s *Store) UserByEmail(ctx context.Context, email string) (domain.User, bool, error) {
	users, err := s.Users(ctx)
	if err != nil {
		return domain.User{}, false, err
	}
	email = domain.NormalizeEmail(email)
	for _, u := range users {
		if domain.NormalizeEmail(u.Email) == email {
			return u, true, nil
		}
	}
	return domain.User{}, false, nil
}

// UserByID looks a user up by id.
func (s *Store) UserByID(ctx context.Context, id string) (domain.User, bool, error) {
	users, err := s.Users(ctx)
	if err != nil {
		return domain.User{}, false, err
	}
	for _, u := range users {
		if u.ID == id {
			return u, true, nil
		}
	}
	return domain.User{}, false, nil
}

// CreateUser appends a user. Email must be unique.
func (s *Store) CreateUser(ctx context.Context, u domain.User) (domain.User, error) {
	u.Email = domain.NormalizeEmail(u.Email)
	u.Name = strings.TrimSpace(u.Name)
	if u.Email == "" {
		return domain.User{}, domain.Required("email")
	}
	if u.Name == "" {
		return domain.User{}, domain.Required("name")
	}
	if u.Role == "" {
		u.Role = domain.RoleStudent
	}
	if !domain.ValidRole(u.Role) {
		return domain.User{}, domain.Invalid("role", "unknown role "+string(u.Role))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	users, err := s.usersLocked(ctx)
	if err != nil {
		return domain.User{}, err
	}
	for _, existing := range users {
		if domain.NormalizeEmail(existing.Email) == u.Email {
			return domain.User{}, &domain.ConflictError{Resource: "user", Message: "email already exists"}
		}
	}
	if u.ID == "" {
		u.ID = s.newID("u_")
	}
	if u.JoinedAt.IsZero() {
		u.JoinedAt = s.now().UTC()
	}
	users = append(users, u)
	if err := save(ctx, s.kv, keyUsers, users); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

// UpdateUser shallow-merges the patch into the user with id.
func (s *Store) UpdateUser(ctx context.Context, id string, patch domain.UserPatch) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	users, err := s.usersLocked(ctx)
	if err != nil {
		return domain.User{}, err
	}
	idx := -1
	for i, u := range users {
		if u.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return domain.User{}, &domain.NotFoundError{Resource: "user", ID: id}
	}
	u := users[idx]
	if patch.Email != nil {
		email := domain.NormalizeEmail(*patch.Email)
		if email == "" {
			return domain.User{}, domain.Required("email")
		}
		for i, other := range users {
			if i != idx && domain.NormalizeEmail(other.Email) == email {
				return domain.User{}, &domain.ConflictError{Resource: "user", Message: "email already exists"}
			}
		}
		u.Email = email
	}
	if patch.Name != nil {
		u.Name = *patch.Name
	}
	if patch.Role != nil {
		if !domain.ValidRole(*patch.Role) {
			return domain.User{}, domain.Invalid("role", "unknown role "+string(*patch.Role))
		}
		u.Role = *patch.Role
	}
	if patch.Avatar != nil {
		u.Avatar = *patch.Avatar
	}
	if patch.Department != nil {
		u.Department = *patch.Department
	}
	if patch.PasswordHash != nil {
		u.PasswordHash = *patch.PasswordHash
	} else if patch.Password != nil {
		hash, err := s.hash(*patch.Password)
		if err != nil {
			return domain.User{}, err
		}
		u.PasswordHash = hash
	}
	users[idx] = u
	if err := save(ctx, s.kv, keyUsers, users); err != nil {
		return domain.User{}, err
	}
	return u, nil
}
