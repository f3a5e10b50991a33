// Package caller identifies who is invoking an operation.
package caller

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
)

const (
	RoleAdmin  = "admin"
	RoleUser   = "user"
	RoleSystem = "system"
)

type Caller interface {
	ID() snowflake.ID
	IsAdmin() bool
	Role() string
}

// User is the concrete caller used by the HTTP layer, the job driver and tests.
type User struct {
	UserID   snowflake.ID
	UserRole string
}

func NewUser(id snowflake.ID, role string) User {
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" {
		role = RoleUser
	}
	return User{UserID: id, UserRole: role}
}

// System is the caller used by scheduled jobs.
func System() User {
	return User{UserRole: RoleSystem}
}

func (u User) ID() snowflake.ID { return u.UserID }

func (u User) IsAdmin() bool {
	return u.UserRole == RoleAdmin || u.UserRole == RoleSystem
}

func (u User) Role() string { return u.UserRole }

var ErrNoCaller = errors.New("caller_not_found")

type callerKey struct{}

func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

func FromContext(ctx context.Context) (Caller, error) {
	if ctx == nil {
		return nil, ErrNoCaller
	}
	c, ok := ctx.Value(callerKey{}).(Caller)
	if !ok || c == nil {
		return nil, ErrNoCaller
	}
	return c, nil
}
