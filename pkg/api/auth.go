package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/cuemby/seedhost/pkg/storage"
	"github.com/cuemby/seedhost/pkg/types"
)

// ErrUnauthorized is returned when a request carries no valid credentials
var ErrUnauthorized = errors.New("unauthorized")

// Authenticator resolves the user making a request
type Authenticator interface {
	Authenticate(r *http.Request) (*types.User, error)
}

// TokenAuthenticator looks up bearer tokens in the store. Browsers using
// EventSource cannot set headers, so the access_token query parameter is
// accepted as well.
type TokenAuthenticator struct {
	Store storage.Store
}

// Authenticate implements Authenticator
func (a *TokenAuthenticator) Authenticate(r *http.Request) (*types.User, error) {
	token := ""
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if token == "" {
		token = r.URL.Query().Get("access_token")
	}
	if token == "" {
		return nil, ErrUnauthorized
	}

	user, err := a.Store.GetUserByToken(token)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up token: %w", err)
	}
	return user, nil
}

type userKey struct{}

func withUser(ctx context.Context, user *types.User) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// UserFrom returns the authenticated user stored in ctx
func UserFrom(ctx context.Context) (*types.User, bool) {
	user, ok := ctx.Value(userKey{}).(*types.User)
	return user, ok
}
