package credential

import (
	"context"
	"net/http"
	"strings"

	gateway "github.com/routiium/gateway/internal"
)

// Authenticator adapts Store to gateway.Authenticator for use as pipeline
// middleware. When passthrough is true, any bearer not in routiium's own
// token shape is accepted as-is (the upstream's own auth, substituted later
// by the routing engine's managed credentials) rather than rejected.
type Authenticator struct {
	store       *Store
	passthrough bool
}

// NewAuthenticator returns an Authenticator backed by store.
func NewAuthenticator(store *Store, passthrough bool) *Authenticator {
	return &Authenticator{store: store, passthrough: passthrough}
}

// Authenticate extracts the bearer token and verifies it against the
// managed credential store, falling back to passthrough mode if enabled.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (*gateway.Verified, error) {
	header := r.Header.Get("Authorization")
	bearer, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || bearer == "" {
		return nil, gateway.NewStatusError(gateway.ErrAuthMissing, 401, "missing bearer token")
	}

	if !strings.HasPrefix(bearer, TokenPrefix+"_") {
		if a.passthrough {
			return &gateway.Verified{Method: "passthrough"}, nil
		}
		return nil, gateway.NewStatusError(gateway.ErrAuthInvalid, 401, "unrecognized credential")
	}

	return a.store.Verify(ctx, bearer)
}
