// Package authtest provides a static Authenticator for tests and local
// development. It accepts any non-empty bearer token and reports a fixed
// caller identity, skipping signature and issuer checks entirely. Never use
// it outside a test or development environment.
package authtest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/embedpick/picker-server-go/auth"
)

// Static authenticates every request as a fixed picker caller.
type Static struct {
	// Subject is the token subject reported by UserID. Defaults to the
	// package name when empty.
	Subject string
	// PackageName and UID identify the embedding application.
	PackageName string
	UID         int64
	// Issuer is reported in the iss claim. Defaults to "https://authtest.invalid".
	Issuer string
}

var _ auth.Authenticator = (*Static)(nil)

// NewStatic returns an authenticator that reports the given caller for any
// non-empty token.
func NewStatic(packageName string, uid int64) *Static {
	return &Static{PackageName: packageName, UID: uid}
}

// CheckAuthentication implements auth.Authenticator. The token content is
// ignored besides a non-empty check, which keeps the transport's missing
// credential paths testable.
func (s *Static) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", auth.ErrUnauthorized)
	}
	sub := s.Subject
	if sub == "" {
		sub = s.PackageName
	}
	iss := s.Issuer
	if iss == "" {
		iss = "https://authtest.invalid"
	}
	return staticUserInfo{
		sub: sub,
		claims: map[string]any{
			"sub": sub,
			"iss": iss,
			"pkg": s.PackageName,
			"uid": s.UID,
		},
	}, nil
}

type staticUserInfo struct {
	sub    string
	claims map[string]any
}

func (u staticUserInfo) UserID() string { return u.sub }

func (u staticUserInfo) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}
