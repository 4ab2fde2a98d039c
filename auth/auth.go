package auth

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// ErrInsufficientScope indicates the caller authenticated but lacks required scope.
var ErrInsufficientScope = errors.New("insufficient scope")

// UserInfo represents an authenticated principal.
// Implementations should be lightweight and safe for concurrent use.
type UserInfo interface {
	// UserID returns the unique identifier for the user.
	UserID() string
	// Claims unmarshalls the user's claims into the provided struct reference.
	Claims(ref any) error
}

// Authenticator validates bearer tokens and returns associated user info.
// It should return ErrUnauthorized for invalid credentials.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

// CallerClaims identifies the embedding application a picker token was minted
// for. The authorization server mints access tokens carrying the pkg and uid
// claims alongside the standard iss; sessions are pinned to all three, so a
// token for a different application (or from a different issuer) cannot touch
// a session it did not open.
type CallerClaims struct {
	PackageName string `json:"pkg"`
	UID         int64  `json:"uid"`
	Issuer      string `json:"iss"`
}

// CallerFromUserInfo extracts the picker caller claims from validated user
// info. Tokens without a pkg claim or a positive uid are rejected as
// unauthorized: the transport has no caller identity to hand the engine.
func CallerFromUserInfo(ui UserInfo) (CallerClaims, error) {
	var cc CallerClaims
	if err := ui.Claims(&cc); err != nil {
		return CallerClaims{}, fmt.Errorf("%w: decode caller claims: %v", ErrUnauthorized, err)
	}
	if cc.PackageName == "" {
		return CallerClaims{}, fmt.Errorf("%w: token missing pkg claim", ErrUnauthorized)
	}
	if cc.UID <= 0 {
		return CallerClaims{}, fmt.Errorf("%w: token missing uid claim", ErrUnauthorized)
	}
	return cc, nil
}
