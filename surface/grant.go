package surface

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/embedpick/picker-server-go/internal/sessioncore"
)

var (
	// ErrGrantInvalid marks attach tokens that fail structural or signature
	// checks.
	ErrGrantInvalid = errors.New("surface: invalid grant token")

	// ErrGrantExpired marks attach tokens presented after their expiry.
	ErrGrantExpired = errors.New("surface: grant token expired")
)

// GrantClaims is the signed payload of a surface attach token. It binds the
// token to exactly one surface of one session; Package records the caller
// the surface was minted for, for audit logging on attach.
type GrantClaims struct {
	SessionID string `json:"sid"`
	SurfaceID string `json:"sfc"`
	Package   string `json:"pkg,omitzero"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// Issuer mints and checks surface attach tokens. Tokens are compact JWS
// over GrantClaims; the signer owns key selection and rotation.
type Issuer struct {
	signer sessioncore.JWSSignerVerifier
	ttl    time.Duration
	now    func() time.Time
}

// IssuerOption configures an Issuer.
type IssuerOption func(*Issuer)

// WithGrantTTL bounds how long an issued token stays attachable. Defaults
// to 10 minutes; a surface only needs the token for its initial dial.
func WithGrantTTL(d time.Duration) IssuerOption {
	return func(i *Issuer) {
		if d > 0 {
			i.ttl = d
		}
	}
}

// WithIssuerClock overrides the time source.
func WithIssuerClock(now func() time.Time) IssuerOption {
	return func(i *Issuer) {
		if now != nil {
			i.now = now
		}
	}
}

// NewIssuer constructs an Issuer over the given signer.
func NewIssuer(signer sessioncore.JWSSignerVerifier, opts ...IssuerOption) *Issuer {
	i := &Issuer{
		signer: signer,
		ttl:    10 * time.Minute,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(i)
		}
	}
	return i
}

// Issue mints an attach token for one surface of one session.
func (i *Issuer) Issue(sessionID, surfaceID, callerPackage string) (string, error) {
	now := i.now()
	payload, err := json.Marshal(GrantClaims{
		SessionID: sessionID,
		SurfaceID: surfaceID,
		Package:   callerPackage,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(i.ttl).Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("marshal grant claims: %w", err)
	}
	token, err := i.signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("sign grant: %w", err)
	}
	return token, nil
}

// Verify checks a presented token's signature and expiry and returns its
// claims.
func (i *Issuer) Verify(token string) (GrantClaims, error) {
	payload, _, err := i.signer.Verify(token)
	if err != nil {
		return GrantClaims{}, fmt.Errorf("%w: %w", ErrGrantInvalid, err)
	}
	var claims GrantClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return GrantClaims{}, fmt.Errorf("%w: %w", ErrGrantInvalid, err)
	}
	if claims.SessionID == "" || claims.SurfaceID == "" {
		return GrantClaims{}, fmt.Errorf("%w: missing subject", ErrGrantInvalid)
	}
	if claims.ExpiresAt > 0 && i.now().Unix() >= claims.ExpiresAt {
		return GrantClaims{}, fmt.Errorf("%w: at %d", ErrGrantExpired, claims.ExpiresAt)
	}
	return claims, nil
}
