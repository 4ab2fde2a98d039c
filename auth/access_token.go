package auth

import (
	"context"
	"errors"
	"time"

	"github.com/embedpick/picker-server-go/internal/jwtauth"
)

// AccessTokenAuthOption configures optional aspects of the RFC 9068 access
// token authenticator (scopes, algorithms, leeway, etc.). Audience is a
// required formal argument to NewFromDiscovery instead of an option.
type AccessTokenAuthOption func(*jwtauth.Config)

// ScopesTransform maps the scopes discovered from the authorization server to
// the set advertised in the protected resource metadata document. It never
// affects token validation.
type ScopesTransform func(discovered []string) []string

// StaticScopes advertises exactly the provided scopes, ignoring whatever the
// authorization server reports. The input is copied at construction.
func StaticScopes(scopes ...string) ScopesTransform {
	fixed := make([]string, len(scopes))
	copy(fixed, scopes)
	return func([]string) []string {
		out := make([]string, len(fixed))
		copy(out, fixed)
		return out
	}
}

// FilterScopes advertises the discovered scopes for which keep returns true.
func FilterScopes(keep func(scope string) bool) ScopesTransform {
	return func(discovered []string) []string {
		out := make([]string, 0, len(discovered))
		for _, s := range discovered {
			if keep(s) {
				out = append(out, s)
			}
		}
		return out
	}
}

// WithAdvertisedScopes installs a transform applied to discovered scopes
// before they are advertised. See StaticScopes and FilterScopes for common
// shapes.
func WithAdvertisedScopes(fn ScopesTransform) AccessTokenAuthOption {
	return func(c *jwtauth.Config) { c.AdvertisedScopes = fn }
}

// WithRequiredScopes requires all of the provided scopes to be present in the
// space-delimited "scope" claim.
func WithRequiredScopes(scopes ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.RequiredScopes = append([]string(nil), scopes...)
		c.ScopeModeAny = false
	}
}

// WithAnyRequiredScope requires at least one of the provided scopes to be present.
func WithAnyRequiredScope(scopes ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.RequiredScopes = append([]string(nil), scopes...)
		c.ScopeModeAny = true
	}
}

// WithAllowedAlgs restricts allowed JWS algorithms. "none" is never allowed.
// Defaults to ["RS256"].
func WithAllowedAlgs(algs ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.AllowedAlgs = append([]string(nil), algs...)
	}
}

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) AccessTokenAuthOption {
	return func(c *jwtauth.Config) { c.Leeway = d }
}

// NewFromDiscovery returns an Authenticator that verifies RFC 9068 JWT access
// tokens discovered via OpenID Connect discovery (jwks_uri, issuer, etc.).
//
// Required:
//   - issuer:   authorization server issuer URL
//   - audience: expected audience ("aud") claim, typically your public picker endpoint URL
//
// Remaining validation knobs (scopes, algs, leeway) are configured via functional options.
//
// The resulting tokens must also carry the picker caller claims (pkg, uid);
// transports extract those with CallerFromUserInfo after validation.
func NewFromDiscovery(ctx context.Context, issuer string, audience string, opts ...AccessTokenAuthOption) (SecurityProvider, error) {
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = issuer
	cfg.ExpectedAudiences = []string{audience}
	for _, opt := range opts {
		opt(cfg)
	}
	if len(cfg.ExpectedAudiences) == 0 || cfg.ExpectedAudiences[0] == "" {
		return nil, errors.New("audience is required")
	}
	internal, err := jwtauth.NewFromDiscovery(ctx, cfg)
	if err != nil {
		return nil, err
	}
	sec := buildSecurityConfig(cfg, internal)
	return &adapter{a: internal, sec: sec}, nil
}

// extendedDiscovery is the advertisement surface a discovery-based
// authenticator exposes. All values are metadata-only; none participate in
// token validation.
type extendedDiscovery interface {
	AuthorizationEndpoint() string
	TokenEndpoint() string
	RegistrationEndpoint() string
	ResponseTypes() []string
	Scopes() []string
	GrantTypes() []string
	ResponseModes() []string
	CodeChallengeMethods() []string
	TokenEndpointAuthMethods() []string
	TokenEndpointAuthAlgs() []string
	ServiceDocumentation() string
	PolicyURI() string
	TosURI() string
}

// buildSecurityConfig assembles the advertised security configuration from
// the validation config plus whatever discovery reported.
func buildSecurityConfig(cfg *jwtauth.Config, dm extendedDiscovery) SecurityConfig {
	scopes := dm.Scopes()
	if cfg.AdvertisedScopes != nil {
		scopes = cfg.AdvertisedScopes(scopes)
	}
	sec := SecurityConfig{
		Issuer:      cfg.Issuer,
		Audiences:   append([]string(nil), cfg.ExpectedAudiences...),
		AllowedAlgs: append([]string(nil), cfg.AllowedAlgs...),
		Leeway:      cfg.Leeway,
		EnforceExp:  true,
		EnforceNbf:  true,
		Advertise:   true,
		OIDC: &OIDCExtra{
			AuthorizationEndpoint:             dm.AuthorizationEndpoint(),
			TokenEndpoint:                     dm.TokenEndpoint(),
			RegistrationEndpoint:              dm.RegistrationEndpoint(),
			ScopesSupported:                   scopes,
			ResponseTypesSupported:            dm.ResponseTypes(),
			GrantTypesSupported:               dm.GrantTypes(),
			ResponseModesSupported:            dm.ResponseModes(),
			CodeChallengeMethodsSupported:     dm.CodeChallengeMethods(),
			TokenEndpointAuthMethodsSupported: dm.TokenEndpointAuthMethods(),
			TokenEndpointAuthSigningAlgValuesSupported: dm.TokenEndpointAuthAlgs(),
			ServiceDocumentation:                       dm.ServiceDocumentation(),
			OpPolicyURI:                                dm.PolicyURI(),
			OpTosURI:                                   dm.TosURI(),
		},
	}
	sec.Normalize()
	return sec
}

// adapter wraps the internal authenticator to satisfy the public interface.
type adapter struct {
	a   jwtauth.Authenticator
	sec SecurityConfig
}

func (ad *adapter) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	ui, err := ad.a.CheckAuthentication(ctx, tok)
	if err != nil {
		// Map internal sentinel errors to public errors used by the handler.
		if errors.Is(err, jwtauth.ErrInsufficientScope) {
			return nil, errors.Join(ErrInsufficientScope, err)
		}
		return nil, errors.Join(ErrUnauthorized, err)
	}
	return userInfoAdapter{ui: ui}, nil
}

func (ad *adapter) SecurityConfig() SecurityConfig { return ad.sec.Copy() }

type userInfoAdapter struct{ ui jwtauth.UserInfo }

func (u userInfoAdapter) UserID() string       { return u.ui.UserID() }
func (u userInfoAdapter) Claims(ref any) error { return u.ui.Claims(ref) }
