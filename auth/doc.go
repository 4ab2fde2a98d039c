// Package auth provides pluggable authentication primitives used by the
// streaming HTTP transport. It focuses on bearer token (JWT) verification
// for picker hosts that delegate authorization to an external OAuth 2.0 /
// OIDC authorization server.
//
// The public surface intentionally stays small: an Authenticator validates an
// incoming bearer token string and returns a UserInfo (or an error). The
// transport is responsible for extracting the token from the HTTP request and
// mapping sentinel errors into protocol-specific challenges.
//
// # Access Token Authentication
//
// NewFromDiscovery constructs an Authenticator that validates RFC 9068
// access tokens using OpenID Connect discovery to obtain the issuer's JWKS
// and metadata. Callers configure validation requirements via functional
// options (expected audience, required scopes, leeway, allowed algorithms).
//
// Example:
//
//	ctx := context.Background()
//	authn, err := auth.NewFromDiscovery(ctx, "https://issuer.example", "https://picker.example/api",
//	    auth.WithRequiredScopes("picker:browse", "picker:select"),
//	)
//	if err != nil { log.Fatal(err) }
//
//	// Later inside request handling (pseudocode):
//	ui, err := authn.CheckAuthentication(r.Context(), bearerToken)
//	if errors.Is(err, auth.ErrUnauthorized) { /* map to 401 challenge */ }
//	if errors.Is(err, auth.ErrInsufficientScope) { /* map to insufficient scope */ }
//	caller, err := auth.CallerFromUserInfo(ui)
//
// # Caller Identity
//
// Picker access tokens additionally identify the embedding application: the
// pkg claim names the caller package and uid carries its numeric identity.
// CallerFromUserInfo extracts both (plus the token issuer) after validation;
// the engine pins every session to that triple.
//
// # Scopes
//
// WithRequiredScopes enforces that all provided scopes are present in the
// token's space-delimited scope claim; WithAnyRequiredScope relaxes this so
// at least one matches. Only one of these should be used per Authenticator
// configuration (subsequent calls overwrite scope mode). WithAdvertisedScopes
// shapes the scopes published in the protected resource metadata document
// without affecting validation.
//
// Algorithms & Clock Skew
//
// By default only RS256 is accepted. Use WithAllowedAlgs to broaden the set.
// WithLeeway adds tolerance for clock skew when validating exp/iat/nbf.
//
// # Errors
//
// ErrUnauthorized signals the token is invalid (signature, expiry, audience,
// etc.). ErrInsufficientScope signals successful authentication but missing
// required scope(s).
package auth
