// Package streaminghttp implements the picker streaming HTTP transport. It
// mounts as a standard net/http handler and provides ordered bidirectional
// JSON-RPC over long-lived streaming responses (Server-Sent Events style)
// plus normal request/response for RPC calls initiated by the client.
//
// Responsibilities
//   - Session creation & validation (via sessions.SessionHost)
//   - Authentication (pluggable auth.Authenticator; OIDC or manual config)
//   - Caller pinning (sessions are bound to the pkg/uid/iss token claims)
//   - Capability discovery (invokes pickerservice.HostCapabilities getters)
//   - Ordered outbound event fan-out (progress, listChanged, selection updates)
//   - Surface attachment (websocket endpoint driven by surface grants)
//
// Construction
//
//	h, err := streaminghttp.New(
//	    ctx,
//	    "https://api.example/picker", // public endpoint base
//	    host,                          // sessions.SessionHost implementation
//	    server,                        // pickerservice.HostCapabilities
//	    authenticator,                 // auth.Authenticator
//	    // Security metadata inferred from authenticator (implements auth.SecurityDescriptor)
//	)
//
// Exactly one auth mode must be supplied: discovery or manual OIDC metadata.
//
// # Session Lifecycle
//
// A session opens with a session/open request POSTed without a session header.
// The response is an SSE stream whose first event carries the JSON-RPC result;
// the stream then keeps delivering session notifications until the client
// drops it. Subsequent POSTs carry the session header: requests answer over a
// per-request SSE stream, notifications and client responses return 202. GET
// resumes the session stream (honoring Last-Event-ID) and DELETE closes the
// session, releasing host-side state and detaching surfaces.
//
// # Scaling
//
// Horizontal scale relies on a shared SessionHost. Each node handles any mix
// of requests; ordering for a given session is preserved by the host's stream
// semantics, not sticky routing. Surface grants are minted with the injected
// JWS signer; multi-node deployments must share one (the default ephemeral
// key only verifies grants minted by the same process).
//
// # Discovery Documents
//
// When OIDC discovery or manual metadata is configured, the handler exposes
// /.well-known/oauth-protected-resource and a mirror of the authorization
// server metadata so clients can bootstrap without out-of-band configuration.
// /.well-known/picker-configuration is always served: endpoints, supported
// protocol revisions and actions, and the feature descriptor schema.
//
// # Error Handling
//
// Transport-level errors map to HTTP status codes; protocol-level errors are
// serialized as JSON-RPC error responses. Authentication failures surface a
// WWW-Authenticate challenge per RFC 6750.
//
// Example (mount in net/http):
//
//	mux := http.NewServeMux()
//	mux.Handle("/picker/", h) // route prefix
//	http.ListenAndServe(":8080", mux)
package streaminghttp
