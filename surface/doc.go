// Package surface manages the embedded picker surfaces a host hands to
// client apps. Opening a session mints a [Package]: an opaque surface ID, a
// stream URL, and a short-lived JWS grant token. The client's embedding
// attaches to the stream URL over WebSocket, presenting the token; the
// [Hub] verifies it against the [Issuer] and joins the connection to its
// session.
//
// Once attached, the host pushes [Frame] snapshots (grid contents, theme
// variables, selection state) with [Hub.PushFrame] and receives validated
// [UIEvent]s through its [InboundHandler]. Event payloads come from
// client-controlled embeddings, so they are schema-checked before they
// reach the handler.
//
// Typical wiring:
//
//	issuer := surface.NewIssuer(signer)
//	hub := surface.NewHub(issuer, surface.WithInboundHandler(onEvent))
//	mux.Handle("/surface", hub)
//
//	pkg, err := surface.New(issuer, sessionID, "wss://host/surface", callerPkg)
//	// hand pkg.Info() back in the open-session response
package surface
