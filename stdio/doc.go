// Package stdio implements a single-peer picker transport over stdin/stdout.
// It is the same-machine analog of the platform binder: the embedding client
// spawns the host as a child process and exchanges newline-delimited JSON-RPC
// over the pipes, with no HTTP listener and no bearer tokens involved.
//
// Characteristics
//
//	Connection model : 1 process <-> 1 client, at most one session
//	Identity         : OS user via CallerProvider; package name self-declared
//	Sessions         : memory host by default; WithSessionHost to share one
//	Transport        : one JSON-RPC message per line, both directions
//	Liveness         : optional keepalive pings; EOF tears the session down
//
// Options allow supplying alternate io.Reader / io.Writer, a custom logger,
// a signer for surface tokens, or the hub URL of a co-located HTTP host so
// surface descriptors issued over the pipe resolve somewhere real.
//
// Example:
//
//	caps := pickerservice.NewHost(
//	    pickerservice.WithHostInfo(pickerservice.StaticHostInfo("my-host", "0.1.0")),
//	    // pickerservice.WithMediaCapability(...), etc.
//	)
//	h := stdio.NewHandler(caps)
//	if err := h.Serve(context.Background()); err != nil { log.Fatal(err) }
//
// For multi-session deployments with resumable streams, authentication, and
// horizontal scale, prefer the streaming HTTP transport.
package stdio
