// Package sessions defines the core session abstraction shared by picker
// transports and host capability code. A session represents one embedded
// photo picker surface opened by a caller application: the negotiated
// protocol version, the caller identity (package name + uid), the feature
// descriptor supplied at open time, and the optional capability surface the
// embedding client exposes back to the host. Transports create and persist
// session metadata via a SessionHost implementation and attach capability
// handles returned from higher-level host code (pickerservice).
//
// Layers & Roles
//
//	Transport      -> orchestrates the session/open handshake, manages lifetime
//	SessionHost    -> durability & coordination (ordered client stream + internal events + metadata + KV)
//	Session object -> per-session view exposed to capability code
//
// # Host Interface
//
// SessionHost abstracts persistence and ordered fan-out semantics required by
// streaming transports:
//   - PublishSession / SubscribeSession : ordered client-visible message log (at-least-once)
//   - PublishEvent / SubscribeEvents    : server-internal coordination topics
//   - Metadata CRUD + sliding TTL       : lifecycle & revocation
//   - Bounded per-session KV            : small auxiliary state
//   - BeginAwait / Fulfill              : rendezvous for host-to-client round trips
//
// Implementations
//
//	memoryhost : in-memory reference used for tests / single-process embedding
//	redishost  : Redis Streams backed implementation for horizontal scale and durability
//
// # Capabilities
//
// A Session may expose optional capability interfaces declared by the
// embedding client at open time (currently grant acknowledgement). Host /
// engine layers interrogate these when handling incoming requests. Absence
// simply means the client did not elect to provide that surface for the
// session.
//
// # Caller Revocation
//
// Per-session revocation is a metadata flag. Caller-wide invalidation (all
// sessions opened by one application identity, e.g. after the platform
// resets that application's media permissions) uses epoch fencing: sessions
// record the caller epoch at creation and loading compares it against the
// current epoch for the caller scope.
package sessions
