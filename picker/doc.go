// Package picker contains protocol data types and constants shared across
// transports and host capability implementations. It mirrors the wire
// representation of the embedded picker protocol while keeping the surface
// Go-friendly (exported structs with json tags, string constants for method
// names and enumerations, helper validation functions).
//
// The package is intentionally free of transport logic: HTTP streaming,
// stdio, or any future transports import these types but implement their own
// framing, authentication and session handling. Likewise higher-level host
// packages (e.g. pickerservice) construct responses using these concrete
// types and hand them to the engine for JSON-RPC serialization.
//
// # Method Names
//
// JSON-RPC method and notification names are enumerated as Method constants
// (e.g. MediaListMethod). Using the constants avoids typographical mistakes
// and ensures a single point of truth if the protocol evolves.
//
// # Sessions
//
// A picker session starts with a SessionOpenMethod request carrying the
// caller identity, surface placement, and a FeatureInfo descriptor. The
// OpenSessionResult pairs the created session with the surface package the
// client embeds. From then on the client drives session methods and receives
// host notifications over the session stream until the session is closed.
//
// # Pagination
//
// Media and album listings use cursor-based pagination. PaginatedRequest and
// PaginatedResult are embedded in request / result envelopes to keep the core
// list types clean while offering forward-compatible metadata via
// BaseMetadata.
//
// # Compatibility
//
// The LatestProtocolVersion constant reflects the most recent protocol date
// the library targets. Transports negotiate versions at runtime; application
// code can compare a session's negotiated version with this constant to gate
// optional behaviors.
package picker
