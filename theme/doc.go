// Package theme derives picker UI theming from a caller-supplied accent
// color code.
//
// Clients may request a custom accent color when opening a picker session.
// The code travels as a signed 64-bit integer where -1 means "not provided".
// Validation and derivation happen exactly once, at construction, producing
// an immutable Accent value: either a specified accent paired with a
// contrasting text color, or the unspecified default. Colors whose relative
// luminance falls outside [0.05, 0.9) are rejected because they render
// illegibly against both light and dark surfaces.
package theme
