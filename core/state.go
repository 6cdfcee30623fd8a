package core

import "strings"

// State is an opaque reference to a server-held immutable artifact (an
// image, a mask, a bounding box). Every edit produces a new State; a State
// observed once denotes the same content for the lifetime of the session.
// States are created by upload or by a successful skill invocation and are
// never deleted by the client (retention is server-owned).
type State string

// StatePrefix is the leading marker of every state identifier.
const StatePrefix = "st-"

// Valid reports whether the identifier is well formed: the "st-" prefix
// followed by a non-empty suffix with no path separators (state ids are
// embedded into request paths).
func (s State) Valid() bool {
	rest, ok := strings.CutPrefix(string(s), StatePrefix)
	if !ok || rest == "" {
		return false
	}
	return !strings.ContainsAny(rest, "/ \t\n")
}

func (s State) String() string { return string(s) }

// Priority selects the server-side scheduling class for skill invocations.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityStandard Priority = "standard"
	PriorityHigh     Priority = "high"
)

// ImageFormat names a rendering format accepted by the image endpoint.
type ImageFormat string

const (
	FormatPNG  ImageFormat = "PNG"
	FormatJPEG ImageFormat = "JPEG"
	FormatWEBP ImageFormat = "WEBP"
)

// Resolution names a rendering resolution class accepted by the image
// endpoint. FULL returns the artifact at its native size, DISPLAY a
// screen-friendly downscale.
type Resolution string

const (
	ResolutionFull    Resolution = "FULL"
	ResolutionDisplay Resolution = "DISPLAY"
)

// ImageOut bundles the rendering parameters for inlined result images.
type ImageOut struct {
	Format     ImageFormat `json:"format"`
	Resolution Resolution  `json:"resolution"`
}

// DefaultImageOut is used when a caller asks for an inlined image without
// specifying how to render it.
var DefaultImageOut = ImageOut{Format: FormatWEBP, Resolution: ResolutionDisplay}
