package ir

// Version constants for the wire model and binaries.
const (
	// WireVersion is the version of the JSON wire model spoken to remotes.
	WireVersion = "1"

	// Version is the factsync release version.
	Version = "0.1.0"
)
