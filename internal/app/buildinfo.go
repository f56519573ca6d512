package app

// Build information populated via -ldflags at build time.
var (
	// BuildVersion is the semantic version of the built binary.
	BuildVersion = "0.0.0-dev"
	// BuildCommit is the VCS commit SHA associated with the build.
	BuildCommit = "unknown"
)

// Version is the string reported by the index route.
func Version() string {
	if BuildCommit == "unknown" || BuildCommit == "" {
		return BuildVersion
	}
	return BuildVersion + "+" + BuildCommit
}
