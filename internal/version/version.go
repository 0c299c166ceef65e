// Package version carries build identification, stamped via -ldflags.
package version

// App is the application name reported in logs and status endpoints.
const App = "lapreport"

var (
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)
