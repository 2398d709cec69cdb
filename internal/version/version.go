// Package version exposes the build version of the service.
package version

// Version is the semantic version of the running build. Release builds
// override it via -ldflags "-X .../internal/version.Version=x.y.z".
var Version = "1.2.0"
