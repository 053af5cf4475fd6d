// Package version holds the current release version.
package version

// Version is overridden at build time via -ldflags.
var Version = "dev"
