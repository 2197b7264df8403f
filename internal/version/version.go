// Package version exposes the build version of loom.
package version

import (
	_ "embed"
	"strings"
)

//go:embed VERSION
var versionContent string

// Get returns the embedded version string with surrounding whitespace removed.
func Get() string {
	return strings.TrimSpace(versionContent)
}

// UserAgent returns the identifier loom sends to remote services.
func UserAgent() string {
	return "loom/" + Get()
}
