package common

import "fmt"

// Build constants, overridable at link time with
// -ldflags "-X github.com/veilbet/veilbet/common.COMMIT=...".
var (
	MAJOR  = "0"
	MINOR  = "1"
	PATCH  = "0"
	COMMIT = ""
)

// Version returns the version string printed by the CLI banner.
func Version() string {
	v := fmt.Sprintf("%s.%s.%s", MAJOR, MINOR, PATCH)
	if COMMIT != "" {
		v += " (commit " + COMMIT + ")"
	}
	return v
}
