package rt

import (
	internal "github.com/kolkov/shadowrt/internal/rt/api"
	"github.com/kolkov/shadowrt/internal/rt/debugger"
)

// Version information for the shadow-stack runtime.
const (
	// Version is the current version of the runtime.
	Version = "0.1.0"

	// VersionMajor is the major version number.
	VersionMajor = 0

	// VersionMinor is the minor version number.
	VersionMinor = 1

	// VersionPatch is the patch version number.
	VersionPatch = 0
)

// Info provides information about the runtime.
type Info struct {
	// Version is the runtime version string.
	Version string

	// HeaderVersion is the version of the debug header layout.
	HeaderVersion string

	// Backends lists the supported linear memory backends.
	Backends []string
}

// GetInfo returns information about the runtime.
//
// Example:
//
//	info := rt.GetInfo()
//	fmt.Printf("shadowrt %s (debug header %s)\n", info.Version, info.HeaderVersion)
func GetInfo() Info {
	return Info{
		Version:       Version,
		HeaderVersion: debugger.NewHeader().Version(),
		Backends:      []string{internal.BackendFlat, internal.BackendWasm},
	}
}
