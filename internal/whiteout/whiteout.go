// Package whiteout names and recognizes the on-disk marker files a union
// filesystem uses to record deletions and directory overrides in a lower
// branch: whiteouts (".wh.<target>") and opaque-directory markers
// (".wh.__dir_opaque").
package whiteout

import "strings"

// Prefix is prepended to a target name to produce its whiteout name.
const Prefix = ".wh."

// OpaqueMarker is the name of the file that, when present inside a
// directory, marks that directory opaque: its contents do not union with
// any lower directory of the same logical path.
const OpaqueMarker = Prefix + "__dir_opaque"

// Name returns the whiteout file name that masks target in a branch.
func Name(target string) string {
	return Prefix + target
}

// Target returns the name masked by whiteout name, and whether name is in
// fact a whiteout name. OpaqueMarker is never reported as a whiteout of a
// real target, since ".__dir_opaque" has no representable meaning as a
// masked name.
func Target(name string) (target string, ok bool) {
	if name == OpaqueMarker {
		return "", false
	}
	if !strings.HasPrefix(name, Prefix) {
		return "", false
	}
	return strings.TrimPrefix(name, Prefix), true
}

// IsOpaqueMarker reports whether name is the opaque-directory marker.
func IsOpaqueMarker(name string) bool {
	return name == OpaqueMarker
}

// IsReserved reports whether name matches the whiteout prefix or the opaque
// marker and therefore has no representable meaning as a logical name in
// the union (spec: "Reject names matching the whiteout prefix or opaque
// marker").
func IsReserved(name string) bool {
	return name == OpaqueMarker || strings.HasPrefix(name, Prefix)
}
