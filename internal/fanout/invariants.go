package fanout

import "github.com/go-unionfs/unionfs/internal/logger"

// exitOnViolation controls what happens when a CheckInvariants method
// (dentry.go, inode.go, file.go) detects a broken invariant. The teacher
// declares cfg.DebugConfig.ExitOnInvariantViolation but never actually
// reads it outside its own tests; here it gates real behavior, set once
// at startup via SetExitOnViolation from cfg.Debug.ExitOnInvariantViolation.
var exitOnViolation = true

// SetExitOnViolation installs the startup-time choice between crashing
// the process on a detected invariant violation (the default, and
// syncutil.InvariantMutex's normal behavior) and logging it at ERROR and
// continuing. It is not safe to call after the server has started
// accepting requests.
func SetExitOnViolation(v bool) { exitOnViolation = v }

// violate reports a broken invariant, either by panicking (crashing the
// process, since a corrupted fan-out object cannot be trusted to serve
// further requests) or by logging and returning, depending on
// exitOnViolation.
func violate(msg string) {
	if exitOnViolation {
		panic("fanout: " + msg)
	}
	logger.Errorf("fanout: invariant violation (continuing): %s", msg)
}
