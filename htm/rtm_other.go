//go:build !amd64 || race

package htm

const rtmSupported = false

// RTM returns nil: hardware transactions need amd64 and a build without the
// race detector.
func RTM() Engine { return nil }

// InTransaction always reports false on this build.
func InTransaction() bool { return false }
