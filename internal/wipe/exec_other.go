//go:build !unix

package wipe

import (
	"os/exec"
	"time"
)

// killProcessGroup leaves the default cancellation (kill the direct child)
// in place; process groups are a unix concept.
func killProcessGroup(_ *exec.Cmd, _ time.Duration, _ <-chan struct{}) {}
