package sshexec

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionFailed wraps any failure to establish or reuse a
	// session with a server.
	ErrConnectionFailed = errors.New("ssh connection failed")

	// ErrCommandTimeout indicates the remote command exceeded its
	// deadline and was killed.
	ErrCommandTimeout = errors.New("command timed out")

	// ErrNoAuth indicates the connection has neither a key path nor a
	// password.
	ErrNoAuth = errors.New("no usable authentication method")
)

// CommandError reports a remote command that ran but exited non-zero.
type CommandError struct {
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("command exited %d", e.ExitCode)
	}
	return fmt.Sprintf("command exited %d: %s", e.ExitCode, e.Stderr)
}
