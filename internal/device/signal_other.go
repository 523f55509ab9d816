//go:build !unix

package device

import (
	"errors"
	"os"
)

var errPauseUnsupported = errors.New("pausing an encoder is not supported on this platform")

func interruptProcess(p *os.Process) error { return p.Kill() }

func suspendProcess(*os.Process) error { return errPauseUnsupported }

func resumeProcess(*os.Process) error { return errPauseUnsupported }
