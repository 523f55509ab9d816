//go:build unix

package device

import (
	"os"
	"syscall"
)

func interruptProcess(p *os.Process) error { return p.Signal(os.Interrupt) }

func suspendProcess(p *os.Process) error { return p.Signal(syscall.SIGSTOP) }

func resumeProcess(p *os.Process) error { return p.Signal(syscall.SIGCONT) }
