package comport

import (
	"fmt"
	"os"
)

// ProcessController terminates OS processes on behalf of the
// terminate-group command.
type ProcessController interface {
	Terminate(pid uint32) error
}

// OSProcessController terminates processes through the local OS process
// API.
type OSProcessController struct{}

// Terminate stops pid, best effort.
func (OSProcessController) Terminate(pid uint32) error {
	proc, err := os.FindProcess(int(pid))
	if err != nil {
		return fmt.Errorf("opening process %d: %w", pid, err)
	}
	if err := proc.Kill(); err != nil {
		return fmt.Errorf("terminating process %d: %w", pid, err)
	}
	return nil
}
