// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import "fmt"

// ExitError ends the process with Code and no extra message. Commands
// return it after printing their own output, for example when "wake"
// sent the packet but the host never reported ready.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit code %d", e.Code)
}

// ExitCode is checked by main to tell a handled exit from an error
// that still needs printing.
func (e *ExitError) ExitCode() int {
	return e.Code
}
