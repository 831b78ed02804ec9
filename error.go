package caretaker

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidConfig         = fmt.Errorf("invalid configuration")
	ErrStateStoreUnreachable = fmt.Errorf("state store unreachable")
)

const (
	ExitOK               = 0
	ExitInvalidConfig    = 1
	ExitStoreUnreachable = 2
)

// ExitCode maps a startup or run error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrStateStoreUnreachable):
		return ExitStoreUnreachable
	default:
		return ExitInvalidConfig
	}
}
