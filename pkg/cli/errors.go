package cli

import (
	"errors"
	"fmt"
)

// Process exit codes.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitUsage   = 2
	ExitConfig  = 3
)

// ConfigError reports a configuration file that could not be loaded or is
// invalid.
type ConfigError struct {
	Path  string
	Cause error
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("config error: %v", e.Cause)
	}
	return fmt.Sprintf("config error in %s: %v", e.Path, e.Cause)
}

func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// CommandError reports a failed subcommand.
type CommandError struct {
	Command string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %v", e.Command, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// UsageError reports bad flags or arguments.
type UsageError struct {
	Message string
}

func (e *UsageError) Error() string {
	return e.Message
}

// NewConfigError creates a new ConfigError.
func NewConfigError(path string, cause error) *ConfigError {
	return &ConfigError{Path: path, Cause: cause}
}

// NewCommandError creates a new CommandError.
func NewCommandError(command string, err error) *CommandError {
	return &CommandError{Command: command, Err: err}
}

// Usagef creates a UsageError with a formatted message.
func Usagef(format string, args ...any) *UsageError {
	return &UsageError{Message: fmt.Sprintf(format, args...)}
}

// ExitCode maps an error returned by a command to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var usage *UsageError
	var cfg *ConfigError
	switch {
	case errors.As(err, &usage):
		return ExitUsage
	case errors.As(err, &cfg):
		return ExitConfig
	default:
		return ExitFailure
	}
}
