// Copyright 2026 © The Valiant Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/Vusisean11/valiant/pkg/errors"
)

// CLIError wraps an engine error with a hint for the operator.
type CLIError struct {
	Err  *errors.Error
	Hint string
}

// NewCLIError creates a new CLI error.
func NewCLIError(e *errors.Error, hint string) *CLIError {
	return &CLIError{Err: e, Hint: hint}
}

// Error returns the formatted error message with hints.
func (e *CLIError) Error() string {
	if e.Err == nil {
		return "unknown error"
	}
	msg := e.Err.Error()
	if e.Hint != "" {
		msg += "\n  Hint: " + e.Hint
	}
	return msg
}

// Unwrap exposes the engine error to errors.As and errors.Is.
func (e *CLIError) Unwrap() error { return e.Err }

// PrintError prints the error with appropriate formatting.
func (e *CLIError) PrintError(w io.Writer, asJSON bool) {
	if asJSON {
		_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{
			"code":    string(e.Err.Code),
			"message": e.Err.Error(),
			"hint":    e.Hint,
		}})
		return
	}
	fmt.Fprintf(w, "Error [%s]: %s\n", FormatErrorCode(e.Err.Code), e.Err.Error())
	if e.Hint != "" {
		fmt.Fprintf(w, "  Hint: %s\n", e.Hint)
	}
}

// NewConfigError creates a configuration error with CLI hints.
func NewConfigError(err error, configPath string) *CLIError {
	e := errors.New(errors.CodeConfiguration, "configuration error", err).
		WithContext("config_path", configPath)
	hint := "check your configuration file and VALIANT_* environment variables"
	if configPath != "" {
		hint = fmt.Sprintf("check %s for syntax errors", configPath)
	}
	return NewCLIError(e, hint)
}

// NewRepositoryError reports agent definitions that could not be loaded.
func NewRepositoryError(err error, dir string) *CLIError {
	e := errors.New(errors.CodeConfiguration, "agent definitions could not be loaded", err).
		WithContext("path", dir)
	return NewCLIError(e, fmt.Sprintf("run 'valiant validate %s' for details", dir))
}

// NewStoreError reports a session or audit store that could not be opened.
func NewStoreError(err error, driver string) *CLIError {
	e := errors.New(errors.CodeStorage, "store unavailable", err).
		WithContext("driver", driver)
	return NewCLIError(e, "check store.driver and store.dsn")
}

// NewInvalidArgumentError creates an invalid argument error with CLI hints.
func NewInvalidArgumentError(arg, reason string) *CLIError {
	e := errors.New(errors.CodeInvalidInput, fmt.Sprintf("invalid argument: %s", reason), nil).
		WithContext("argument", arg)
	return NewCLIError(e, "run 'valiant help' for usage information")
}

// PrintSimpleError prints an error that carries no hint.
func PrintSimpleError(w io.Writer, err error, asJSON bool) {
	if asJSON {
		_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{
			"code":    string(errors.As(err).Code),
			"message": err.Error(),
		}})
		return
	}
	fmt.Fprintf(w, "Error: %s\n", err.Error())
}

// FormatErrorCode returns a user-friendly name for error codes.
func FormatErrorCode(code errors.ErrorCode) string {
	switch code {
	case errors.CodeInternal:
		return "Internal Error"
	case errors.CodeInvalidInput:
		return "Invalid Input"
	case errors.CodeConfiguration:
		return "Configuration"
	case errors.CodeNotFound:
		return "Not Found"
	case errors.CodeTimeout:
		return "Timeout"
	case errors.CodeEvaluation:
		return "Evaluation Failed"
	case errors.CodeToolFailure:
		return "Tool Failure"
	case errors.CodeGeneration:
		return "Generation Failed"
	case errors.CodeSessionConflict:
		return "Session Conflict"
	case errors.CodeStorage:
		return "Storage"
	default:
		return string(code)
	}
}
