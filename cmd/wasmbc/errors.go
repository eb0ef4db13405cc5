package main

import (
	"errors"

	"github.com/raymyers/wasmbc/pkg/abi"
	"github.com/raymyers/wasmbc/pkg/codegen"
	"github.com/raymyers/wasmbc/pkg/isa"
	"github.com/raymyers/wasmbc/pkg/obj"
)

// Process exit codes.
const (
	exitFailure    = 1
	exitLookup     = 2
	exitCodegen    = 3
	exitRelocation = 4
)

// hasExitCode is an error that knows the code the process should exit
// with.
type hasExitCode interface {
	error
	ExitCode() int
}

type withExitCode struct {
	error
	code int
}

func (w withExitCode) Unwrap() error { return w.error }
func (w withExitCode) ExitCode() int { return w.code }

// withExitCodeIfNone attaches code to err unless it already carries one.
func withExitCodeIfNone(err error, code int) error {
	if err == nil {
		return nil
	}
	var ec hasExitCode
	if errors.As(err, &ec) {
		return err
	}
	return withExitCode{error: err, code: code}
}

// classify attaches the exit code of the fault class err belongs to.
func classify(err error) error {
	var cerr *codegen.Error
	switch {
	case err == nil:
		return nil
	case errors.Is(err, isa.ErrUnsupported), errors.Is(err, isa.ErrSupportDisabled):
		return withExitCodeIfNone(err, exitLookup)
	case errors.As(err, &cerr), errors.Is(err, abi.ErrMultiValue), errors.Is(err, abi.ErrNoResultRegisters):
		return withExitCodeIfNone(err, exitCodegen)
	case errors.Is(err, obj.ErrUnresolved):
		return withExitCodeIfNone(err, exitRelocation)
	}
	return err
}

func exitCodeOf(err error) int {
	var ec hasExitCode
	if errors.As(classify(err), &ec) {
		return ec.ExitCode()
	}
	return exitFailure
}
