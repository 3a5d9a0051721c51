package main

import "fmt"

// Exit codes beyond the generic failure of 1.
const (
	exitUsage    = 2
	exitProblems = 3
)

type exitCodeError struct {
	code  int
	msg   string
	quiet bool
}

func (e *exitCodeError) Error() string {
	return e.msg
}

func (e *exitCodeError) ExitCode() int {
	return e.code
}

func (e *exitCodeError) Quiet() bool {
	return e.quiet
}

func usageError(format string, args ...any) error {
	return &exitCodeError{code: exitUsage, msg: fmt.Sprintf(format, args...)}
}
