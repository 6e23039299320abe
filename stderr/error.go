package stderr

import (
	"errors"
	"fmt"
	"io"
	"runtime/debug"
)

// StdError carries the stack captured where a failure first crossed into
// our code. Error() stays short; use %+v to print the stack.
type StdError struct {
	err    error
	stacks string
}

func (e *StdError) Error() string {
	return e.err.Error()
}

func (e *StdError) Unwrap() error {
	return e.err
}

// Stack returns the goroutine stack recorded by Wrap.
func (e *StdError) Stack() string {
	return e.stacks
}

func (e *StdError) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			fmt.Fprintf(s, "err:%v\nstacks:%s", e.err, e.stacks)
			return
		}
		io.WriteString(s, e.Error())
	case 's':
		io.WriteString(s, e.Error())
	case 'q':
		fmt.Fprintf(s, "%q", e.Error())
	}
}

func New(s string) error {
	return Wrap(errors.New(s))
}

func Errorf(format string, args ...any) error {
	return Wrap(fmt.Errorf(format, args...))
}

func Wrap(err error) error {
	if err == nil {
		return nil
	}
	var v *StdError
	if errors.As(err, &v) {
		return err
	}
	return &StdError{
		err:    err,
		stacks: getStack(),
	}
}

func getStack() string {
	return string(debug.Stack())
}
