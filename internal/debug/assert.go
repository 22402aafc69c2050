package debug

import (
	"fmt"
	"runtime"
)

// NOTE: if you'll ever want to be able to turn off assertions, not remove, but
// turn off - take a look at
// https://sourcegraph.com/github.com/apache/arrow/-/blob/go/parquet/internal/debug/assert_off.go

// Assert panics when truth is false. It guards programmer invariants, never
// bytes that came off the wire.
func Assert(truth bool, msg ...string) {
	// NOTE: in certain cases it feels unreasonable and redundant to specify msg
	if len(msg) > 1 {
		panic("invalid assert args")
	}
	if truth {
		return
	}
	if len(msg) == 1 {
		fail("assertion failed: " + msg[0])
	}
	fail("assertion failed")
}

func Assertf(truth bool, format string, args ...any) {
	if !truth {
		fail("assertion failed: " + fmt.Sprintf(format, args...))
	}
}

// NoErr panics on errors that can only come from a bug.
func NoErr(err error) {
	if err != nil {
		fail("unexpected error: " + err.Error())
	}
}

// fail prefixes msg with the location of the failed check. due to panic
// recovery, this location is otherwise buried in the middle of the panicking
// stack.
//
// NOTE: originally stolen from
// https://github.com/golang/go/blob/eaa7d9ff86b35c72cc35bd7c14b349fa414c392f/src/go/types/errors.go#L18
func fail(msg string) {
	// 0 is fail, 1 is the check, 2 is whoever called the check
	if _, file, line, ok := runtime.Caller(2); ok {
		msg = fmt.Sprintf("%s:%d: %s", file, line, msg)
	}
	panic(msg)
}
