// Package xerrors records where errors are created and wrapped so error
// logs can point at the failing sync stage without a full stack per wrap.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

const maxStackDepth = 64

// Frame is one resolved call site.
type Frame struct {
	Function string
	File     string
	Line     int
}

func (f Frame) String() string { return fmt.Sprintf("%s (%s:%d)", f.Function, f.File, f.Line) }

type withStack struct {
	err error
	pcs []uintptr
}

func (w *withStack) Error() string       { return w.err.Error() }
func (w *withStack) Unwrap() error       { return w.err }
func (w *withStack) StackPCs() []uintptr { return w.pcs }
func (w *withStack) IsXerrorsWrapper()   {}

type wrap struct {
	err error
	msg string
	pc  uintptr
}

func (w *wrap) Error() string     { return w.msg + ": " + w.err.Error() }
func (w *wrap) Unwrap() error     { return w.err }
func (w *wrap) PC() uintptr       { return w.pc }
func (w *wrap) IsXerrorsWrapper() {}

// joined keeps the errors.Join message and tree and adds the join site.
type joined struct {
	err  error
	errs []error
	pc   uintptr
}

func (j *joined) Error() string     { return j.err.Error() }
func (j *joined) Unwrap() []error   { return j.errs }
func (j *joined) PC() uintptr       { return j.pc }
func (j *joined) IsXerrorsWrapper() {}

func captureStack(skip int) []uintptr {
	pcs := make([]uintptr, maxStackDepth)
	// 2 skips runtime.Callers and captureStack
	n := runtime.Callers(2+skip, pcs)
	return pcs[:n]
}

func callerPC(skip int) uintptr {
	var pcs [1]uintptr
	// 2 skips runtime.Callers and callerPC
	if n := runtime.Callers(2+skip, pcs[:]); n == 0 {
		return 0
	}
	return pcs[0]
}

func withStackSkip(err error, skip int) error {
	if err == nil {
		return nil
	}
	return &withStack{err: err, pcs: captureStack(skip)}
}

func New(msg string) error             { return withStackSkip(errors.New(msg), 2) }
func Newf(f string, args ...any) error { return withStackSkip(fmt.Errorf(f, args...), 2) }

// WithStack attaches the caller's stack to err.
func WithStack(err error) error { return withStackSkip(err, 2) }

// EnsureTrace attaches a stack unless err already carries one.
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	var hs interface{ StackPCs() []uintptr }
	if errors.As(err, &hs) && len(hs.StackPCs()) > 0 {
		return err
	}
	return withStackSkip(err, 2)
}

func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &wrap{err: err, msg: msg, pc: callerPC(1)}
}

func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &wrap{err: err, msg: fmt.Sprintf(format, args...), pc: callerPC(1)}
}

// Join combines the non-nil errs the way errors.Join does and records the
// caller. It returns nil when every err is nil and the lone error unchanged
// when only one is left.
func Join(errs ...error) error {
	kept := make([]error, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			kept = append(kept, err)
		}
	}
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	}
	return &joined{err: errors.Join(kept...), errs: kept, pc: callerPC(1)}
}

// Location reports where err itself was created or wrapped: the frame
// recorded by Wrap, Wrapf or Join, or the top of a captured stack. The
// chain is not searched.
func Location(err error) (Frame, bool) {
	switch e := err.(type) {
	case interface{ PC() uintptr }:
		return frameFromPC(e.PC())
	case interface{ StackPCs() []uintptr }:
		if frames := Frames(e.StackPCs()); len(frames) > 0 {
			return frames[0], true
		}
	}
	return Frame{}, false
}

// StackOf returns the first captured stack in err's chain.
func StackOf(err error) []uintptr {
	var hs interface{ StackPCs() []uintptr }
	if errors.As(err, &hs) {
		return hs.StackPCs()
	}
	return nil
}

// Frames resolves pcs, stopping at the runtime.
func Frames(pcs []uintptr) []Frame {
	if len(pcs) == 0 {
		return nil
	}
	out := make([]Frame, 0, len(pcs))
	frames := runtime.CallersFrames(pcs)
	for {
		fr, more := frames.Next()
		if strings.HasPrefix(fr.Function, "runtime.") {
			break
		}
		out = append(out, Frame{Function: fr.Function, File: fr.File, Line: fr.Line})
		if !more {
			break
		}
	}
	return out
}

func frameFromPC(pc uintptr) (Frame, bool) {
	if pc == 0 {
		return Frame{}, false
	}
	fr, _ := runtime.CallersFrames([]uintptr{pc}).Next()
	return Frame{Function: fr.Function, File: fr.File, Line: fr.Line}, true
}
