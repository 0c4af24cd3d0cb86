// Package stack captures and formats a call-stack snapshot.
// It is not meant to be used directly; use errutil instead.
package stack

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
)

const (
	maxDepth = 8
	ellipsis = "\t..."
)

// Stack holds a snapshot of program counters.
type Stack []uintptr

// New captures a stack trace. skip is the number of frames to skip;
// skip=0 records the New call itself as the innermost frame.
func New(skip int) Stack {
	pc := make([]uintptr, maxDepth+1)
	pc = pc[:runtime.Callers(skip+2, pc)]
	return Stack(pc)
}

// String formats the stack trace into a human-readable multi-line string.
func (s Stack) String() string {
	var lines []string
	cf := runtime.CallersFrames(s)
	for {
		f, more := cf.Next()
		lines = append(lines, fmt.Sprintf("\tat %s (%s:%d)", f.Function, filepath.Base(f.File), f.Line))
		if !more {
			break
		} else if len(lines) >= maxDepth {
			lines = append(lines, ellipsis)
			break
		}
	}
	return strings.Join(lines, "\n")
}
