// Package fatalerr defines the runtime's fatal-protocol-error shape and the
// abort path every component funnels into.
//
// A FatalError signals a broken invariant, never a recoverable application
// condition. Components construct one and hand it to Abort; they never
// panic or call os.Exit directly, which keeps the abort path testable.
package fatalerr

import (
	"fmt"
	"os"
	"sync"

	"github.com/ember-hpc/vt/internal/log"
)

// Code enumerates the protocol invariants whose violation is unrecoverable.
type Code string

const (
	CodeDoubleFree            Code = "double_free"
	CodeUnregisteredCollective Code = "unregistered_collective_handler"
	CodeConsumedExceedsProduced Code = "consumed_exceeds_produced"
	CodeInvalidDestination     Code = "send_to_invalid_rank"
	CodeUnmatchedHandler       Code = "unmatched_handler_at_termination"
	CodeDeadlockedSequence     Code = "deadlocked_sequence"
)

// FatalError carries enough context for a structured diagnostic: which rank
// and component detected the problem, a stable code, a human message, and an
// optional hint toward the likely cause.
type FatalError struct {
	Rank      int
	Component string
	Code      Code
	Message   string
	Hint      string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("[rank %d] %s: %s (%s)", e.Rank, e.Component, e.Code, e.Message)
}

// New constructs a FatalError.
func New(rank int, component string, code Code, message string) *FatalError {
	return &FatalError{Rank: rank, Component: component, Code: code, Message: message}
}

// Flusher is implemented by anything that must persist buffered state
// (trace writer, stats writer) before the process exits.
type Flusher interface {
	Flush() error
}

var (
	mu        sync.Mutex
	exitFunc  = os.Exit
	flushers  []Flusher
)

// RegisterFlusher adds a component to be flushed during Abort. Order of
// registration is the order of flushing.
func RegisterFlusher(f Flusher) {
	mu.Lock()
	defer mu.Unlock()
	flushers = append(flushers, f)
}

// SetExitFunc overrides the function called after an abort is logged and
// flushed, defaulting to os.Exit(1). Tests override this to observe the
// abort without killing the test binary.
func SetExitFunc(f func(code int)) {
	mu.Lock()
	defer mu.Unlock()
	if f == nil {
		f = os.Exit
	}
	exitFunc = f
}

// Abort logs the FatalError, flushes every registered flusher best-effort,
// and exits the process with a nonzero status (or calls the overridden exit
// function). It never returns under the default exit function.
func Abort(err *FatalError) {
	log.Error("fatal protocol error", "rank", err.Rank, "component", err.Component,
		"code", string(err.Code), "message", err.Message, "hint", err.Hint)

	mu.Lock()
	fs := append([]Flusher(nil), flushers...)
	exit := exitFunc
	mu.Unlock()

	for _, f := range fs {
		if ferr := f.Flush(); ferr != nil {
			log.Error("flush during abort failed", "error", ferr)
		}
	}
	exit(1)
}
