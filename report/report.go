// Package report implements the warning de-duplication and
// message-sink collaborator described in spec §7 and Design Notes §9:
// "associate with an explicit error-reporter handle, not a per-image
// bitmask". The sink itself (where messages ultimately go) is an
// external collaborator, submit-message only, per spec §1's scope
// note about the message/logging subsystem; here it is the stdlib
// *log.Logger, in the same terse style the teacher uses directly in
// internal/squashfs/reader.go and internal/fuse/fuse.go.
package report

import (
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/isofsimport/isofsimport/isoerr"
)

// Severity mirrors the severity levels a submit-message sink accepts.
// ABORT cancels the current import (spec §5 "Cancellation").
type Severity int

const (
	SeverityNote Severity = iota
	SeverityWarn
	SeverityAbort
)

// Sink receives a single formatted message at a given severity. The
// default sink writes through the stdlib logger; callers (e.g. the
// isofuse or cmd layers) may supply their own.
type Sink interface {
	Submit(sev Severity, msg string)
}

// LogSink adapts a *log.Logger to Sink.
type LogSink struct {
	L *log.Logger
}

func (s LogSink) Submit(sev Severity, msg string) {
	prefix := "note"
	switch sev {
	case SeverityWarn:
		prefix = "warn"
	case SeverityAbort:
		prefix = "abort"
	}
	s.L.Printf("%s: %s", prefix, msg)
}

// DefaultSink logs to stderr with no extra decoration, matching the
// teacher's ad-hoc log.Printf calls.
func DefaultSink() Sink {
	return LogSink{L: log.New(os.Stderr, "", 0)}
}

// Reporter de-duplicates warnings per class: spec §4.5 "each ... Rock
// Ridge failure class is reported at most once as a first occurrence
// plus at most once as 'repeated'". It is owned by an Image, never
// global (Design Notes §9).
type Reporter struct {
	sink Sink

	mu      sync.Mutex
	seen    map[isoerr.Kind]int // count per kind, capped at reporting twice
	aborted bool
}

func New(sink Sink) *Reporter {
	if sink == nil {
		sink = DefaultSink()
	}
	return &Reporter{sink: sink, seen: make(map[isoerr.Kind]int)}
}

// Warn reports a recoverable problem, applying first+repeated
// de-duplication per Kind.
func (r *Reporter) Warn(kind isoerr.Kind, format string, args ...interface{}) {
	r.mu.Lock()
	n := r.seen[kind]
	r.seen[kind] = n + 1
	r.mu.Unlock()

	if n == 0 {
		r.sink.Submit(SeverityWarn, isoerr.New(kind, format, args...).Error())
	} else if n == 1 {
		r.sink.Submit(SeverityWarn, "repeated: "+isoerr.New(kind, format, args...).Error())
	}
	// n >= 2: silently dropped, already reported twice.
}

// Note reports a non-warning informational message (spec severity
// NOTE, always forwarded, never de-duplicated).
func (r *Reporter) Note(format string, args ...interface{}) {
	r.sink.Submit(SeverityNote, fmt.Sprintf(format, args...))
}

// Abort reports an ABORT-severity message and marks the reporter
// canceled; subsequent Canceled() calls return true.
func (r *Reporter) Abort(format string, args ...interface{}) {
	r.mu.Lock()
	r.aborted = true
	r.mu.Unlock()
	r.sink.Submit(SeverityAbort, fmt.Sprintf(format, args...))
}

// Canceled reports whether Abort was previously called (spec §5
// "Submitting a message at ABORT severity aborts the traversal with
// Canceled").
func (r *Reporter) Canceled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted
}
