// Package logutil provides the three logging streams used across the
// annotator: ops (actionable warnings, errors, lifecycle events), diag
// (day-to-day diagnostics) and trace (per-tick and per-frame telemetry).
package logutil

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// Writers holds the io.Writers for each logging stream.
type Writers struct {
	Ops   io.Writer
	Diag  io.Writer
	Trace io.Writer
}

var (
	mu          sync.RWMutex
	opsLogger   = newLogger(os.Stderr)
	diagLogger  *log.Logger
	traceLogger *log.Logger
)

// SetWriters configures all three logging streams at once.
// Pass nil for any writer to disable that stream.
func SetWriters(w Writers) {
	mu.Lock()
	defer mu.Unlock()
	opsLogger = newLogger(w.Ops)
	diagLogger = newLogger(w.Diag)
	traceLogger = newLogger(w.Trace)
}

// WritersForLevel maps a logging_level setting onto stream writers, all
// pointing at out.
//
//	off             -> nothing
//	error, warning  -> ops
//	info            -> ops, diag
//	debug           -> ops, diag, trace
func WritersForLevel(level string, out io.Writer) (Writers, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "off", "none":
		return Writers{}, nil
	case "error", "warning", "warn", "":
		return Writers{Ops: out}, nil
	case "info":
		return Writers{Ops: out, Diag: out}, nil
	case "debug":
		return Writers{Ops: out, Diag: out, Trace: out}, nil
	default:
		return Writers{}, fmt.Errorf("unknown logging level %q", level)
	}
}

// Configure applies a logging_level to the process-wide streams.
func Configure(level string, out io.Writer) error {
	w, err := WritersForLevel(level, out)
	if err != nil {
		return err
	}
	SetWriters(w)
	return nil
}

func newLogger(w io.Writer) *log.Logger {
	if w == nil {
		return nil
	}
	return log.New(w, "", log.LstdFlags|log.Lmicroseconds)
}

// Opsf logs to the ops stream.
func Opsf(format string, args ...interface{}) {
	mu.RLock()
	l := opsLogger
	mu.RUnlock()
	if l != nil {
		l.Printf(format, args...)
	}
}

// Diagf logs to the diag stream.
func Diagf(format string, args ...interface{}) {
	mu.RLock()
	l := diagLogger
	mu.RUnlock()
	if l != nil {
		l.Printf(format, args...)
	}
}

// Tracef logs to the trace stream.
func Tracef(format string, args ...interface{}) {
	mu.RLock()
	l := traceLogger
	mu.RUnlock()
	if l != nil {
		l.Printf(format, args...)
	}
}

// Printer adapts the diag stream to the Printf/Verbose shape expected by
// golang-migrate.
type Printer struct {
	Prefix string
}

func (p Printer) Printf(format string, v ...interface{}) {
	Diagf(p.Prefix+format, v...)
}

func (p Printer) Verbose() bool {
	return false
}
