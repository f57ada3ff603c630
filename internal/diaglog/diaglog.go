// Package diaglog writes the per-process diagnostic trail: one durable,
// timestamped line per event, kept separate from console output so a
// post-mortem can reconstruct what each PE did.
//
// A Log is created explicitly at process start and passed to everything that
// logs. Init opens the sink at most once; later calls are no-ops. If the sink
// cannot be opened the Log falls back to stderr and keeps working, because a
// logging failure must never abort a run.
package diaglog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Severity classifies a log line.
type Severity string

const (
	SevInfo    Severity = "INFO"
	SevWarn    Severity = "WARN"
	SevFail    Severity = "FAIL"
	SevRoutine Severity = "ROUTINE"
)

// DefaultCap is the maximum formatted message length in bytes.
const DefaultCap = 512

// TimeLayout renders timestamps at millisecond resolution.
const TimeLayout = "2006-01-02 15:04:05.000"

const truncMark = " (trunc)"

// ErrClosed is returned by Init after Close.
var ErrClosed = errors.New("diaglog: closed")

// Clock supplies timestamps.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Log is one process's diagnostic stream. All methods are safe for concurrent
// use; lines are written whole and in order.
type Log struct {
	mu       sync.Mutex
	dir      string
	cap      int
	clock    Clock
	fallback io.Writer

	sink   io.Writer
	closer io.Closer
	path   string
	opened bool
	closed bool
	last   time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithDir sets the directory log files are created in.
func WithDir(dir string) Option {
	return func(l *Log) { l.dir = dir }
}

// WithWriter sends lines to w instead of a file. Init does not open anything.
func WithWriter(w io.Writer) Option {
	return func(l *Log) { l.sink = w }
}

// WithFallback sets the sink used when the log file cannot be opened.
func WithFallback(w io.Writer) Option {
	return func(l *Log) { l.fallback = w }
}

// WithClock sets the timestamp source.
func WithClock(c Clock) Option {
	return func(l *Log) { l.clock = c }
}

// WithCap sets the message cap in bytes.
func WithCap(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.cap = n
		}
	}
}

// New creates an unopened Log.
func New(opts ...Option) *Log {
	l := &Log{
		dir:      os.TempDir(),
		cap:      DefaultCap,
		clock:    wallClock{},
		fallback: os.Stderr,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// FileName returns the log path for label and rank inside dir. The label is
// NFC-normalized and stripped of path separators so it cannot escape dir.
func FileName(dir, label string, rank int) string {
	label = norm.NFC.String(strings.TrimSpace(label))
	label = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		}
		return r
	}, label)
	if label == "" || label == "." || label == ".." {
		label = "shmemvv"
	}
	return filepath.Join(dir, fmt.Sprintf("%s.pe%02d.log", label, rank))
}

// Init opens the sink for label and rank. It is a no-op once the Log is open.
// An open failure switches the Log to its fallback sink, emits a WARN there,
// and is returned for the caller's information only.
func (l *Log) Init(label string, rank int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if l.opened {
		return nil
	}
	l.opened = true
	if l.sink != nil {
		return nil
	}

	path := FileName(l.dir, label, rank)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		l.sink = l.fallback
		l.writeLocked(SevWarn, fmt.Sprintf("cannot open log file %s, logging to stderr: %v", path, err), false)
		return fmt.Errorf("diaglog: open %s: %w", path, err)
	}
	l.sink = f
	l.closer = f
	l.path = path
	return nil
}

// Path returns the open log file, or "" when logging to a writer.
func (l *Log) Path() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.path
}

// Emit formats and writes one line. Messages longer than the cap are cut to
// exactly cap bytes and marked "(trunc)". A formatting fault in format/args
// adds a WARN line; it never fails the caller.
func (l *Log) Emit(sev Severity, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fault := formatFault(format, args)
	// One event per line.
	msg = strings.ReplaceAll(msg, "\n", " ")

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if l.sink == nil {
		l.sink = l.fallback
	}
	truncated := false
	if len(msg) > l.cap {
		msg = msg[:l.cap]
		truncated = true
	}
	l.writeLocked(sev, msg, truncated)
	if fault {
		l.writeLocked(SevWarn, fmt.Sprintf("formatting fault in message %q", format), false)
	}
}

// formatFault reports whether format and args disagree. Text arguments are
// blanked before rendering so a "%!" inside their values is not taken for a
// fault.
func formatFault(format string, args []any) bool {
	masked := make([]any, len(args))
	for i, a := range args {
		switch a.(type) {
		case string, error:
			masked[i] = ""
		case []byte:
			masked[i] = []byte{}
		default:
			masked[i] = a
		}
	}
	return strings.Contains(fmt.Sprintf(format, masked...), "%!")
}

// writeLocked must be called with mu held.
func (l *Log) writeLocked(sev Severity, msg string, truncated bool) {
	now := l.clock.Now()
	if now.Before(l.last) {
		now = l.last
	}
	l.last = now

	var b strings.Builder
	b.Grow(len(TimeLayout) + len(sev) + len(msg) + 16)
	b.WriteString(now.Format(TimeLayout))
	b.WriteString(" [")
	b.WriteString(string(sev))
	b.WriteString("] ")
	b.WriteString(msg)
	if truncated {
		b.WriteString(truncMark)
	}
	b.WriteByte('\n')
	// A failed write has nowhere better to go.
	_, _ = io.WriteString(l.sink, b.String())
}

// Infof emits an INFO line.
func (l *Log) Infof(format string, args ...any) { l.Emit(SevInfo, format, args...) }

// Warnf emits a WARN line.
func (l *Log) Warnf(format string, args ...any) { l.Emit(SevWarn, format, args...) }

// Failf emits a FAIL line.
func (l *Log) Failf(format string, args ...any) { l.Emit(SevFail, format, args...) }

// MarkRoutine emits the delimiter that starts the entries of one test routine.
func (l *Log) MarkRoutine(name string) { l.Emit(SevRoutine, "%s", name) }

// Close writes the final verdict and releases the sink. Later emissions are
// dropped. Closing twice is a no-op.
func (l *Log) Close(passed bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	if l.sink == nil {
		l.sink = l.fallback
	}
	verdict, sev := "PASSED", SevInfo
	if !passed {
		verdict, sev = "FAILED", SevFail
	}
	l.writeLocked(sev, "run complete: "+verdict, false)
	l.closed = true
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}
