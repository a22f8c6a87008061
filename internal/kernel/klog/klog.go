// Package klog is the kernel's boot-time logger. It formats to an
// injectable sink so the simulator writes to stdout while a serial
// console can be swapped in, and it stays silent until the console is
// brought up so the earliest bootstrap stages can log unconditionally.
package klog

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// Level selects the minimum severity that reaches the sink.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

// String returns the bracketed tag used in log lines.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelFatal:
		return "FATAL"
	default:
		return "?"
	}
}

// Logger writes timestamped, level-tagged lines to a sink. The zero
// value discards everything until Init is called.
type Logger struct {
	mutex       sync.Mutex
	sink        io.Writer
	minLevel    int32
	initialized uint32
	dropped     uint64
	start       time.Time
}

var global Logger

// Init attaches the sink and opens the logger. Messages logged before
// Init are dropped, not buffered; the dropped count is retained so the
// boot report can mention them.
func (l *Logger) Init(sink io.Writer, min Level) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.sink = sink
	l.start = time.Now()
	atomic.StoreInt32(&l.minLevel, int32(min))
	atomic.StoreUint32(&l.initialized, 1)
}

// SetLevel adjusts the minimum severity at runtime.
func (l *Logger) SetLevel(min Level) {
	atomic.StoreInt32(&l.minLevel, int32(min))
}

// Enabled reports whether a message at the given level would be written.
func (l *Logger) Enabled(level Level) bool {
	return atomic.LoadUint32(&l.initialized) == 1 &&
		int32(level) >= atomic.LoadInt32(&l.minLevel)
}

// Dropped returns the number of messages discarded before Init.
func (l *Logger) Dropped() uint64 {
	return atomic.LoadUint64(&l.dropped)
}

func (l *Logger) output(level Level, subsystem, format string, args ...interface{}) {
	if atomic.LoadUint32(&l.initialized) == 0 {
		atomic.AddUint64(&l.dropped, 1)
		return
	}
	if int32(level) < atomic.LoadInt32(&l.minLevel) {
		return
	}
	l.mutex.Lock()
	defer l.mutex.Unlock()
	elapsed := time.Since(l.start)
	fmt.Fprintf(l.sink, "[%10.6f] %-5s %s: ", elapsed.Seconds(), level, subsystem)
	fmt.Fprintf(l.sink, format, args...)
	fmt.Fprintln(l.sink)
}

// Debugf logs at debug severity for the named subsystem.
func (l *Logger) Debugf(subsystem, format string, args ...interface{}) {
	l.output(LevelDebug, subsystem, format, args...)
}

// Infof logs at info severity for the named subsystem.
func (l *Logger) Infof(subsystem, format string, args ...interface{}) {
	l.output(LevelInfo, subsystem, format, args...)
}

// Warnf logs at warn severity for the named subsystem.
func (l *Logger) Warnf(subsystem, format string, args ...interface{}) {
	l.output(LevelWarn, subsystem, format, args...)
}

// Errorf logs at error severity for the named subsystem.
func (l *Logger) Errorf(subsystem, format string, args ...interface{}) {
	l.output(LevelError, subsystem, format, args...)
}

// Fatalf logs at fatal severity and additionally raises the raw panic
// beacon so the failure is visible even if the sink is gone.
func (l *Logger) Fatalf(subsystem, format string, args ...interface{}) {
	l.output(LevelFatal, subsystem, format, args...)
	raisePanicBeacon()
}

// Package-level convenience wrappers over the shared logger.

// Init opens the shared logger.
func Init(sink io.Writer, min Level) { global.Init(sink, min) }

// SetLevel adjusts the shared logger's minimum severity.
func SetLevel(min Level) { global.SetLevel(min) }

// Enabled reports whether the shared logger would write at level.
func Enabled(level Level) bool { return global.Enabled(level) }

// Dropped returns the shared logger's pre-Init drop count.
func Dropped() uint64 { return global.Dropped() }

// Debugf logs to the shared logger at debug severity.
func Debugf(subsystem, format string, args ...interface{}) {
	global.Debugf(subsystem, format, args...)
}

// Infof logs to the shared logger at info severity.
func Infof(subsystem, format string, args ...interface{}) {
	global.Infof(subsystem, format, args...)
}

// Warnf logs to the shared logger at warn severity.
func Warnf(subsystem, format string, args ...interface{}) {
	global.Warnf(subsystem, format, args...)
}

// Errorf logs to the shared logger at error severity.
func Errorf(subsystem, format string, args ...interface{}) {
	global.Errorf(subsystem, format, args...)
}

// Fatalf logs to the shared logger at fatal severity.
func Fatalf(subsystem, format string, args ...interface{}) {
	global.Fatalf(subsystem, format, args...)
}
