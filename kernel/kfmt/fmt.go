package kfmt

import (
	"fmt"
	"io"

	"gophervm/kernel/sync"
)

var (
	// earlyPrintBuffer is a ring buffer that stores Printf output before an
	// output sink is attached.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer

	// sinkLock serializes writes to outputSink and earlyPrintBuffer.
	sinkLock sync.Spinlock
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	sinkLock.Acquire()
	defer sinkLock.Release()

	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the currently active output sink or nil if output is
// still being buffered.
func GetOutputSink() io.Writer {
	sinkLock.Acquire()
	defer sinkLock.Release()

	return outputSink
}

// Printf formats according to the fmt package verbs and writes the result to
// the active output sink. If no sink is attached, the output is buffered into
// a ring-buffer and is flushed to the sink passed to the next SetOutputSink
// call.
func Printf(format string, args ...interface{}) {
	sinkLock.Acquire()
	defer sinkLock.Release()

	Fprintf(activeSink{}, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	_, _ = fmt.Fprintf(w, format, args...)
}

// activeSink is an io.Writer that routes writes to outputSink or, if no sink
// is attached, to earlyPrintBuffer. Callers must hold sinkLock.
type activeSink struct{}

func (activeSink) Write(p []byte) (int, error) {
	if outputSink == nil {
		return earlyPrintBuffer.Write(p)
	}

	return outputSink.Write(p)
}

// Logger prints messages for a kernel subsystem. Each output line is tagged
// with the logger prefix.
type Logger struct {
	w PrefixWriter
}

// NewLogger returns a Logger that prefixes each line with prefix.
func NewLogger(prefix string) *Logger {
	return &Logger{
		w: PrefixWriter{Sink: activeSink{}, Prefix: []byte(prefix)},
	}
}

// Printf formats a message and writes it to the active output sink. A
// trailing line feed is appended if the message does not end with one.
func (l *Logger) Printf(format string, args ...interface{}) {
	sinkLock.Acquire()
	defer sinkLock.Release()

	Fprintf(&l.w, format, args...)
	if l.w.bytesAfterPrefix != 0 {
		_, _ = l.w.Write([]byte{'\n'})
	}
}
